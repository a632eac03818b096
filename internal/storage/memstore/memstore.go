// Package memstore is an in-memory, thread-safe storage.Storage implementation.
// It is primarily useful for testing and for single-process embedders that do
// not require durable persistence across restarts.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/actingweb/actingweb-core/internal/storage"
)

type actorKey = string

type propKey struct{ actorID, name string }

type listKey struct{ actorID, name string }

type trustKey struct{ actorID, peerID string }

type subKey struct{ actorID, peerID, subID string }

type diffKey struct {
	actorID, subID string
	seq            int
}

type attrKey struct{ actorID, bucket, name string }

// Store is an in-memory Storage implementation. The zero value is not usable;
// construct with New.
type Store struct {
	mu sync.RWMutex

	actors map[actorKey]*storage.Actor
	props  map[propKey]*storage.Property
	meta   map[listKey]*storage.ListMeta
	items  map[listKey][]*storage.ListItem
	trusts map[trustKey]*storage.Trust
	subs   map[subKey]*storage.Subscription
	diffs  map[diffKey]*storage.Diff
	attrs  map[attrKey]*storage.Attribute
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		actors: make(map[actorKey]*storage.Actor),
		props:  make(map[propKey]*storage.Property),
		meta:   make(map[listKey]*storage.ListMeta),
		items:  make(map[listKey][]*storage.ListItem),
		trusts: make(map[trustKey]*storage.Trust),
		subs:   make(map[subKey]*storage.Subscription),
		diffs:  make(map[diffKey]*storage.Diff),
		attrs:  make(map[attrKey]*storage.Attribute),
	}
}

var _ storage.Storage = (*Store)(nil)

// ── actors ───────────────────────────────────────────────────────────────────

func (s *Store) CreateActor(_ context.Context, a *storage.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.actors[cp.ActorID] = &cp
	return nil
}

func (s *Store) GetActor(_ context.Context, actorID string) (*storage.Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[actorID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) UpdateActor(_ context.Context, a *storage.Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.actors[a.ActorID]; !ok {
		return storage.ErrNotFound
	}
	cp := *a
	s.actors[cp.ActorID] = &cp
	return nil
}

func (s *Store) DeleteActor(_ context.Context, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actors, actorID)
	return nil
}

// ── properties ───────────────────────────────────────────────────────────────

func (s *Store) GetProperty(_ context.Context, actorID, name string) (*storage.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.props[propKey{actorID, name}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) SetProperty(_ context.Context, p *storage.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.props[propKey{cp.ActorID, cp.Name}] = &cp
	return nil
}

func (s *Store) DeleteProperty(_ context.Context, actorID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.props, propKey{actorID, name})
	return nil
}

func (s *Store) ListProperties(_ context.Context, actorID string) ([]*storage.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Property
	for k, p := range s.props {
		if k.actorID == actorID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteAllProperties(_ context.Context, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.props {
		if k.actorID == actorID {
			delete(s.props, k)
		}
	}
	for k := range s.meta {
		if k.actorID == actorID {
			delete(s.meta, k)
			delete(s.items, k)
		}
	}
	return nil
}

func (s *Store) GetListMeta(_ context.Context, actorID, name string) (*storage.ListMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[listKey{actorID, name}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) SetListMeta(_ context.Context, m *storage.ListMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.meta[listKey{cp.ActorID, cp.Name}] = &cp
	return nil
}

func (s *Store) ListItems(_ context.Context, actorID, name string) ([]*storage.ListItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.items[listKey{actorID, name}]
	out := make([]*storage.ListItem, len(items))
	for i, it := range items {
		cp := *it
		cp.Index = i
		out[i] = &cp
	}
	return out, nil
}

func (s *Store) ReplaceList(_ context.Context, actorID, name string, values [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := listKey{actorID, name}
	if len(values) == 0 {
		delete(s.items, k)
		return nil
	}
	items := make([]*storage.ListItem, len(values))
	for i, v := range values {
		items[i] = &storage.ListItem{ActorID: actorID, Name: name, Index: i, Value: v}
	}
	s.items[k] = items
	return nil
}

func (s *Store) DeleteList(_ context.Context, actorID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := listKey{actorID, name}
	delete(s.items, k)
	delete(s.meta, k)
	return nil
}

func (s *Store) ListListNames(_ context.Context, actorID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	for k := range s.items {
		if k.actorID == actorID {
			seen[k.name] = true
		}
	}
	for k := range s.meta {
		if k.actorID == actorID {
			seen[k.name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// ── trusts ───────────────────────────────────────────────────────────────────

func (s *Store) CreateTrust(_ context.Context, t *storage.Trust) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.trusts[trustKey{cp.ActorID, cp.PeerID}] = &cp
	return nil
}

func (s *Store) GetTrust(_ context.Context, actorID, peerID string) (*storage.Trust, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trusts[trustKey{actorID, peerID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) UpdateTrustApproval(_ context.Context, actorID, peerID string, approved bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trusts[trustKey{actorID, peerID}]
	if !ok {
		return false, storage.ErrNotFound
	}
	was := t.Approved
	t.Approved = approved
	t.UpdatedAt = time.Now().UTC()
	return was, nil
}

func (s *Store) UpdateTrust(_ context.Context, t *storage.Trust) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := trustKey{t.ActorID, t.PeerID}
	if _, ok := s.trusts[k]; !ok {
		return storage.ErrNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	s.trusts[k] = &cp
	return nil
}

func (s *Store) DeleteTrust(_ context.Context, actorID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trusts, trustKey{actorID, peerID})
	return nil
}

func (s *Store) ListTrusts(_ context.Context, actorID string) ([]*storage.Trust, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Trust
	for k, t := range s.trusts {
		if k.actorID == actorID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func (s *Store) ListTrustsByRelationship(_ context.Context, actorID, relationship string) ([]*storage.Trust, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Trust
	for k, t := range s.trusts {
		if k.actorID == actorID && t.Relationship == relationship {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

// ── subscriptions & diffs ────────────────────────────────────────────────────

func (s *Store) CreateSubscription(_ context.Context, sub *storage.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.Granularity == "" {
		cp.Granularity = storage.GranularityHigh
	}
	s.subs[subKey{cp.ActorID, cp.PeerID, cp.SubscriptionID}] = &cp
	return nil
}

func (s *Store) GetSubscription(_ context.Context, actorID, peerID, subID string) (*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[subKey{actorID, peerID, subID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (s *Store) IncrementSequence(_ context.Context, actorID, peerID, subID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subKey{actorID, peerID, subID}]
	if !ok {
		return 0, storage.ErrNotFound
	}
	sub.Sequence++
	return sub.Sequence, nil
}

func (s *Store) SetSequence(_ context.Context, actorID, peerID, subID string, seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[subKey{actorID, peerID, subID}]
	if !ok {
		return storage.ErrNotFound
	}
	sub.Sequence = seq
	return nil
}

func (s *Store) DeleteSubscription(_ context.Context, actorID, peerID, subID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, subKey{actorID, peerID, subID})
	for k := range s.diffs {
		if k.actorID == actorID && k.subID == subID {
			delete(s.diffs, k)
		}
	}
	return nil
}

func (s *Store) ListSubscriptions(_ context.Context, actorID string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Subscription
	for k, sub := range s.subs {
		if k.actorID == actorID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out, nil
}

func (s *Store) ListSubscriptionsByPeer(_ context.Context, actorID, peerID string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Subscription
	for k, sub := range s.subs {
		if k.actorID == actorID && k.peerID == peerID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out, nil
}

func (s *Store) ListMatchingOutbound(_ context.Context, actorID, target, subtarget string) ([]*storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Subscription
	for k, sub := range s.subs {
		if k.actorID != actorID || sub.IsCallback || sub.Target != target {
			continue
		}
		if sub.Subtarget != "" && subtarget != "" && sub.Subtarget != subtarget {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriptionID < out[j].SubscriptionID })
	return out, nil
}

func (s *Store) AppendDiff(_ context.Context, d *storage.Diff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.diffs[diffKey{cp.ActorID, cp.SubscriptionID, cp.Sequence}] = &cp
	return nil
}

func (s *Store) GetDiff(_ context.Context, actorID, subID string, seq int) (*storage.Diff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.diffs[diffKey{actorID, subID, seq}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDiffs(_ context.Context, actorID, subID string) ([]*storage.Diff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Diff
	for k, d := range s.diffs {
		if k.actorID == actorID && k.subID == subID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *Store) ClearDiffs(_ context.Context, actorID, subID string, upTo int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.diffs {
		if k.actorID == actorID && k.subID == subID && (upTo == 0 || k.seq <= upTo) {
			delete(s.diffs, k)
		}
	}
	return nil
}

// ── attributes ───────────────────────────────────────────────────────────────

func (s *Store) GetAttr(_ context.Context, actorID, bucket, name string) (*storage.Attribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attrs[attrKey{actorID, bucket, name}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) SetAttr(_ context.Context, actorID, bucket, name string, data []byte, expectedVersion *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := attrKey{actorID, bucket, name}
	cur, ok := s.attrs[k]
	curVersion := 0
	if ok {
		curVersion = cur.Version
	}
	if expectedVersion != nil && *expectedVersion != curVersion {
		return storage.ErrVersionConflict
	}
	s.attrs[k] = &storage.Attribute{
		ActorID:   actorID,
		Bucket:    bucket,
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   curVersion + 1,
	}
	return nil
}

func (s *Store) DeleteAttr(_ context.Context, actorID, bucket, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attrs, attrKey{actorID, bucket, name})
	return nil
}

func (s *Store) ListBucket(_ context.Context, actorID, bucket string) ([]*storage.Attribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Attribute
	for k, a := range s.attrs {
		if k.actorID == actorID && k.bucket == bucket {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DeleteBucket(_ context.Context, actorID, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.attrs {
		if k.actorID == actorID && k.bucket == bucket {
			delete(s.attrs, k)
		}
	}
	return nil
}
