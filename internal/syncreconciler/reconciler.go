// Package syncreconciler implements the pull-based catch-up path: on-demand
// fetching of diffs a subscriber missed, baseline bootstrap when nothing has
// been delivered yet, and peer-revocation detection.
package syncreconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/mirror"
	"github.com/actingweb/actingweb-core/internal/obsmetrics"
	"github.com/actingweb/actingweb-core/internal/peer"
	"github.com/actingweb/actingweb-core/internal/properties"
	"github.com/actingweb/actingweb-core/internal/storage"
	"github.com/actingweb/actingweb-core/internal/subscriptions"
	"github.com/actingweb/actingweb-core/internal/trust"
	"github.com/actingweb/actingweb-core/pkg/wire"
)

// capabilityCacheTTL bounds how long a peer-capabilities cache entry from
// internal/trust is trusted before SyncPeer refreshes it opportunistically.
const capabilityCacheTTL = 10 * time.Minute

// Status classifies the outcome of one SyncSubscription call.
type Status string

const (
	StatusProcessed       Status = "processed"
	StatusBaselineFetched Status = "baseline_fetched"
	StatusNotFound        Status = "not_found" // peer returned 404; candidate for revocation
	StatusNoTrust         Status = "no_trust"
	StatusError           Status = "error"
)

// SyncResult is the outcome of syncing one subscription.
type SyncResult struct {
	Status    Status
	Processed int // number of diffs routed through the callback processor
	Err       error
}

// PeerSyncResult is the outcome of syncing every outbound subscription held
// against one peer.
type PeerSyncResult struct {
	Subscriptions map[string]SyncResult // keyed by subscription_id
	TrustRevoked  bool
}

// AutoStorageConfig governs the reconciler's baseline-bootstrap behavior.
type AutoStorageConfig struct {
	// Enabled turns on baseline bootstrap: when true, an empty pull
	// response triggers a baseline fetch instead of being a no-op.
	Enabled bool
}

// Reconciler implements sync_subscription and sync_peer.
type Reconciler struct {
	store  storage.Storage
	peer   *peer.Client
	subs   *subscriptions.Engine
	trust  *trust.Engine
	mirror *mirror.Writer
	cfg    AutoStorageConfig
	logger *zap.Logger
}

// New constructs a Reconciler.
func New(store storage.Storage, peerClient *peer.Client, subs *subscriptions.Engine, trustEngine *trust.Engine, cfg AutoStorageConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:  store,
		peer:   peerClient,
		subs:   subs,
		trust:  trustEngine,
		mirror: mirror.New(store),
		cfg:    cfg,
		logger: logger,
	}
}

// SyncSubscription pulls and processes pending diffs for one subscription
// we hold against a peer (IsCallback=true: we subscribed to them).
func (r *Reconciler) SyncSubscription(ctx context.Context, actorID, peerID, subID string) SyncResult {
	tr, err := r.store.GetTrust(ctx, actorID, peerID)
	if err == storage.ErrNotFound {
		return SyncResult{Status: StatusNoTrust, Err: fmt.Errorf("syncreconciler: no trust with peer %s", peerID)}
	}
	if err != nil {
		obsmetrics.RecordSyncOutcome("error")
		return SyncResult{Status: StatusError, Err: err}
	}

	sub, err := r.store.GetSubscription(ctx, actorID, peerID, subID)
	if err != nil {
		obsmetrics.RecordSyncOutcome("error")
		return SyncResult{Status: StatusError, Err: err}
	}

	status, pull, err := r.peer.PullDiffs(ctx, tr.BaseURI, actorID, subID, tr.Secret)
	if err != nil {
		obsmetrics.RecordSyncOutcome("error")
		return SyncResult{Status: StatusError, Err: err}
	}
	if status == http.StatusNotFound {
		obsmetrics.RecordSyncOutcome("peer_not_found")
		return SyncResult{Status: StatusNotFound, Err: fmt.Errorf("syncreconciler: peer returned 404 for subscription %s", subID)}
	}
	if status >= 300 {
		obsmetrics.RecordSyncOutcome("error")
		return SyncResult{Status: StatusError, Err: fmt.Errorf("syncreconciler: pull diffs: status %d", status)}
	}

	if len(pull.Data) == 0 {
		if !r.cfg.Enabled {
			obsmetrics.RecordSyncOutcome("processed")
			return SyncResult{Status: StatusProcessed}
		}
		if err := r.baselineFetch(ctx, actorID, tr, sub); err != nil {
			obsmetrics.RecordSyncOutcome("error")
			return SyncResult{Status: StatusError, Err: err}
		}
		obsmetrics.RecordSyncOutcome("processed")
		return SyncResult{Status: StatusBaselineFetched}
	}

	sort.Slice(pull.Data, func(i, j int) bool { return pull.Data[i].Sequence < pull.Data[j].Sequence })

	processed := 0
	highest := sub.Sequence
	for _, d := range pull.Data {
		envelope := wire.CallbackEnvelope{
			ID: actorID, SubscriptionID: subID, Target: sub.Target, Subtarget: sub.Subtarget,
			Resource: sub.Resource, Sequence: d.Sequence, Timestamp: d.Timestamp, Type: wire.CallbackTypeDiff, Data: d.Data,
		}
		result, err := r.subs.ProcessCallback(ctx, actorID, peerID, subID, envelope, r.mirrorHandler(actorID, peerID, sub.Subtarget))
		if err != nil {
			r.logger.Warn("syncreconciler: process pulled diff failed",
				zap.String("peer_id", peerID), zap.Int("sequence", d.Sequence), zap.Error(err))
			continue
		}
		if result == subscriptions.ProcessedResult {
			processed++
			if d.Sequence > highest {
				highest = d.Sequence
			}
		}
	}

	if processed > 0 {
		if err := r.peer.ConfirmSequence(ctx, tr.BaseURI, actorID, subID, tr.Secret, highest); err != nil {
			r.logger.Warn("syncreconciler: confirm sequence failed",
				zap.String("peer_id", peerID), zap.String("subscription_id", subID), zap.Error(err))
		}
	}

	obsmetrics.RecordSyncOutcome("processed")
	return SyncResult{Status: StatusProcessed, Processed: processed}
}

// mirrorHandler builds a subscriptions.Handler that writes processed diffs
// into the remote peer mirror bucket.
func (r *Reconciler) mirrorHandler(actorID, peerID, subtarget string) subscriptions.Handler {
	return func(ctx context.Context, cb subscriptions.ProcessedCallback) error {
		if cb.Type != wire.CallbackTypeDiff {
			return nil
		}
		if subtarget == "" {
			return nil // target-level subscription with no subtarget carries no mirrorable key
		}
		return r.mirror.ApplyDiff(ctx, actorID, peerID, subtarget, cb.Data)
	}
}

// baselineFetch hydrates the mirror from the peer's full current state when
// no diffs are pending.
func (r *Reconciler) baselineFetch(ctx context.Context, actorID string, tr *storage.Trust, sub *storage.Subscription) error {
	url := strings.TrimRight(tr.BaseURI, "/") + "/" + sub.Target
	if sub.Subtarget != "" {
		url += "/" + strings.TrimPrefix(sub.Subtarget, storage.ListPrefix)
	}
	if sub.Resource != "" {
		url += "/" + sub.Resource
	}
	if sub.Target == properties.TargetProperties && sub.Subtarget == "" {
		url += "?metadata=true"
	}

	status, body, err := r.peer.FetchResource(ctx, url, tr.Secret)
	if err != nil {
		return fmt.Errorf("syncreconciler: baseline fetch: %w", err)
	}
	if status >= 300 {
		return fmt.Errorf("syncreconciler: baseline fetch: status %d", status)
	}

	entries, err := r.parseBaseline(ctx, tr, sub, body)
	if err != nil {
		return fmt.Errorf("syncreconciler: parse baseline: %w", err)
	}
	return r.mirror.ApplyBaseline(ctx, actorID, sub.PeerID, entries)
}

type listMarker struct {
	IsList bool `json:"_list"`
	Count  int  `json:"count"`
}

// parseBaseline handles both the root properties collection (a map of
// name -> value, with list-valued entries marked {_list:true,count:N}) and a
// single subtarget/resource fetch (one value or one list).
func (r *Reconciler) parseBaseline(ctx context.Context, tr *storage.Trust, sub *storage.Subscription, body []byte) ([]mirror.BaselineEntry, error) {
	if sub.Target == properties.TargetProperties && sub.Subtarget == "" {
		var collection map[string]json.RawMessage
		if err := json.Unmarshal(body, &collection); err != nil {
			return nil, err
		}
		entries := make([]mirror.BaselineEntry, 0, len(collection))
		for name, raw := range collection {
			var marker listMarker
			if json.Unmarshal(raw, &marker) == nil && marker.IsList {
				items, err := r.fetchListItems(ctx, tr, name)
				if err != nil {
					// Graceful degradation: retain the metadata form.
					r.logger.Warn("syncreconciler: list baseline fetch failed, keeping metadata form",
						zap.String("list", name), zap.Error(err))
					entries = append(entries, mirror.BaselineEntry{Name: name, Value: raw})
					continue
				}
				entries = append(entries, mirror.BaselineEntry{Name: name, Items: items})
				continue
			}
			entries = append(entries, mirror.BaselineEntry{Name: name, Value: raw})
		}
		return entries, nil
	}

	name := sub.Resource
	if name == "" {
		name = strings.TrimPrefix(sub.Subtarget, storage.ListPrefix)
	}
	if strings.HasPrefix(sub.Subtarget, storage.ListPrefix) {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, err
		}
		return []mirror.BaselineEntry{{Name: name, Items: items}}, nil
	}
	return []mirror.BaselineEntry{{Name: name, Value: body}}, nil
}

func (r *Reconciler) fetchListItems(ctx context.Context, tr *storage.Trust, name string) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s/%s", strings.TrimRight(tr.BaseURI, "/"), properties.TargetProperties, name)
	status, body, err := r.peer.FetchResource(ctx, url, tr.Secret)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("status %d", status)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// SyncPeer syncs every subscription we hold against the peer, then applies
// revoked-trust detection.
func (r *Reconciler) SyncPeer(ctx context.Context, actorID, peerID string) PeerSyncResult {
	subs, err := r.store.ListSubscriptionsByPeer(ctx, actorID, peerID)
	if err != nil {
		r.logger.Error("syncreconciler: list subscriptions by peer failed", zap.String("peer_id", peerID), zap.Error(err))
		return PeerSyncResult{}
	}

	results := make(map[string]SyncResult, len(subs))
	ours := 0
	notFound := 0
	for _, sub := range subs {
		if !sub.IsCallback {
			continue // subscriptions the peer holds against us; not ours to pull
		}
		ours++
		res := r.SyncSubscription(ctx, actorID, peerID, sub.SubscriptionID)
		results[sub.SubscriptionID] = res
		if res.Status == StatusNotFound {
			notFound++
		}
	}

	peerResult := PeerSyncResult{Subscriptions: results}
	tr, err := r.store.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return peerResult
	}

	if ours == 0 || notFound < ours {
		// Not every subscription 404'd (or there were none): clean up only
		// the dead ones, keep the trust.
		for subID, res := range results {
			if res.Status == StatusNotFound {
				_ = r.store.DeleteSubscription(ctx, actorID, peerID, subID)
			}
		}
		r.refreshPeerCaches(ctx, actorID, peerID, tr)
		return peerResult
	}

	// Every subscription 404'd: verify the trust itself is still alive.
	status, _, err := r.peer.FetchResource(ctx, fmt.Sprintf("%s/trust/%s/%s", strings.TrimRight(tr.BaseURI, "/"), tr.Relationship, actorID), tr.Secret)
	if err == nil && status == http.StatusNotFound {
		obsmetrics.RecordSyncOutcome("trust_revoked")
		if _, err := r.trust.DeleteReciprocalTrust(ctx, actorID, "", peerID, false); err != nil {
			r.logger.Error("syncreconciler: revoked-trust cleanup failed", zap.String("peer_id", peerID), zap.Error(err))
		}
		peerResult.TrustRevoked = true
		return peerResult
	}

	for subID := range results {
		_ = r.store.DeleteSubscription(ctx, actorID, peerID, subID)
	}
	r.refreshPeerCaches(ctx, actorID, peerID, tr)
	return peerResult
}

// refreshPeerCaches opportunistically refreshes the peer capabilities cache
// from the peer's /meta once SyncPeer has confirmed the trust is still alive.
// The peer profile and peer permissions caches are not refreshed here. Fetch
// failures are logged and otherwise ignored: a stale cache is always safe to
// keep serving until the next sync.
func (r *Reconciler) refreshPeerCaches(ctx context.Context, actorID, peerID string, tr *storage.Trust) {
	if _, cached, _ := r.trust.GetCachedPeerCapabilities(ctx, actorID, peerID, capabilityCacheTTL); cached {
		return
	}
	meta, err := r.peer.GetMeta(ctx, tr.BaseURI)
	if err != nil {
		r.logger.Warn("syncreconciler: peer capability refresh failed", zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	if err := r.trust.SetCachedPeerCapabilities(ctx, actorID, peerID, trust.PeerCapabilities{Methods: meta.Capabilities}); err != nil {
		r.logger.Warn("syncreconciler: peer capability cache write failed", zap.String("peer_id", peerID), zap.Error(err))
	}
}
