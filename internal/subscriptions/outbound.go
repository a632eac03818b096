// Package subscriptions implements the subscription engine: outbound
// publisher-side fan-out and inbound subscriber-side callback processing.
package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/dispatch"
	"github.com/actingweb/actingweb-core/internal/obsmetrics"
	"github.com/actingweb/actingweb-core/internal/peer"
	"github.com/actingweb/actingweb-core/internal/permissions"
	"github.com/actingweb/actingweb-core/internal/properties"
	"github.com/actingweb/actingweb-core/internal/storage"
	"github.com/actingweb/actingweb-core/pkg/wire"
)

// PolicyResolver resolves the effective permission policy an actor applies
// to a given peer. internal/trust.Engine implements it.
type PolicyResolver interface {
	ResolvePolicy(ctx context.Context, actorID, peerID string) (*permissions.Policy, error)
}

// CapabilityCache reports whether a peer is known to support resync
// callbacks. internal/trust.Engine implements it.
type CapabilityCache interface {
	SupportsResync(ctx context.Context, actorID, peerID string, ttl time.Duration) (supported bool, cached bool)
}

// Engine implements both halves of the Subscription Engine.
type Engine struct {
	store      storage.Storage
	dispatcher dispatch.Dispatcher
	peerClient *peer.Client
	policies   PolicyResolver
	caps       CapabilityCache
	cfg        Config
	logger     *zap.Logger
}

// NewEngine constructs a subscriptions Engine. policies/caps may be nil, in
// which case permission filtering is skipped and resync support is always
// optimistically assumed, respectively.
func NewEngine(store storage.Storage, dispatcher dispatch.Dispatcher, peerClient *peer.Client, policies PolicyResolver, caps CapabilityCache, cfg Config, logger *zap.Logger) *Engine {
	if dispatcher == nil {
		dispatcher = dispatch.SyncDispatcher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, dispatcher: dispatcher, peerClient: peerClient, policies: policies, caps: caps, cfg: cfg, logger: logger}
}

var _ properties.DiffRegistrar = (*Engine)(nil)

// actorBaseURI loads the publisher's own BaseURI, used to build the low-
// granularity pull URL and resync URL.
func (e *Engine) actorBaseURI(ctx context.Context, actorID string) (string, error) {
	a, err := e.store.GetActor(ctx, actorID)
	if err != nil {
		return "", err
	}
	return a.BaseURI, nil
}

// RegisterDiff implements properties.DiffRegistrar: it is called once per
// mutation and fans the diff out to every matching inbound subscription.
func (e *Engine) RegisterDiff(ctx context.Context, actorID, target, subtarget string, blob []byte) error {
	subs, err := e.store.ListMatchingOutbound(ctx, actorID, target, subtarget)
	if err != nil {
		return fmt.Errorf("list matching subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	myBaseURI, err := e.actorBaseURI(ctx, actorID)
	if err != nil {
		return fmt.Errorf("load publisher actor: %w", err)
	}

	for _, sub := range subs {
		reshaped, ok := reshapeForSubscription(sub, subtarget, blob)
		if !ok {
			continue
		}
		if err := e.deliverDiff(ctx, actorID, myBaseURI, sub, reshaped); err != nil {
			e.logger.Warn("subscriptions: deliver diff failed",
				zap.String("actor_id", actorID), zap.String("peer_id", sub.PeerID),
				zap.String("subscription_id", sub.SubscriptionID), zap.Error(err))
		}
	}
	return nil
}

// reshapeForSubscription reshapes a diff blob so the subscriber sees exactly
// the (subtarget, resource) level it subscribed to.
func reshapeForSubscription(sub *storage.Subscription, diffSubtarget string, blob json.RawMessage) (json.RawMessage, bool) {
	if sub.Subtarget == "" {
		wrapped, err := json.Marshal(map[string]json.RawMessage{diffSubtarget: blob})
		if err != nil {
			return nil, false
		}
		return wrapped, true
	}
	if sub.Subtarget != diffSubtarget {
		return nil, false
	}
	if sub.Resource == "" {
		return blob, true
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(blob, &obj); err != nil {
		return nil, false
	}
	val, ok := obj[sub.Resource]
	if !ok {
		return nil, false
	}
	return val, true
}

// deliverDiff persists the sequenced diff row and then schedules the
// callback POST.
func (e *Engine) deliverDiff(ctx context.Context, actorID, myBaseURI string, sub *storage.Subscription, data json.RawMessage) error {
	seq, err := e.store.IncrementSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID)
	if err != nil {
		return fmt.Errorf("increment sequence: %w", err)
	}

	now := time.Now().UTC()
	if err := e.store.AppendDiff(ctx, &storage.Diff{
		ActorID: actorID, SubscriptionID: sub.SubscriptionID, Sequence: seq, Blob: data, Timestamp: now,
	}); err != nil {
		_ = e.store.SetSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID, seq-1)
		return fmt.Errorf("persist diff: %w", err)
	}

	if sub.Granularity == storage.GranularityNone {
		return nil
	}

	envelope, ok, err := e.buildEnvelope(ctx, actorID, myBaseURI, sub, seq, now, data)
	if err != nil {
		return err
	}
	if !ok {
		return nil // permission filter suppressed the callback entirely
	}

	tr, err := e.store.GetTrust(ctx, actorID, sub.PeerID)
	if err != nil {
		return fmt.Errorf("load trust for callback delivery: %w", err)
	}

	deliver := func(ctx context.Context) {
		status, err := e.peerClient.DeliverCallback(ctx, tr.BaseURI, actorID, sub.SubscriptionID, tr.Secret, *envelope)
		if err != nil || status >= 300 {
			obsmetrics.RecordCallbackDelivery(false)
			e.logger.Warn("subscriptions: callback delivery failed",
				zap.String("peer_id", sub.PeerID), zap.Int("status", status), zap.Error(err))
			return
		}
		obsmetrics.RecordCallbackDelivery(true)
	}
	if e.cfg.SyncCallbacks {
		deliver(ctx)
	} else {
		e.dispatcher.Dispatch(ctx, deliver)
	}
	return nil
}

// buildEnvelope assembles the callback body, applying the permission
// filter to properties-target data and choosing high/low granularity
// representation. ok=false means the callback must be suppressed entirely.
func (e *Engine) buildEnvelope(ctx context.Context, actorID, myBaseURI string, sub *storage.Subscription, seq int, ts time.Time, data json.RawMessage) (*wire.CallbackEnvelope, bool, error) {
	envelope := wire.CallbackEnvelope{
		ID:             actorID,
		SubscriptionID: sub.SubscriptionID,
		Target:         sub.Target,
		Subtarget:      sub.Subtarget,
		Resource:       sub.Resource,
		Sequence:       seq,
		Timestamp:      ts.Format(time.RFC3339),
		Granularity:    string(sub.Granularity),
		Type:           wire.CallbackTypeDiff,
	}

	if sub.Granularity == storage.GranularityLow {
		envelope.URL = fmt.Sprintf("%s/subscriptions/%s/%s", myBaseURI, sub.PeerID, sub.SubscriptionID)
		return &envelope, true, nil
	}

	filtered := data
	if sub.Target == properties.TargetProperties && e.policies != nil {
		policy, err := e.policies.ResolvePolicy(ctx, actorID, sub.PeerID)
		if err == nil && policy != nil {
			out, ok := permissions.FilterSubscriptionData(policy, data)
			if !ok {
				obsmetrics.RecordCallbackSuppressed()
				return nil, false, nil
			}
			filtered = out
		}
	}
	envelope.Data = filtered
	return &envelope, true, nil
}

// TriggerResync implements properties.DiffRegistrar: it sends a resync
// callback to every subscription matching (target, subtarget), falling back
// to a synthesized low-granularity diff for peers known not to support
// resync.
func (e *Engine) TriggerResync(ctx context.Context, actorID, target, subtarget string) error {
	subs, err := e.store.ListMatchingOutbound(ctx, actorID, target, subtarget)
	if err != nil {
		return fmt.Errorf("list matching subscriptions: %w", err)
	}
	myBaseURI, err := e.actorBaseURI(ctx, actorID)
	if err != nil {
		return fmt.Errorf("load publisher actor: %w", err)
	}

	for _, sub := range subs {
		supportsResync := true
		if e.caps != nil {
			supportsResync, _ = e.caps.SupportsResync(ctx, actorID, sub.PeerID, e.cfg.ResyncCacheTTL)
		}
		tr, err := e.store.GetTrust(ctx, actorID, sub.PeerID)
		if err != nil {
			continue
		}

		if supportsResync {
			envelope := wire.CallbackEnvelope{
				ID:             actorID,
				SubscriptionID: sub.SubscriptionID,
				Target:         sub.Target,
				Subtarget:      sub.Subtarget,
				Resource:       sub.Resource,
				Timestamp:      time.Now().UTC().Format(time.RFC3339),
				Granularity:    string(sub.Granularity),
				Type:           wire.CallbackTypeResync,
				URL:            fmt.Sprintf("%s/%s", myBaseURI, target),
			}
			e.scheduleDelivery(ctx, tr.BaseURI, actorID, sub.SubscriptionID, tr.Secret, envelope)
			continue
		}

		// Fallback: synthesize a full-state low-granularity diff under a new
		// sequence number rather than a resync envelope the peer can't handle.
		state, err := e.fullStateBlob(ctx, actorID, sub)
		if err != nil {
			e.logger.Warn("subscriptions: synthesize full-state diff failed",
				zap.String("subscription_id", sub.SubscriptionID), zap.Error(err))
			continue
		}
		seq, err := e.store.IncrementSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID)
		if err != nil {
			continue
		}
		now := time.Now().UTC()
		if err := e.store.AppendDiff(ctx, &storage.Diff{ActorID: actorID, SubscriptionID: sub.SubscriptionID, Sequence: seq, Blob: state, Timestamp: now}); err != nil {
			_ = e.store.SetSequence(ctx, actorID, sub.PeerID, sub.SubscriptionID, seq-1)
			continue
		}
		envelope := wire.CallbackEnvelope{
			ID:             actorID,
			SubscriptionID: sub.SubscriptionID,
			Target:         sub.Target,
			Subtarget:      sub.Subtarget,
			Resource:       sub.Resource,
			Sequence:       seq,
			Timestamp:      now.Format(time.RFC3339),
			Granularity:    string(storage.GranularityLow),
			Type:           wire.CallbackTypeDiff,
			URL:            fmt.Sprintf("%s/subscriptions/%s/%s", myBaseURI, sub.PeerID, sub.SubscriptionID),
		}
		e.scheduleDelivery(ctx, tr.BaseURI, actorID, sub.SubscriptionID, tr.Secret, envelope)
	}
	return nil
}

// fullStateBlob builds the subscription's current full state for the
// synthesized fallback diff: the scalar's current value, the list's items as
// a JSON array, or the whole properties collection (lists inlined) when the
// subscription has no subtarget. A resource refinement extracts that key
// from the computed state.
func (e *Engine) fullStateBlob(ctx context.Context, actorID string, sub *storage.Subscription) (json.RawMessage, error) {
	if sub.Target != properties.TargetProperties {
		return nil, fmt.Errorf("no full state available for target %q", sub.Target)
	}

	var state json.RawMessage
	switch {
	case strings.HasPrefix(sub.Subtarget, storage.ListPrefix):
		raw, err := e.listState(ctx, actorID, strings.TrimPrefix(sub.Subtarget, storage.ListPrefix))
		if err != nil {
			return nil, err
		}
		state = raw
	case sub.Subtarget != "":
		p, err := e.store.GetProperty(ctx, actorID, sub.Subtarget)
		switch {
		case err == storage.ErrNotFound:
			state = json.RawMessage("null")
		case err != nil:
			return nil, err
		default:
			state = p.Value
		}
	default:
		props, err := e.store.ListProperties(ctx, actorID)
		if err != nil {
			return nil, err
		}
		out := make(map[string]json.RawMessage, len(props))
		for _, p := range props {
			out[p.Name] = p.Value
		}
		names, err := e.store.ListListNames(ctx, actorID)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			raw, err := e.listState(ctx, actorID, name)
			if err != nil {
				return nil, err
			}
			out[name] = raw
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		state = raw
	}

	if sub.Resource == "" {
		return state, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(state, &obj); err != nil {
		return nil, fmt.Errorf("resource %q not addressable in full state: %w", sub.Resource, err)
	}
	val, ok := obj[sub.Resource]
	if !ok {
		return json.RawMessage("null"), nil
	}
	return val, nil
}

func (e *Engine) listState(ctx context.Context, actorID, name string) (json.RawMessage, error) {
	items, err := e.store.ListItems(ctx, actorID, name)
	if err != nil {
		return nil, err
	}
	values := make([]json.RawMessage, len(items))
	for i, it := range items {
		values[i] = json.RawMessage(it.Value)
	}
	return json.Marshal(values)
}

func (e *Engine) scheduleDelivery(ctx context.Context, baseURI, actorID, subID, secret string, envelope wire.CallbackEnvelope) {
	deliver := func(ctx context.Context) {
		if _, err := e.peerClient.DeliverCallback(ctx, baseURI, actorID, subID, secret, envelope); err != nil {
			e.logger.Warn("subscriptions: resync delivery failed", zap.String("subscription_id", subID), zap.Error(err))
		}
	}
	if e.cfg.SyncCallbacks {
		deliver(ctx)
	} else {
		e.dispatcher.Dispatch(ctx, deliver)
	}
}
