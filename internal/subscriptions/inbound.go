package subscriptions

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/obsmetrics"
	"github.com/actingweb/actingweb-core/internal/storage"
	"github.com/actingweb/actingweb-core/pkg/wire"
)

// ProcessResult classifies the outcome of one inbound callback; the caller
// (httpapi's callback handler) maps it onto an HTTP response.
type ProcessResult string

const (
	ProcessedResult ProcessResult = "processed"
	DuplicateResult ProcessResult = "duplicate"
	PendingResult   ProcessResult = "pending"
	ResyncTriggered ProcessResult = "resync_triggered"
	RejectedResult  ProcessResult = "rejected"
)

// ProcessedCallback is handed to the user Handler in delivery order.
type ProcessedCallback struct {
	PeerID         string
	SubscriptionID string
	Sequence       int
	Type           wire.CallbackType
	Data           json.RawMessage
	Timestamp      string
}

// Handler is invoked once per in-order callback. An error is logged but
// never retried (at-most-once delivery to the handler).
type Handler func(ctx context.Context, cb ProcessedCallback) error

const callbackStateBucket = "_callback_state"

func stateKey(peerID, subID string) string   { return "state:" + peerID + ":" + subID }
func pendingKey(peerID, subID string) string { return "pending:" + peerID + ":" + subID }

type processorState struct {
	Version       int  `json:"version"`
	ResyncPending bool `json:"resync_pending"`
}

type pendingEntry struct {
	Sequence   int             `json:"sequence"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

func (e *Engine) getState(ctx context.Context, actorID, peerID, subID string) (processorState, int) {
	attr, err := e.store.GetAttr(ctx, actorID, callbackStateBucket, stateKey(peerID, subID))
	if err != nil {
		return processorState{}, 0
	}
	var st processorState
	if json.Unmarshal(attr.Data, &st) != nil {
		return processorState{}, 0
	}
	return st, attr.Version
}

// setState writes processor state under optimistic locking: the write only
// succeeds if expectedVersion matches the version getState observed in the
// same retry attempt.
func (e *Engine) setState(ctx context.Context, actorID, peerID, subID string, st processorState, expectedVersion int) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return e.store.SetAttr(ctx, actorID, callbackStateBucket, stateKey(peerID, subID), raw, &expectedVersion)
}

// resetState writes processor state unconditionally, used by resync (the
// protocol's own reset signal overrides whatever optimistic version is
// currently stored).
func (e *Engine) resetState(ctx context.Context, actorID, peerID, subID string, st processorState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return e.store.SetAttr(ctx, actorID, callbackStateBucket, stateKey(peerID, subID), raw, nil)
}

func (e *Engine) getPending(ctx context.Context, actorID, peerID, subID string) []pendingEntry {
	attr, err := e.store.GetAttr(ctx, actorID, callbackStateBucket, pendingKey(peerID, subID))
	if err != nil {
		return nil
	}
	var pending []pendingEntry
	if json.Unmarshal(attr.Data, &pending) != nil {
		return nil
	}
	return pending
}

func (e *Engine) setPending(ctx context.Context, actorID, peerID, subID string, pending []pendingEntry) {
	raw, err := json.Marshal(pending)
	if err != nil {
		return
	}
	_ = e.store.SetAttr(ctx, actorID, callbackStateBucket, pendingKey(peerID, subID), raw, nil)
}

// ProcessCallback runs one inbound callback through the sequencing state
// machine: duplicates are suppressed, gaps are queued or promoted to resync,
// and in-order callbacks drain to the handler.
func (e *Engine) ProcessCallback(ctx context.Context, actorID, peerID, subID string, envelope wire.CallbackEnvelope, handler Handler) (ProcessResult, error) {
	switch envelope.EffectiveType() {
	case wire.CallbackTypeResync:
		return e.handleResync(ctx, actorID, peerID, subID, envelope, handler)
	case wire.CallbackTypePermission:
		return e.handlePermission(ctx, peerID, envelope, handler)
	}

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		sub, err := e.store.GetSubscription(ctx, actorID, peerID, subID)
		if err != nil {
			return RejectedResult, err
		}
		lastSeq := sub.Sequence
		state, version := e.getState(ctx, actorID, peerID, subID)

		if envelope.Sequence <= lastSeq {
			return DuplicateResult, nil
		}

		if envelope.Sequence > lastSeq+1 {
			pending := e.getPending(ctx, actorID, peerID, subID)
			if gapTimedOut(pending, e.cfg.GapTimeout) {
				state.ResyncPending = true
				_ = e.setState(ctx, actorID, peerID, subID, state, version)
				_ = e.store.SetSequence(ctx, actorID, peerID, subID, 0)
				e.setPending(ctx, actorID, peerID, subID, nil)
				obsmetrics.RecordGapTimeout()
				return ResyncTriggered, nil
			}

			if len(pending) >= e.cfg.MaxPending {
				obsmetrics.RecordCallbackRejected()
				return RejectedResult, nil
			}
			pending = append(pending, pendingEntry{Sequence: envelope.Sequence, Data: envelope.Data, ReceivedAt: time.Now().UTC()})
			sort.Slice(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })
			e.setPending(ctx, actorID, peerID, subID, pending)
			return PendingResult, nil
		}

		// envelope.Sequence == lastSeq+1: drain this entry plus any
		// consecutive pending entries.
		toProcess := []ProcessedCallback{{
			PeerID: peerID, SubscriptionID: subID, Sequence: envelope.Sequence,
			Type: wire.CallbackTypeDiff, Data: envelope.Data, Timestamp: envelope.Timestamp,
		}}
		pending := e.getPending(ctx, actorID, peerID, subID)
		nextSeq := envelope.Sequence + 1
		remaining := make([]pendingEntry, 0, len(pending))
		for _, p := range pending {
			if p.Sequence == nextSeq {
				toProcess = append(toProcess, ProcessedCallback{
					PeerID: peerID, SubscriptionID: subID, Sequence: p.Sequence,
					Type: wire.CallbackTypeDiff, Data: p.Data,
				})
				nextSeq++
				continue
			}
			remaining = append(remaining, p)
		}

		state.ResyncPending = false
		if err := e.setState(ctx, actorID, peerID, subID, state, version); err != nil {
			if err == storage.ErrVersionConflict {
				time.Sleep(e.cfg.RetryBackoffBase << attempt)
				continue
			}
			return RejectedResult, err
		}
		e.setPending(ctx, actorID, peerID, subID, remaining)

		for _, cb := range toProcess {
			if handler == nil {
				continue
			}
			if err := handler(ctx, cb); err != nil {
				e.logger.Error("subscriptions: callback handler failed",
					zap.String("peer_id", peerID), zap.Int("sequence", cb.Sequence), zap.Error(err))
			}
		}

		newLastSeq := toProcess[len(toProcess)-1].Sequence
		if err := e.store.SetSequence(ctx, actorID, peerID, subID, newLastSeq); err != nil {
			e.logger.Error("subscriptions: failed to persist last_seq after processing",
				zap.String("peer_id", peerID), zap.Int("sequence", newLastSeq), zap.Error(err))
		}
		return ProcessedResult, nil
	}

	e.logger.Error("subscriptions: exhausted retries processing callback",
		zap.String("peer_id", peerID), zap.String("subscription_id", subID))
	return RejectedResult, nil
}

func gapTimedOut(pending []pendingEntry, gapTimeout time.Duration) bool {
	if len(pending) == 0 {
		return false
	}
	oldest := pending[0].ReceivedAt
	for _, p := range pending[1:] {
		if p.ReceivedAt.Before(oldest) {
			oldest = p.ReceivedAt
		}
	}
	return time.Since(oldest) > gapTimeout
}

func (e *Engine) handleResync(ctx context.Context, actorID, peerID, subID string, envelope wire.CallbackEnvelope, handler Handler) (ProcessResult, error) {
	e.setPending(ctx, actorID, peerID, subID, nil)
	_ = e.resetState(ctx, actorID, peerID, subID, processorState{})

	if handler != nil {
		cb := ProcessedCallback{
			PeerID: peerID, SubscriptionID: subID, Sequence: envelope.Sequence,
			Type: wire.CallbackTypeResync, Data: envelope.Data, Timestamp: envelope.Timestamp,
		}
		if err := handler(ctx, cb); err != nil {
			e.logger.Error("subscriptions: resync handler failed", zap.String("peer_id", peerID), zap.Error(err))
		}
	}

	if err := e.store.SetSequence(ctx, actorID, peerID, subID, envelope.Sequence); err != nil {
		return RejectedResult, err
	}
	return ProcessedResult, nil
}

func (e *Engine) handlePermission(ctx context.Context, peerID string, envelope wire.CallbackEnvelope, handler Handler) (ProcessResult, error) {
	if handler != nil {
		cb := ProcessedCallback{
			PeerID: peerID, Type: wire.CallbackTypePermission, Data: envelope.Data, Timestamp: envelope.Timestamp,
		}
		if err := handler(ctx, cb); err != nil {
			e.logger.Error("subscriptions: permission handler failed", zap.String("peer_id", peerID), zap.Error(err))
		}
	}
	return ProcessedResult, nil
}
