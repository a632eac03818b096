// Package trust implements the reciprocal trust lifecycle: create, verify,
// approve, modify, and delete with cascading cleanup of derived state.
package trust

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/actorcore"
	"github.com/actingweb/actingweb-core/internal/auditlog"
	"github.com/actingweb/actingweb-core/internal/obsmetrics"
	"github.com/actingweb/actingweb-core/internal/peer"
	"github.com/actingweb/actingweb-core/internal/storage"
	"github.com/actingweb/actingweb-core/pkg/wire"
)

// Engine implements the trust lifecycle operations. It holds no per-actor
// state; every method takes the actor ID explicitly, consistent with the
// arena ownership model (internal/actorcore).
type Engine struct {
	core   *actorcore.Core
	peer   *peer.Client
	audit  auditlog.Ledger
	logger *zap.Logger
}

// NewEngine constructs a trust Engine. audit may be nil to disable the
// lifecycle audit trail.
func NewEngine(core *actorcore.Core, peerClient *peer.Client, audit auditlog.Ledger, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{core: core, peer: peerClient, audit: audit, logger: logger}
}

func (e *Engine) recordAudit(ctx context.Context, actorID, peerID string, event auditlog.Event, payload any) {
	if e.audit == nil {
		return
	}
	if _, err := e.audit.Append(ctx, actorID, peerID, event, payload); err != nil {
		e.logger.Warn("trust: audit append failed", zap.Error(err))
	}
}

// CreateReciprocalTrust initiates a trust relationship with a peer: it
// fetches the peer's meta, persists the local row, and requests the
// reciprocal side, rolling the local row back if the peer rejects.
func (e *Engine) CreateReciprocalTrust(ctx context.Context, actorID string, myBaseURI, myType string, peerBaseURI, secret, relationship, desc string, peerTypeExpected string) (*storage.Trust, error) {
	meta, err := e.peer.GetMetaWithRetry(ctx, peerBaseURI)
	if err != nil {
		return nil, actorcore.NewError(actorcore.KindPeerCommunication, "fetch peer meta", err)
	}
	if peerTypeExpected != "" && meta.Type != peerTypeExpected {
		return nil, actorcore.NewError(actorcore.KindTrustRelationship,
			fmt.Sprintf("peer type mismatch: expected %q, got %q", peerTypeExpected, meta.Type), nil)
	}

	verificationToken := uuid.NewString()
	tr := &storage.Trust{
		ActorID:           actorID,
		PeerID:            meta.ID,
		BaseURI:           peerBaseURI,
		Secret:            secret,
		PeerType:          meta.Type,
		Relationship:      relationship,
		Approved:          true, // initiator trusts its own request
		Verified:          true, // initiator is implicitly verified
		VerificationToken: verificationToken,
		PeerApproved:      false,
		EstablishedVia:    storage.EstablishedViaTrust,
	}
	if err := e.core.Storage.CreateTrust(ctx, tr); err != nil {
		return nil, actorcore.NewError(actorcore.KindInvalidActorData, "persist trust", err)
	}

	status, err := e.peer.RequestTrust(ctx, peerBaseURI, relationship, wire.TrustRequest{
		ID: actorID, BaseURI: myBaseURI, Type: myType, Secret: secret, Desc: desc, Verify: verificationToken,
	})
	if err != nil {
		_ = e.core.Storage.DeleteTrust(ctx, actorID, meta.ID)
		return nil, actorcore.NewError(actorcore.KindPeerCommunication, "request trust", err)
	}

	switch status {
	case http.StatusCreated:
		tr.PeerApproved = true
		if err := e.core.Storage.UpdateTrust(ctx, tr); err != nil {
			return nil, actorcore.NewError(actorcore.KindInvalidActorData, "persist peer auto-approval", err)
		}
	case http.StatusAccepted:
		// pending peer approval; nothing further to persist.
	default:
		_ = e.core.Storage.DeleteTrust(ctx, actorID, meta.ID)
		return nil, actorcore.NewError(actorcore.KindTrustRelationship,
			fmt.Sprintf("peer rejected trust request: status %d", status), nil)
	}

	e.recordAudit(ctx, actorID, meta.ID, auditlog.EventCreate, tr)
	obsmetrics.RecordTrustTransition("create")
	e.logger.Info("reciprocal trust created",
		zap.String("actor_id", actorID), zap.String("peer_id", meta.ID), zap.Int("peer_status", status))
	return tr, nil
}

// CreateVerifiedTrust handles an inbound trust request: it calls back to
// verify the requester's token, and
// persists the relationship regardless of verification outcome (an
// unverified trust is still recorded, just flagged).
func (e *Engine) CreateVerifiedTrust(ctx context.Context, actorID, peerID, peerBaseURI, secret, relationship, peerType string, verificationTokenExpected string, approved, peerApproved bool, desc string) (*storage.Trust, error) {
	verified := false
	resp, err := e.peer.GetTrustVerification(ctx, peerBaseURI, relationship, actorID, secret)
	if err == nil && resp.VerificationToken == verificationTokenExpected {
		verified = true
	}

	tr := &storage.Trust{
		ActorID:        actorID,
		PeerID:         peerID,
		BaseURI:        peerBaseURI,
		Secret:         secret,
		PeerType:       peerType,
		Relationship:   relationship,
		Approved:       approved,
		PeerApproved:   peerApproved,
		Verified:       verified,
		EstablishedVia: storage.EstablishedViaTrust,
	}
	if err := e.core.Storage.CreateTrust(ctx, tr); err != nil {
		return nil, actorcore.NewError(actorcore.KindInvalidActorData, "persist trust", err)
	}

	e.recordAudit(ctx, actorID, peerID, auditlog.EventVerify, tr)
	obsmetrics.RecordTrustTransition("verify")
	e.logger.Info("verified trust created",
		zap.String("actor_id", actorID), zap.String("peer_id", peerID), zap.Bool("verified", verified))
	return tr, nil
}

// TrustMutation describes the optional fields modify_and_notify may change.
// A nil pointer leaves the corresponding field untouched.
type TrustMutation struct {
	Approved     *bool
	PeerApproved *bool
	Desc         *string
	BaseURI      *string
}

// ModifyAndNotify mutates a trust relationship, honoring the ordering
// invariant: the approval change is durable before the peer is notified.
// The false->true transition is detected via UpdateTrustApproval's returned
// prior value, not by comparing against a value read earlier in this call.
func (e *Engine) ModifyAndNotify(ctx context.Context, actorID, peerID, relationship string, mut TrustMutation) (*storage.Trust, error) {
	transitioned := false
	if mut.Approved != nil {
		wasApproved, err := e.core.Storage.UpdateTrustApproval(ctx, actorID, peerID, *mut.Approved)
		if err == storage.ErrNotFound {
			return nil, actorcore.NewError(actorcore.KindTrustRelationship, "trust not found", err)
		}
		if err != nil {
			return nil, actorcore.NewError(actorcore.KindInvalidActorData, "persist approval", err)
		}
		transitioned = *mut.Approved && !wasApproved
	}

	tr, err := e.core.Storage.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, actorcore.NewError(actorcore.KindTrustRelationship, "trust not found", err)
	}
	dirty := false
	if mut.PeerApproved != nil {
		tr.PeerApproved = *mut.PeerApproved
		dirty = true
	}
	if mut.BaseURI != nil {
		tr.BaseURI = *mut.BaseURI
		dirty = true
	}
	_ = mut.Desc // description is not part of the canonical Trust row; caller may persist it elsewhere.
	if dirty {
		if err := e.core.Storage.UpdateTrust(ctx, tr); err != nil {
			return nil, actorcore.NewError(actorcore.KindInvalidActorData, "persist trust modification", err)
		}
	}

	if transitioned {
		if err := e.peer.NotifyTrustApproval(ctx, tr.BaseURI, relationship, actorID, tr.Secret, true); err != nil {
			e.logger.Warn("trust: peer approval notification failed",
				zap.String("actor_id", actorID), zap.String("peer_id", peerID), zap.Error(err))
		}
	}

	event := auditlog.EventModify
	metricEvent := "modify"
	if transitioned {
		event = auditlog.EventApprove
		metricEvent = "approve"
	}
	e.recordAudit(ctx, actorID, peerID, event, tr)
	obsmetrics.RecordTrustTransition(metricEvent)
	return tr, nil
}

// DeleteReciprocalTrust deletes a trust relationship and cascades its
// derived state. It returns ok=false if a required peer-side DELETE failed,
// even though the local cascade always completes.
func (e *Engine) DeleteReciprocalTrust(ctx context.Context, actorID, selfBaseURI, peerID string, deletePeer bool) (bool, error) {
	tr, err := e.core.Storage.GetTrust(ctx, actorID, peerID)
	if err == storage.ErrNotFound {
		// Idempotent: nothing to do.
		return true, nil
	}
	if err != nil {
		return false, actorcore.NewError(actorcore.KindInvalidActorData, "load trust", err)
	}

	ok := true
	if deletePeer && tr.EstablishedVia != storage.EstablishedViaOAuth2 && tr.EstablishedVia != storage.EstablishedViaOAuth2Client && tr.BaseURI != selfBaseURI {
		if err := e.peer.DeleteTrust(ctx, tr.BaseURI, tr.Relationship, actorID, tr.Secret); err != nil {
			e.logger.Warn("trust: peer delete failed",
				zap.String("actor_id", actorID), zap.String("peer_id", peerID), zap.Error(err))
			ok = false
		}
	}

	subs, err := e.core.Storage.ListSubscriptionsByPeer(ctx, actorID, peerID)
	if err != nil {
		return false, actorcore.NewError(actorcore.KindInvalidActorData, "list subscriptions", err)
	}
	for _, sub := range subs {
		if err := e.core.Storage.DeleteSubscription(ctx, actorID, peerID, sub.SubscriptionID); err != nil {
			return false, actorcore.NewError(actorcore.KindInvalidActorData, "delete subscription", err)
		}
		// Keys match subscriptions.stateKey/pendingKey ("state:<peer>:<sub>",
		// "pending:<peer>:<sub>") in the shared "_callback_state" bucket.
		_ = e.core.Storage.DeleteAttr(ctx, actorID, "_callback_state", "state:"+peerID+":"+sub.SubscriptionID)
		_ = e.core.Storage.DeleteAttr(ctx, actorID, "_callback_state", "pending:"+peerID+":"+sub.SubscriptionID)
	}

	_ = e.core.Storage.DeleteBucket(ctx, actorID, "remote:"+peerID)
	_ = e.core.Storage.DeleteAttr(ctx, actorID, bucketTrustPermissions, peerID)
	_ = e.core.Storage.DeleteAttr(ctx, actorID, bucketPeerProfile, peerID)
	_ = e.core.Storage.DeleteAttr(ctx, actorID, bucketPeerCapabilities, peerID)
	_ = e.core.Storage.DeleteAttr(ctx, actorID, bucketPeerPermissions, peerID)

	if err := e.core.Storage.DeleteTrust(ctx, actorID, peerID); err != nil {
		return false, actorcore.NewError(actorcore.KindInvalidActorData, "delete trust row", err)
	}

	e.recordAudit(ctx, actorID, peerID, auditlog.EventDelete, map[string]bool{"delete_peer": deletePeer, "peer_delete_ok": ok})
	obsmetrics.RecordTrustTransition("delete")
	e.logger.Info("reciprocal trust deleted",
		zap.String("actor_id", actorID), zap.String("peer_id", peerID), zap.Bool("peer_delete_ok", ok))
	return ok, nil
}
