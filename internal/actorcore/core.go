// Package actorcore implements the arena-style ownership model:
// Core owns every store; ActorHandle is a lightweight value
// carrying an actor_id and a back-reference to Core, rather than a cyclic
// graph of actor/property/trust/subscription objects holding pointers to
// each other.
package actorcore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/actingweb/actingweb-core/internal/dispatch"
	"github.com/actingweb/actingweb-core/internal/storage"
)

// Core owns the storage adapter, the dispatcher used for outbound
// callbacks, and the logger threaded through every engine. Engines
// (trust, properties, subscriptions, syncreconciler) take a *Core plus
// whatever additional collaborators they need (peer client, permission
// policy source) rather than reaching into each other.
type Core struct {
	Storage    storage.Storage
	Dispatcher dispatch.Dispatcher
	Logger     *zap.Logger
}

// NewCore constructs a Core. dispatcher may be nil, in which case a
// SyncDispatcher is used.
func NewCore(store storage.Storage, dispatcher dispatch.Dispatcher, logger *zap.Logger) *Core {
	if dispatcher == nil {
		dispatcher = dispatch.SyncDispatcher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Core{Storage: store, Dispatcher: dispatcher, Logger: logger}
}

// ActorHandle is a lightweight, copyable reference to one actor. It carries
// no state of its own beyond the ID; every operation reads through to
// Core.Storage.
type ActorHandle struct {
	ID   string
	core *Core
}

// Core returns the owning Core, for engines that need direct store access.
func (h ActorHandle) Core() *Core { return h.core }

// CreateActor provisions a new actor with a bcrypt-hashed passphrase and
// returns its handle.
func (c *Core) CreateActor(ctx context.Context, creator, baseURI, passphrase string) (ActorHandle, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return ActorHandle{}, NewError(KindInvalidActorData, "hash passphrase", err)
	}

	a := &storage.Actor{
		ActorID:    uuid.NewString(),
		Creator:    creator,
		Passphrase: string(hash),
		BaseURI:    baseURI,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.Storage.CreateActor(ctx, a); err != nil {
		return ActorHandle{}, NewError(KindInvalidActorData, "persist actor", err)
	}
	c.Logger.Info("actor created", zap.String("actor_id", a.ActorID))
	return ActorHandle{ID: a.ActorID, core: c}, nil
}

// Actor resolves an existing actor by ID.
func (c *Core) Actor(ctx context.Context, actorID string) (ActorHandle, error) {
	if _, err := c.Storage.GetActor(ctx, actorID); err != nil {
		if err == storage.ErrNotFound {
			return ActorHandle{}, ErrActorNotFound
		}
		return ActorHandle{}, NewError(KindInvalidActorData, "load actor", err)
	}
	return ActorHandle{ID: actorID, core: c}, nil
}

// VerifyPassphrase checks a candidate owner passphrase against the stored
// bcrypt hash.
func (h ActorHandle) VerifyPassphrase(ctx context.Context, passphrase string) error {
	a, err := h.core.Storage.GetActor(ctx, h.ID)
	if err != nil {
		if err == storage.ErrNotFound {
			return ErrActorNotFound
		}
		return NewError(KindInvalidActorData, "load actor", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(a.Passphrase), []byte(passphrase)) != nil {
		return NewError(KindInvalidActorData, "passphrase mismatch", nil)
	}
	return nil
}

// Delete performs the full local cascade for actor deletion: every
// subscription (and its diffs), every trust row, every attribute bucket,
// every property and list, then the actor row itself. It does not attempt
// remote peer notification; that is the Trust Engine's responsibility for
// an individual relationship (internal/trust.DeleteReciprocalTrust) and
// should be invoked per-trust before calling Delete if remote cleanup is
// desired.
func (h ActorHandle) Delete(ctx context.Context) error {
	c := h.core

	subs, err := c.Storage.ListSubscriptions(ctx, h.ID)
	if err != nil {
		return NewError(KindInvalidActorData, "list subscriptions", err)
	}
	for _, sub := range subs {
		if err := c.Storage.DeleteSubscription(ctx, h.ID, sub.PeerID, sub.SubscriptionID); err != nil {
			return NewError(KindInvalidActorData, fmt.Sprintf("delete subscription %s", sub.SubscriptionID), err)
		}
	}
	// Every subscription for this actor is gone, so the whole bucket (keyed
	// per (peer,sub) by subscriptions.stateKey/pendingKey) can be dropped in
	// one shot rather than reconstructing each key.
	if err := c.Storage.DeleteBucket(ctx, h.ID, "_callback_state"); err != nil {
		return NewError(KindInvalidActorData, "delete callback processor state", err)
	}
	// Suspension flags (internal/properties' suspendBucket).
	if err := c.Storage.DeleteBucket(ctx, h.ID, "_suspensions"); err != nil {
		return NewError(KindInvalidActorData, "delete suspension flags", err)
	}

	trusts, err := c.Storage.ListTrusts(ctx, h.ID)
	if err != nil {
		return NewError(KindInvalidActorData, "list trusts", err)
	}
	for _, tr := range trusts {
		if err := c.Storage.DeleteTrust(ctx, h.ID, tr.PeerID); err != nil {
			return NewError(KindInvalidActorData, fmt.Sprintf("delete trust %s", tr.PeerID), err)
		}
		if err := c.Storage.DeleteBucket(ctx, h.ID, "remote:"+tr.PeerID); err != nil {
			return NewError(KindInvalidActorData, "delete remote mirror bucket", err)
		}
		// Mirrors the per-trust attribute-bucket cleanup in
		// trust.Engine.DeleteReciprocalTrust's cascade (bucket names must
		// match internal/trust/cache.go's bucketPeerProfile etc.).
		_ = c.Storage.DeleteAttr(ctx, h.ID, "_permissions", tr.PeerID)
		_ = c.Storage.DeleteAttr(ctx, h.ID, "_peer_profile", tr.PeerID)
		_ = c.Storage.DeleteAttr(ctx, h.ID, "_peer_capabilities", tr.PeerID)
		_ = c.Storage.DeleteAttr(ctx, h.ID, "_peer_permissions", tr.PeerID)
	}

	if err := c.Storage.DeleteAllProperties(ctx, h.ID); err != nil {
		return NewError(KindInvalidActorData, "delete properties", err)
	}

	names, err := c.Storage.ListListNames(ctx, h.ID)
	if err != nil {
		return NewError(KindInvalidActorData, "list list names", err)
	}
	for _, name := range names {
		if err := c.Storage.DeleteList(ctx, h.ID, name); err != nil {
			return NewError(KindInvalidActorData, fmt.Sprintf("delete list %s", name), err)
		}
	}

	if err := c.Storage.DeleteActor(ctx, h.ID); err != nil {
		return NewError(KindActorNotFound, "delete actor row", err)
	}
	c.Logger.Info("actor deleted", zap.String("actor_id", h.ID))
	return nil
}
