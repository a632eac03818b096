package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by adapter Get-style methods when the requested
// row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrVersionConflict is returned by SetAttr when expectedVersion is supplied
// and does not match the stored version (optimistic-locking conflict).
var ErrVersionConflict = errors.New("storage: version conflict")

// ActorStore persists Actor rows.
type ActorStore interface {
	CreateActor(ctx context.Context, a *Actor) error
	GetActor(ctx context.Context, actorID string) (*Actor, error)
	UpdateActor(ctx context.Context, a *Actor) error
	// DeleteActor removes only the actor row itself. Cascading deletion of
	// owned entities is the caller's (actorcore.Core) responsibility so that
	// it can sequence the cascade.
	DeleteActor(ctx context.Context, actorID string) error
}

// PropertyStore persists scalar properties and list-valued properties.
type PropertyStore interface {
	GetProperty(ctx context.Context, actorID, name string) (*Property, error)
	SetProperty(ctx context.Context, p *Property) error
	DeleteProperty(ctx context.Context, actorID, name string) error
	ListProperties(ctx context.Context, actorID string) ([]*Property, error)
	DeleteAllProperties(ctx context.Context, actorID string) error

	GetListMeta(ctx context.Context, actorID, name string) (*ListMeta, error)
	SetListMeta(ctx context.Context, m *ListMeta) error

	// ListItems returns the list's items ordered by Index.
	ListItems(ctx context.Context, actorID, name string) ([]*ListItem, error)
	// ReplaceList atomically replaces the full ordered item set for a list.
	// Passing a nil/empty slice clears the list (but not its metadata).
	ReplaceList(ctx context.Context, actorID, name string, items [][]byte) error
	DeleteList(ctx context.Context, actorID, name string) error
	ListListNames(ctx context.Context, actorID string) ([]string, error)
}

// TrustStore persists trust relationships.
type TrustStore interface {
	CreateTrust(ctx context.Context, t *Trust) error
	GetTrust(ctx context.Context, actorID, peerID string) (*Trust, error)
	// UpdateTrustApproval performs a conditional update of the Approved flag
	// and returns the value observed immediately before the write, so the
	// caller can detect a genuine false->true transition.
	UpdateTrustApproval(ctx context.Context, actorID, peerID string, approved bool) (wasApproved bool, err error)
	UpdateTrust(ctx context.Context, t *Trust) error
	DeleteTrust(ctx context.Context, actorID, peerID string) error
	ListTrusts(ctx context.Context, actorID string) ([]*Trust, error)
	ListTrustsByRelationship(ctx context.Context, actorID, relationship string) ([]*Trust, error)
}

// SubscriptionStore persists subscriptions and their diff lists.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, actorID, peerID, subID string) (*Subscription, error)
	// IncrementSequence atomically increments the subscription's sequence and
	// returns the new value.
	IncrementSequence(ctx context.Context, actorID, peerID, subID string) (int, error)
	// SetSequence forcibly sets the sequence, used to roll back a failed
	// increment or to reset to 0 on resync.
	SetSequence(ctx context.Context, actorID, peerID, subID string, seq int) error
	DeleteSubscription(ctx context.Context, actorID, peerID, subID string) error
	ListSubscriptions(ctx context.Context, actorID string) ([]*Subscription, error)
	ListSubscriptionsByPeer(ctx context.Context, actorID, peerID string) ([]*Subscription, error)
	// ListMatchingOutbound returns inbound (IsCallback=false) subscriptions
	// whose target/subtarget hierarchy could match a diff at the given path,
	// i.e. candidates for the publisher-side fan-out.
	ListMatchingOutbound(ctx context.Context, actorID, target, subtarget string) ([]*Subscription, error)

	AppendDiff(ctx context.Context, d *Diff) error
	GetDiff(ctx context.Context, actorID, subID string, seq int) (*Diff, error)
	ListDiffs(ctx context.Context, actorID, subID string) ([]*Diff, error)
	// ClearDiffs deletes all diffs for a subscription with sequence <= upTo.
	// upTo == 0 clears every diff.
	ClearDiffs(ctx context.Context, actorID, subID string, upTo int) error
}

// AttributeStore persists the generic attribute buckets.
type AttributeStore interface {
	GetAttr(ctx context.Context, actorID, bucket, name string) (*Attribute, error)
	// SetAttr writes an attribute. When expectedVersion is non-nil the write
	// only succeeds if the stored version matches; on success the new
	// version is the prior version + 1 (1 for a new attribute). Returns
	// ErrVersionConflict on mismatch.
	SetAttr(ctx context.Context, actorID, bucket, name string, data []byte, expectedVersion *int) error
	DeleteAttr(ctx context.Context, actorID, bucket, name string) error
	ListBucket(ctx context.Context, actorID, bucket string) ([]*Attribute, error)
	// DeleteBucket removes every attribute in a bucket atomically at the
	// abstraction level.
	DeleteBucket(ctx context.Context, actorID, bucket string) error
}

// Storage is the full adapter surface the core engines depend on.
type Storage interface {
	ActorStore
	PropertyStore
	TrustStore
	SubscriptionStore
	AttributeStore
}
