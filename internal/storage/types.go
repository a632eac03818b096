// Package storage defines the persistence abstraction for actors, properties,
// trust relationships, subscriptions, diffs, and the generic attribute buckets
// used for internal bookkeeping. Two implementations are provided:
// memstore (in-process, for tests and embedders without a database) and
// pgstore (durable, PostgreSQL-backed).
package storage

import "time"

// EstablishedVia records the provenance of a trust relationship. It determines
// whether a reciprocal delete attempts a remote DELETE call on the peer.
type EstablishedVia string

const (
	EstablishedViaTrust         EstablishedVia = "trust"
	EstablishedViaOAuth2        EstablishedVia = "oauth2"
	EstablishedViaOAuth2Client  EstablishedVia = "oauth2_client"
	EstablishedViaMCP           EstablishedVia = "mcp"
)

// Granularity controls how much information a subscription callback carries
// inline.
type Granularity string

const (
	GranularityHigh Granularity = "high"
	GranularityLow  Granularity = "low"
	GranularityNone Granularity = "none"
)

// ListPrefix is prepended to a property name to form a subscription subtarget
// that refers to a list-valued property rather than a scalar one.
const ListPrefix = "list:"

// Actor is the root identity. It owns all properties, trusts, subscriptions,
// diffs, and attribute buckets keyed by ActorID.
type Actor struct {
	ActorID    string
	Creator    string // email or well-known token
	Passphrase string // bcrypt hash of the owner shared-secret, never the raw value
	BaseURI    string
	CreatedAt  time.Time
}

// Property is a scalar (name -> JSON value) property belonging to one actor.
// List-valued properties are stored separately (see ListItem) and are never
// represented here; a name is either scalar or list, never both.
type Property struct {
	ActorID string
	Name    string
	Value   []byte // JSON-encoded value
}

// ListMeta holds the optional metadata attached to a list-valued property.
type ListMeta struct {
	ActorID     string
	Name        string
	Description string
	Explanation string
	Extra       []byte // arbitrary JSON, opaque to the core
}

// ListItem is one element of an ordered list-valued property.
type ListItem struct {
	ActorID string
	Name    string
	Index   int    // position within the list, dense and zero-based
	Value   []byte // JSON-encoded value
}

// Trust is a reciprocal relationship keyed by (ActorID, PeerID).
type Trust struct {
	ActorID           string
	PeerID            string
	BaseURI           string
	Secret            string // bearer shared secret, immutable after creation
	PeerType          string
	Relationship      string
	Approved          bool
	PeerApproved      bool
	Verified          bool
	VerificationToken string // set exactly once, cleared upon consumption
	EstablishedVia    EstablishedVia
	ClientName        string
	ClientVersion     string
	ClientPlatform    string
	OAuthClientID     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Subscription is keyed by (ActorID, PeerID, SubscriptionID). IsCallback
// distinguishes direction: false means the peer subscribed to us (we
// publish); true means we subscribed to the peer (we receive).
type Subscription struct {
	ActorID        string
	PeerID         string
	SubscriptionID string
	IsCallback     bool
	Target         string
	Subtarget      string
	Resource       string
	Granularity    Granularity
	Sequence       int // monotonic; 0 = none delivered; first diff delivered is 1
	CreatedAt      time.Time
}

// Diff is a single sequenced change record keyed by (ActorID, SubscriptionID, Sequence).
type Diff struct {
	ActorID        string
	SubscriptionID string
	Sequence       int
	Blob           []byte // JSON-encoded payload
	Timestamp      time.Time
}

// Attribute is a generic (ActorID, Bucket, Name) -> {Data, Timestamp} record
// used for callback-processor state, suspension flags, remote peer mirrors,
// and cached peer profile/capabilities/permissions.
type Attribute struct {
	ActorID   string
	Bucket    string
	Name      string
	Data      []byte // JSON-encoded
	Timestamp time.Time
	Version   int // optimistic-locking counter
}
