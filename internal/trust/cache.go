package trust

import (
	"context"
	"encoding/json"
	"time"

	"github.com/actingweb/actingweb-core/internal/permissions"
	"github.com/actingweb/actingweb-core/internal/storage"
)

// Cache buckets for the peer-side caches, each with its own fetched_at
// for TTL purposes.
const (
	bucketPeerProfile      = "_peer_profile"
	bucketPeerCapabilities = "_peer_capabilities"
	bucketPeerPermissions  = "_peer_permissions"
	bucketTrustPermissions = "_permissions"
)

type cacheEnvelope struct {
	FetchedAt time.Time       `json:"fetched_at"`
	Data      json.RawMessage `json:"data"`
}

func readCache(ctx context.Context, store storage.AttributeStore, actorID, bucket, peerID string, ttl time.Duration) (json.RawMessage, bool, error) {
	attr, err := store.GetAttr(ctx, actorID, bucket, peerID)
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var env cacheEnvelope
	if err := json.Unmarshal(attr.Data, &env); err != nil {
		return nil, false, err
	}
	if ttl > 0 && time.Since(env.FetchedAt) > ttl {
		return nil, false, nil
	}
	return env.Data, true, nil
}

func writeCache(ctx context.Context, store storage.AttributeStore, actorID, bucket, peerID string, data json.RawMessage) error {
	env := cacheEnvelope{FetchedAt: time.Now().UTC(), Data: data}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return store.SetAttr(ctx, actorID, bucket, peerID, raw, nil)
}

// PeerProfile is the whitelisted subset of a peer's properties we cache
// locally (displayname, email, ...).
type PeerProfile struct {
	DisplayName string `json:"displayname,omitempty"`
	Email       string `json:"email,omitempty"`
}

// GetCachedPeerProfile returns the cached profile if present and within ttl.
func (e *Engine) GetCachedPeerProfile(ctx context.Context, actorID, peerID string, ttl time.Duration) (*PeerProfile, bool, error) {
	raw, ok, err := readCache(ctx, e.core.Storage, actorID, bucketPeerProfile, peerID, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	var p PeerProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

// SetCachedPeerProfile overwrites the cached profile.
func (e *Engine) SetCachedPeerProfile(ctx context.Context, actorID, peerID string, p PeerProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return writeCache(ctx, e.core.Storage, actorID, bucketPeerProfile, peerID, raw)
}

// ExtractProfileFromMirror opportunistically lifts well-known profile keys
// out of mirrored inbound properties instead of issuing a separate fetch.
func (e *Engine) ExtractProfileFromMirror(ctx context.Context, actorID, peerID string, mirrored map[string]json.RawMessage) error {
	existing, _, err := e.GetCachedPeerProfile(ctx, actorID, peerID, 0)
	if err != nil {
		return err
	}
	profile := PeerProfile{}
	if existing != nil {
		profile = *existing
	}

	changed := false
	if raw, ok := mirrored["displayname"]; ok {
		var v string
		if json.Unmarshal(raw, &v) == nil {
			profile.DisplayName = v
			changed = true
		}
	}
	if raw, ok := mirrored["email"]; ok {
		var v string
		if json.Unmarshal(raw, &v) == nil {
			profile.Email = v
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return e.SetCachedPeerProfile(ctx, actorID, peerID, profile)
}

// PeerCapabilities is the peer's declared methods/actions/tools/resources/
// prompts, as reported by its own meta/discovery surface.
type PeerCapabilities struct {
	Methods   []string `json:"methods,omitempty"`
	Actions   []string `json:"actions,omitempty"`
	Tools     []string `json:"tools,omitempty"`
	Resources []string `json:"resources,omitempty"`
	Prompts   []string `json:"prompts,omitempty"`
}

// GetCachedPeerCapabilities returns the cached capabilities if present and
// within ttl.
func (e *Engine) GetCachedPeerCapabilities(ctx context.Context, actorID, peerID string, ttl time.Duration) (*PeerCapabilities, bool, error) {
	raw, ok, err := readCache(ctx, e.core.Storage, actorID, bucketPeerCapabilities, peerID, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	var c PeerCapabilities
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

// SetCachedPeerCapabilities overwrites the cached capabilities.
func (e *Engine) SetCachedPeerCapabilities(ctx context.Context, actorID, peerID string, c PeerCapabilities) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return writeCache(ctx, e.core.Storage, actorID, bucketPeerCapabilities, peerID, raw)
}

// GetCachedPeerPermissions returns the cached mirror of the peer's own
// policy towards us, if present and within ttl.
func (e *Engine) GetCachedPeerPermissions(ctx context.Context, actorID, peerID string, ttl time.Duration) (*permissions.Policy, bool, error) {
	raw, ok, err := readCache(ctx, e.core.Storage, actorID, bucketPeerPermissions, peerID, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	var p permissions.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

// SetCachedPeerPermissions overwrites the cached peer-permissions mirror.
func (e *Engine) SetCachedPeerPermissions(ctx context.Context, actorID, peerID string, p permissions.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return writeCache(ctx, e.core.Storage, actorID, bucketPeerPermissions, peerID, raw)
}

// InvalidatePeerPermissionsCache drops the cached mirror of a peer's policy
// towards us, forcing the next read to treat it as a miss. Called when an
// inbound "permission" callback tells us the peer's policy changed.
func (e *Engine) InvalidatePeerPermissionsCache(ctx context.Context, actorID, peerID string) error {
	err := e.core.Storage.DeleteAttr(ctx, actorID, bucketPeerPermissions, peerID)
	if err == storage.ErrNotFound {
		return nil
	}
	return err
}

// SupportsResync reports whether the cached capabilities mark the peer as a
// resync-capable subscriber. Unknown (cache miss) is reported as
// supported=true (support is optimistically assumed), with cached=false
// signalling the caller should refresh the cache in the background.
func (e *Engine) SupportsResync(ctx context.Context, actorID, peerID string, ttl time.Duration) (supported bool, cached bool) {
	caps, ok, err := e.GetCachedPeerCapabilities(ctx, actorID, peerID, ttl)
	if err != nil || !ok {
		return true, false
	}
	for _, m := range caps.Methods {
		if m == "resync" {
			return true, true
		}
	}
	return false, true
}
