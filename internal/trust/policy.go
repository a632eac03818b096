package trust

import (
	"context"
	"encoding/json"

	"github.com/actingweb/actingweb-core/internal/permissions"
	"github.com/actingweb/actingweb-core/internal/storage"
)

// ResolvePolicy returns the effective permission policy governing what actorID
// exposes to peerID: the relationship's base tier (the creator/admin/
// friend/partner/associate defaults) merged with any stored per-peer
// override in the "_permissions" attribute bucket.
func (e *Engine) ResolvePolicy(ctx context.Context, actorID, peerID string) (*permissions.Policy, error) {
	tr, err := e.core.Storage.GetTrust(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	base := permissions.BaseTierPolicy(tr.Relationship)

	attr, err := e.core.Storage.GetAttr(ctx, actorID, bucketTrustPermissions, peerID)
	if err == storage.ErrNotFound {
		return base, nil
	}
	if err != nil {
		return nil, err
	}
	var override permissions.Policy
	if err := json.Unmarshal(attr.Data, &override); err != nil {
		return base, nil // malformed override: fail closed to the base tier rather than erroring out
	}
	return permissions.Merge(base, &override), nil
}

// SetPolicyOverride persists a per-peer policy override.
func (e *Engine) SetPolicyOverride(ctx context.Context, actorID, peerID string, policy *permissions.Policy) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	return e.core.Storage.SetAttr(ctx, actorID, bucketTrustPermissions, peerID, raw, nil)
}
