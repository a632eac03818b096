// Package mirror writes inbound callback and resync data into the
// remote-peer mirror bucket: a thin layer over
// internal/storage.AttributeStore, the same attribute-bucket idiom
// internal/trust/cache.go uses for the peer profile/capabilities caches.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/actingweb/actingweb-core/internal/storage"
)

func bucketFor(peerID string) string { return "remote:" + peerID }

// listOp mirrors properties.listDiffBlob's wire shape; kept as an
// unexported duplicate here rather than exported from internal/properties,
// since the two packages model the same concept from opposite directions
// (emitting a diff vs. applying one) and importing properties from here
// would pull in its diff-registration machinery for no reason.
type listOp struct {
	List      string          `json:"list"`
	Operation string          `json:"operation"`
	Item      json.RawMessage `json:"item,omitempty"`
	Index     *int            `json:"index,omitempty"`
	Items     json.RawMessage `json:"items,omitempty"`
	Length    int             `json:"length"`
}

// Writer applies inbound property/list diffs to the remote:<peer_id> bucket.
type Writer struct {
	attrs storage.AttributeStore
}

// New constructs a Writer.
func New(attrs storage.AttributeStore) *Writer {
	return &Writer{attrs: attrs}
}

// ApplyDiff mirrors one properties-target diff (scalar or list).
// subtarget is the property name, or "list:<name>" for a list mutation.
func (w *Writer) ApplyDiff(ctx context.Context, actorID, peerID, subtarget string, data json.RawMessage) error {
	if name, ok := stripListPrefix(subtarget); ok {
		return w.applyListOp(ctx, actorID, peerID, name, data)
	}
	return w.applyScalar(ctx, actorID, peerID, subtarget, data)
}

func stripListPrefix(subtarget string) (string, bool) {
	const prefix = storage.ListPrefix
	if len(subtarget) > len(prefix) && subtarget[:len(prefix)] == prefix {
		return subtarget[len(prefix):], true
	}
	return "", false
}

// applyScalar stores {value: <v>} unless data is already a JSON object.
func (w *Writer) applyScalar(ctx context.Context, actorID, peerID, name string, data json.RawMessage) error {
	wrapped := data
	var probe map[string]json.RawMessage
	if json.Unmarshal(data, &probe) != nil {
		v, err := json.Marshal(map[string]json.RawMessage{"value": data})
		if err != nil {
			return fmt.Errorf("mirror: wrap scalar: %w", err)
		}
		wrapped = v
	}
	return w.attrs.SetAttr(ctx, actorID, bucketFor(peerID), name, wrapped, nil)
}

func (w *Writer) readList(ctx context.Context, actorID, peerID, name string) ([]json.RawMessage, int, error) {
	attr, err := w.attrs.GetAttr(ctx, actorID, bucketFor(peerID), listKey(name))
	if err == storage.ErrNotFound {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(attr.Data, &items); err != nil {
		return nil, attr.Version, err
	}
	return items, attr.Version, nil
}

func listKey(name string) string { return "list:" + name }

func (w *Writer) writeList(ctx context.Context, actorID, peerID, name string, items []json.RawMessage) error {
	if items == nil {
		items = []json.RawMessage{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return w.attrs.SetAttr(ctx, actorID, bucketFor(peerID), listKey(name), raw, nil)
}

// applyListOp replays the callback's list operation against the mirrored
// list. Unlike the emitter side, the mirror has
// no independent source of truth beyond what the peer told us, so every
// operation is applied best-effort: an out-of-range index is tolerated by
// clamping rather than erroring, since rejecting the mirror write would
// desynchronize it from the peer's own state with no way to recover short
// of a full resync.
func (w *Writer) applyListOp(ctx context.Context, actorID, peerID, name string, data json.RawMessage) error {
	var op listOp
	if err := json.Unmarshal(data, &op); err != nil || op.Operation == "" {
		// A synthesized full-state snapshot arrives as a bare JSON array
		// rather than an operation record; it replaces the mirrored list
		// wholesale.
		var snapshot []json.RawMessage
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return fmt.Errorf("mirror: parse list diff: %w", err)
		}
		return w.writeList(ctx, actorID, peerID, name, snapshot)
	}

	items, _, err := w.readList(ctx, actorID, peerID, name)
	if err != nil {
		return err
	}

	switch op.Operation {
	case "append":
		items = append(items, op.Item)
	case "insert":
		idx := clampIndex(op.Index, len(items))
		items = append(items[:idx], append([]json.RawMessage{op.Item}, items[idx:]...)...)
	case "update":
		idx := clampIndex(op.Index, len(items)-1)
		if idx >= 0 && idx < len(items) {
			items[idx] = op.Item
		}
	case "delete":
		idx := clampIndex(op.Index, len(items)-1)
		if idx >= 0 && idx < len(items) {
			items = append(items[:idx], items[idx+1:]...)
		}
	case "extend":
		var more []json.RawMessage
		if err := json.Unmarshal(op.Items, &more); err == nil {
			items = append(items, more...)
		}
	case "pop":
		if len(items) > 0 {
			items = items[:len(items)-1]
		}
	case "clear":
		items = []json.RawMessage{}
	case "remove":
		for i, v := range items {
			if string(v) == string(op.Item) {
				items = append(items[:i], items[i+1:]...)
				break
			}
		}
	case "delete_all":
		items = []json.RawMessage{}
	case "metadata":
		return nil // no storage side effect
	default:
		return fmt.Errorf("mirror: unknown list operation %q", op.Operation)
	}

	return w.writeList(ctx, actorID, peerID, name, items)
}

func clampIndex(idx *int, max int) int {
	if idx == nil {
		return max
	}
	v := *idx
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// BaselineEntry is one property/list observed in a baseline fetch: either
// Value (scalar) or Items (an inlined list) is set.
type BaselineEntry struct {
	Name  string
	Value json.RawMessage
	Items []json.RawMessage
}

// ApplyBaseline replaces the entire remote:<peer_id> bucket with entries:
// full-resync semantics, delete the bucket then reapply.
func (w *Writer) ApplyBaseline(ctx context.Context, actorID, peerID string, entries []BaselineEntry) error {
	if err := w.attrs.DeleteBucket(ctx, actorID, bucketFor(peerID)); err != nil && err != storage.ErrNotFound {
		return fmt.Errorf("mirror: clear bucket for baseline: %w", err)
	}
	for _, e := range entries {
		if e.Items != nil {
			if err := w.writeList(ctx, actorID, peerID, e.Name, e.Items); err != nil {
				return err
			}
			continue
		}
		if err := w.applyScalar(ctx, actorID, peerID, e.Name, e.Value); err != nil {
			return err
		}
	}
	return nil
}
