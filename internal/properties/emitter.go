// Package properties implements scalar and list property mutation together
// with the diff-registration side effect every mutation produces.
package properties

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/obsmetrics"
	"github.com/actingweb/actingweb-core/internal/storage"
)

const (
	// TargetProperties is the fixed diff target for every property mutation.
	TargetProperties = "properties"

	// suspendBucket holds per-(target,subtarget) suspension flags.
	suspendBucket = "_suspensions"
)

// ListOperation names a list mutation kind, carried verbatim into the diff
// blob's "operation" field.
type ListOperation string

const (
	ListOpAppend    ListOperation = "append"
	ListOpInsert    ListOperation = "insert"
	ListOpUpdate    ListOperation = "update"
	ListOpDeleteAt  ListOperation = "delete"
	ListOpExtend    ListOperation = "extend"
	ListOpPop       ListOperation = "pop"
	ListOpClear     ListOperation = "clear"
	ListOpRemove    ListOperation = "remove"
	ListOpDeleteAll ListOperation = "delete_all"
	ListOpMetadata  ListOperation = "metadata"
)

// listDiffBlob is the structured shape a list mutation's diff blob takes:
// {list, operation, item?, index?, items?, length}.
type listDiffBlob struct {
	List      string          `json:"list"`
	Operation ListOperation   `json:"operation"`
	Item      json.RawMessage `json:"item,omitempty"`
	Index     *int            `json:"index,omitempty"`
	Items     json.RawMessage `json:"items,omitempty"`
	Length    int             `json:"length"`
}

// DiffRegistrar is the collaborator the emitter calls to fan a registered
// diff out to matching subscriptions. internal/subscriptions implements it;
// keeping it as an interface here avoids a storage-package-style import
// cycle between properties and subscriptions.
type DiffRegistrar interface {
	RegisterDiff(ctx context.Context, actorID, target, subtarget string, blob []byte) error
	// TriggerResync is invoked by Resume to push a resync callback to every
	// subscription matching (target, subtarget).
	TriggerResync(ctx context.Context, actorID, target, subtarget string) error
}

// Emitter owns property and list mutation plus diff registration.
type Emitter struct {
	store     storage.PropertyStore
	attrs     storage.AttributeStore
	registrar DiffRegistrar
	logger    *zap.Logger
}

// New constructs an Emitter. registrar may be nil, in which case mutations
// are persisted but no diff fan-out occurs (useful for bulk/import paths).
func New(store storage.Storage, registrar DiffRegistrar, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{store: store, attrs: store, registrar: registrar, logger: logger}
}

func suspendKey(target, subtarget string) string {
	if subtarget == "" {
		return target
	}
	return target + ":" + subtarget
}

// Suspend sets the suspension flag for (target, subtarget), causing
// registerDiffs to early-return without producing diffs until Resume.
func (e *Emitter) Suspend(ctx context.Context, actorID, target, subtarget string) error {
	return e.attrs.SetAttr(ctx, actorID, suspendBucket, suspendKey(target, subtarget), []byte("true"), nil)
}

// Resume clears the suspension flag and triggers a resync callback to every
// subscription matching (target, subtarget).
func (e *Emitter) Resume(ctx context.Context, actorID, target, subtarget string) error {
	if err := e.attrs.DeleteAttr(ctx, actorID, suspendBucket, suspendKey(target, subtarget)); err != nil && err != storage.ErrNotFound {
		return err
	}
	if e.registrar == nil {
		return nil
	}
	return e.registrar.TriggerResync(ctx, actorID, target, subtarget)
}

func (e *Emitter) isSuspended(ctx context.Context, actorID, target, subtarget string) (bool, error) {
	_, err := e.attrs.GetAttr(ctx, actorID, suspendBucket, suspendKey(target, subtarget))
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// registerDiffs is the common tail of every mutation: check suspension, then
// hand the blob to the registrar for fan-out.
func (e *Emitter) registerDiffs(ctx context.Context, actorID, target, subtarget string, blob []byte) error {
	suspended, err := e.isSuspended(ctx, actorID, target, subtarget)
	if err != nil {
		return err
	}
	if suspended {
		return nil
	}
	obsmetrics.RecordDiffEmitted(target)
	if e.registrar == nil {
		return nil
	}
	return e.registrar.RegisterDiff(ctx, actorID, target, subtarget, blob)
}

// SetProperty writes a scalar property and registers the diff.
func (e *Emitter) SetProperty(ctx context.Context, actorID, name string, value json.RawMessage) error {
	if err := e.store.SetProperty(ctx, &storage.Property{ActorID: actorID, Name: name, Value: value}); err != nil {
		return err
	}
	return e.registerDiffs(ctx, actorID, TargetProperties, name, value)
}

// DeleteProperty removes a scalar property and registers a null-valued diff.
func (e *Emitter) DeleteProperty(ctx context.Context, actorID, name string) error {
	if err := e.store.DeleteProperty(ctx, actorID, name); err != nil && err != storage.ErrNotFound {
		return err
	}
	return e.registerDiffs(ctx, actorID, TargetProperties, name, []byte("null"))
}

func listSubtarget(name string) string {
	return storage.ListPrefix + name
}

func (e *Emitter) registerListDiff(ctx context.Context, actorID, name string, op ListOperation, item, items json.RawMessage, index *int, length int) error {
	blob, err := json.Marshal(listDiffBlob{List: name, Operation: op, Item: item, Index: index, Items: items, Length: length})
	if err != nil {
		return fmt.Errorf("marshal list diff: %w", err)
	}
	return e.registerDiffs(ctx, actorID, TargetProperties, listSubtarget(name), blob)
}

// ListAppend appends one item to the named list.
func (e *Emitter) ListAppend(ctx context.Context, actorID, name string, item json.RawMessage) error {
	items, err := e.store.ListItems(ctx, actorID, name)
	if err != nil {
		return err
	}
	values := itemValues(items)
	values = append(values, item)
	if err := e.store.ReplaceList(ctx, actorID, name, values); err != nil {
		return err
	}
	return e.registerListDiff(ctx, actorID, name, ListOpAppend, item, nil, nil, len(values))
}

// ListInsert inserts an item at the given index, shifting subsequent items.
func (e *Emitter) ListInsert(ctx context.Context, actorID, name string, index int, item json.RawMessage) error {
	items, err := e.store.ListItems(ctx, actorID, name)
	if err != nil {
		return err
	}
	values := itemValues(items)
	if index < 0 || index > len(values) {
		return fmt.Errorf("properties: index %d out of range for list %q (len %d)", index, name, len(values))
	}
	values = append(values[:index], append([][]byte{item}, values[index:]...)...)
	if err := e.store.ReplaceList(ctx, actorID, name, values); err != nil {
		return err
	}
	return e.registerListDiff(ctx, actorID, name, ListOpInsert, item, nil, &index, len(values))
}

// ListUpdate replaces the item at the given index.
func (e *Emitter) ListUpdate(ctx context.Context, actorID, name string, index int, item json.RawMessage) error {
	items, err := e.store.ListItems(ctx, actorID, name)
	if err != nil {
		return err
	}
	values := itemValues(items)
	if index < 0 || index >= len(values) {
		return fmt.Errorf("properties: index %d out of range for list %q (len %d)", index, name, len(values))
	}
	values[index] = item
	if err := e.store.ReplaceList(ctx, actorID, name, values); err != nil {
		return err
	}
	return e.registerListDiff(ctx, actorID, name, ListOpUpdate, item, nil, &index, len(values))
}

// ListDeleteAt removes the item at the given index.
func (e *Emitter) ListDeleteAt(ctx context.Context, actorID, name string, index int) error {
	items, err := e.store.ListItems(ctx, actorID, name)
	if err != nil {
		return err
	}
	values := itemValues(items)
	if index < 0 || index >= len(values) {
		return fmt.Errorf("properties: index %d out of range for list %q (len %d)", index, name, len(values))
	}
	values = append(values[:index], values[index+1:]...)
	if err := e.store.ReplaceList(ctx, actorID, name, values); err != nil {
		return err
	}
	return e.registerListDiff(ctx, actorID, name, ListOpDeleteAt, nil, nil, &index, len(values))
}

// ListExtend appends every item in items to the named list.
func (e *Emitter) ListExtend(ctx context.Context, actorID, name string, items []json.RawMessage) error {
	existing, err := e.store.ListItems(ctx, actorID, name)
	if err != nil {
		return err
	}
	values := itemValues(existing)
	for _, it := range items {
		values = append(values, it)
	}
	if err := e.store.ReplaceList(ctx, actorID, name, values); err != nil {
		return err
	}
	batch, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal extend items: %w", err)
	}
	return e.registerListDiff(ctx, actorID, name, ListOpExtend, nil, batch, nil, len(values))
}

// ListPop removes and returns the last item of the named list.
func (e *Emitter) ListPop(ctx context.Context, actorID, name string) (json.RawMessage, error) {
	existing, err := e.store.ListItems(ctx, actorID, name)
	if err != nil {
		return nil, err
	}
	values := itemValues(existing)
	if len(values) == 0 {
		return nil, fmt.Errorf("properties: pop on empty list %q", name)
	}
	popped := values[len(values)-1]
	values = values[:len(values)-1]
	if err := e.store.ReplaceList(ctx, actorID, name, values); err != nil {
		return nil, err
	}
	if err := e.registerListDiff(ctx, actorID, name, ListOpPop, popped, nil, nil, len(values)); err != nil {
		return popped, err
	}
	return popped, nil
}

// ListClear empties the named list without removing its metadata.
func (e *Emitter) ListClear(ctx context.Context, actorID, name string) error {
	if err := e.store.ReplaceList(ctx, actorID, name, nil); err != nil {
		return err
	}
	return e.registerListDiff(ctx, actorID, name, ListOpClear, nil, nil, nil, 0)
}

// ListRemove removes the first occurrence of item (byte-equal JSON) from the
// named list.
func (e *Emitter) ListRemove(ctx context.Context, actorID, name string, item json.RawMessage) error {
	existing, err := e.store.ListItems(ctx, actorID, name)
	if err != nil {
		return err
	}
	values := itemValues(existing)
	found := -1
	for i, v := range values {
		if string(v) == string(item) {
			found = i
			break
		}
	}
	if found == -1 {
		return fmt.Errorf("properties: item not found in list %q", name)
	}
	values = append(values[:found], values[found+1:]...)
	if err := e.store.ReplaceList(ctx, actorID, name, values); err != nil {
		return err
	}
	return e.registerListDiff(ctx, actorID, name, ListOpRemove, item, nil, nil, len(values))
}

// ListDeleteAll removes every item of the named list. Length is fixed at 0
// without re-querying.
func (e *Emitter) ListDeleteAll(ctx context.Context, actorID, name string) error {
	if err := e.store.DeleteList(ctx, actorID, name); err != nil && err != storage.ErrNotFound {
		return err
	}
	return e.registerListDiff(ctx, actorID, name, ListOpDeleteAll, nil, nil, nil, 0)
}

// SetListMetadata updates a list's description/explanation/extra fields and
// registers a metadata diff (no storage side effect on the items themselves).
func (e *Emitter) SetListMetadata(ctx context.Context, actorID, name, description, explanation string, extra json.RawMessage) error {
	if err := e.store.SetListMeta(ctx, &storage.ListMeta{ActorID: actorID, Name: name, Description: description, Explanation: explanation, Extra: extra}); err != nil {
		return err
	}
	items, err := e.store.ListItems(ctx, actorID, name)
	if err != nil {
		return err
	}
	return e.registerListDiff(ctx, actorID, name, ListOpMetadata, nil, nil, nil, len(items))
}

func itemValues(items []*storage.ListItem) [][]byte {
	out := make([][]byte, len(items))
	for i, it := range items {
		out[i] = it.Value
	}
	return out
}
