package mirror_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/actingweb/actingweb-core/internal/mirror"
	"github.com/actingweb/actingweb-core/internal/storage/memstore"
)

var ctx = context.Background()

func TestApplyDiffScalarWrapsNonObjectValues(t *testing.T) {
	store := memstore.New()
	w := mirror.New(store)

	if err := w.ApplyDiff(ctx, "actor1", "peer1", "color", json.RawMessage(`"red"`)); err != nil {
		t.Fatal(err)
	}

	attr, err := store.GetAttr(ctx, "actor1", "remote:peer1", "color")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(attr.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got["value"] != "red" {
		t.Errorf("expected wrapped {value: red}, got %v", got)
	}
}

func TestApplyDiffListAppendThenDeleteAt(t *testing.T) {
	store := memstore.New()
	w := mirror.New(store)

	if err := w.ApplyDiff(ctx, "actor1", "peer1", "list:tags", json.RawMessage(`{"list":"tags","operation":"append","item":"a"}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.ApplyDiff(ctx, "actor1", "peer1", "list:tags", json.RawMessage(`{"list":"tags","operation":"append","item":"b"}`)); err != nil {
		t.Fatal(err)
	}

	attr, err := store.GetAttr(ctx, "actor1", "remote:peer1", "list:tags")
	if err != nil {
		t.Fatal(err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(attr.Data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items after two appends, got %d", len(items))
	}

	idx := 0
	raw, _ := json.Marshal(map[string]any{"list": "tags", "operation": "delete", "index": idx})
	if err := w.ApplyDiff(ctx, "actor1", "peer1", "list:tags", raw); err != nil {
		t.Fatal(err)
	}
	attr, err = store.GetAttr(ctx, "actor1", "remote:peer1", "list:tags")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(attr.Data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || string(items[0]) != `"b"` {
		t.Fatalf("expected [\"b\"] after deleting index 0, got %v", items)
	}
}

// A bare JSON array (a synthesized full-state snapshot) replaces the
// mirrored list wholesale instead of being parsed as an operation record.
func TestApplyDiffListSnapshotReplacesWholesale(t *testing.T) {
	store := memstore.New()
	w := mirror.New(store)

	if err := w.ApplyDiff(ctx, "actor1", "peer1", "list:tags", json.RawMessage(`{"list":"tags","operation":"append","item":"stale"}`)); err != nil {
		t.Fatal(err)
	}
	if err := w.ApplyDiff(ctx, "actor1", "peer1", "list:tags", json.RawMessage(`["x","y","z"]`)); err != nil {
		t.Fatal(err)
	}

	attr, err := store.GetAttr(ctx, "actor1", "remote:peer1", "list:tags")
	if err != nil {
		t.Fatal(err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(attr.Data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || string(items[0]) != `"x"` {
		t.Fatalf("expected snapshot to replace the list with [x,y,z], got %v", items)
	}
}

func TestApplyBaselineReplacesEntireBucket(t *testing.T) {
	store := memstore.New()
	w := mirror.New(store)

	if err := w.ApplyDiff(ctx, "actor1", "peer1", "stale", json.RawMessage(`"old"`)); err != nil {
		t.Fatal(err)
	}

	entries := []mirror.BaselineEntry{
		{Name: "color", Value: json.RawMessage(`"blue"`)},
		{Name: "tags", Items: []json.RawMessage{json.RawMessage(`"x"`), json.RawMessage(`"y"`)}},
	}
	if err := w.ApplyBaseline(ctx, "actor1", "peer1", entries); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetAttr(ctx, "actor1", "remote:peer1", "stale"); err == nil {
		t.Error("expected stale pre-baseline key to be gone after full bucket replace")
	}

	attr, err := store.GetAttr(ctx, "actor1", "remote:peer1", "color")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal(attr.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got["value"] != "blue" {
		t.Errorf("expected color=blue, got %v", got)
	}

	listAttr, err := store.GetAttr(ctx, "actor1", "remote:peer1", "list:tags")
	if err != nil {
		t.Fatal(err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(listAttr.Data, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 mirrored list items, got %d", len(items))
	}
}
