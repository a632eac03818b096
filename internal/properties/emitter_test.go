package properties_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/actingweb/actingweb-core/internal/properties"
	"github.com/actingweb/actingweb-core/internal/storage/memstore"
)

type fakeRegistrar struct {
	diffs   []diffCall
	resyncs []resyncCall
}

type diffCall struct{ actorID, target, subtarget string; blob []byte }
type resyncCall struct{ actorID, target, subtarget string }

func (f *fakeRegistrar) RegisterDiff(ctx context.Context, actorID, target, subtarget string, blob []byte) error {
	f.diffs = append(f.diffs, diffCall{actorID, target, subtarget, blob})
	return nil
}

func (f *fakeRegistrar) TriggerResync(ctx context.Context, actorID, target, subtarget string) error {
	f.resyncs = append(f.resyncs, resyncCall{actorID, target, subtarget})
	return nil
}

func TestSetPropertyRegistersDiff(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistrar{}
	e := properties.New(memstore.New(), reg, nil)

	if err := e.SetProperty(ctx, "actor1", "color", json.RawMessage(`"red"`)); err != nil {
		t.Fatal(err)
	}
	if len(reg.diffs) != 1 {
		t.Fatalf("expected 1 diff, got %d", len(reg.diffs))
	}
	d := reg.diffs[0]
	if d.target != properties.TargetProperties || d.subtarget != "color" || string(d.blob) != `"red"` {
		t.Errorf("unexpected diff: %+v", d)
	}
}

func TestSuspendSuppressesDiffsUntilResume(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistrar{}
	e := properties.New(memstore.New(), reg, nil)

	if err := e.Suspend(ctx, "actor1", properties.TargetProperties, "color"); err != nil {
		t.Fatal(err)
	}
	if err := e.SetProperty(ctx, "actor1", "color", json.RawMessage(`"blue"`)); err != nil {
		t.Fatal(err)
	}
	if len(reg.diffs) != 0 {
		t.Fatalf("expected suspended diff to be suppressed, got %d", len(reg.diffs))
	}

	if err := e.Resume(ctx, "actor1", properties.TargetProperties, "color"); err != nil {
		t.Fatal(err)
	}
	if len(reg.resyncs) != 1 {
		t.Fatalf("expected resume to trigger a resync, got %d", len(reg.resyncs))
	}

	if err := e.SetProperty(ctx, "actor1", "color", json.RawMessage(`"green"`)); err != nil {
		t.Fatal(err)
	}
	if len(reg.diffs) != 1 {
		t.Fatalf("expected diffs to resume after Resume, got %d", len(reg.diffs))
	}
}

func TestListAppendAndDeleteAllDiffShapes(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistrar{}
	e := properties.New(memstore.New(), reg, nil)

	if err := e.ListAppend(ctx, "actor1", "tags", json.RawMessage(`"a"`)); err != nil {
		t.Fatal(err)
	}
	if err := e.ListAppend(ctx, "actor1", "tags", json.RawMessage(`"b"`)); err != nil {
		t.Fatal(err)
	}
	if len(reg.diffs) != 2 {
		t.Fatalf("expected 2 diffs, got %d", len(reg.diffs))
	}
	var second struct {
		List      string `json:"list"`
		Operation string `json:"operation"`
		Length    int    `json:"length"`
	}
	if err := json.Unmarshal(reg.diffs[1].blob, &second); err != nil {
		t.Fatal(err)
	}
	if second.List != "tags" || second.Operation != "append" || second.Length != 2 {
		t.Errorf("unexpected append diff shape: %+v", second)
	}
	if reg.diffs[1].subtarget != "list:tags" {
		t.Errorf("expected list: subtarget prefix, got %q", reg.diffs[1].subtarget)
	}

	if err := e.ListDeleteAll(ctx, "actor1", "tags"); err != nil {
		t.Fatal(err)
	}
	var third struct {
		Operation string `json:"operation"`
		Length    int    `json:"length"`
	}
	if err := json.Unmarshal(reg.diffs[2].blob, &third); err != nil {
		t.Fatal(err)
	}
	if third.Operation != "delete_all" || third.Length != 0 {
		t.Errorf("expected delete_all diff with length 0, got %+v", third)
	}
}

func TestListInsertAndUpdateOrdering(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistrar{}
	e := properties.New(memstore.New(), reg, nil)

	if err := e.ListAppend(ctx, "actor1", "nums", json.RawMessage(`1`)); err != nil {
		t.Fatal(err)
	}
	if err := e.ListAppend(ctx, "actor1", "nums", json.RawMessage(`3`)); err != nil {
		t.Fatal(err)
	}
	if err := e.ListInsert(ctx, "actor1", "nums", 1, json.RawMessage(`2`)); err != nil {
		t.Fatal(err)
	}

	var inserted struct {
		Index  int `json:"index"`
		Length int `json:"length"`
	}
	if err := json.Unmarshal(reg.diffs[2].blob, &inserted); err != nil {
		t.Fatal(err)
	}
	if inserted.Index != 1 || inserted.Length != 3 {
		t.Errorf("unexpected insert diff: %+v", inserted)
	}

	if err := e.ListUpdate(ctx, "actor1", "nums", 0, json.RawMessage(`10`)); err != nil {
		t.Fatal(err)
	}
	if len(reg.diffs) != 4 {
		t.Fatalf("expected 4 diffs after update, got %d", len(reg.diffs))
	}
}
