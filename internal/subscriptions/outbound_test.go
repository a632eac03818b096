package subscriptions_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/peer"
	"github.com/actingweb/actingweb-core/internal/storage"
	"github.com/actingweb/actingweb-core/internal/storage/memstore"
	"github.com/actingweb/actingweb-core/internal/subscriptions"
)

var ctx = context.Background()

func seedActorAndTrust(t *testing.T, store storage.Storage, actorID, peerID, peerBaseURI string) {
	t.Helper()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: actorID, BaseURI: "https://publisher.example/actors/" + actorID}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTrust(ctx, &storage.Trust{ActorID: actorID, PeerID: peerID, BaseURI: peerBaseURI, Secret: "s3cret", Relationship: "friend", Approved: true}); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterDiffDeliversHighGranularityCallback(t *testing.T) {
	var received atomic.Int32
	var mu sync.Mutex
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		mu.Unlock()
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memstore.New()
	seedActorAndTrust(t, store, "actor1", "peer1", srv.URL)
	if err := store.CreateSubscription(ctx, &storage.Subscription{
		ActorID: "actor1", PeerID: "peer1", SubscriptionID: "sub1",
		Target: "properties", Subtarget: "color", Granularity: storage.GranularityHigh,
	}); err != nil {
		t.Fatal(err)
	}

	client := peer.New(zap.NewNop())
	cfg := subscriptions.DefaultConfig()
	cfg.SyncCallbacks = true
	eng := subscriptions.NewEngine(store, nil, client, nil, nil, cfg, zap.NewNop())

	if err := eng.RegisterDiff(ctx, "actor1", "properties", "color", json.RawMessage(`"red"`)); err != nil {
		t.Fatal(err)
	}

	if received.Load() != 1 {
		t.Fatalf("expected 1 callback delivery, got %d", received.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	var got struct {
		Sequence int             `json:"sequence"`
		Data     json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &got); err != nil {
		t.Fatal(err)
	}
	if got.Sequence != 1 || string(got.Data) != `"red"` {
		t.Errorf("unexpected callback body: %+v", got)
	}

	diffs, err := store.ListDiffs(ctx, "actor1", "sub1")
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 || diffs[0].Sequence != 1 {
		t.Fatalf("expected one persisted diff at sequence 1, got %+v", diffs)
	}
}

func TestRegisterDiffGranularityNoneSuppressesCallbackButPersistsDiff(t *testing.T) {
	store := memstore.New()
	seedActorAndTrust(t, store, "actor1", "peer1", "https://peer.example")
	if err := store.CreateSubscription(ctx, &storage.Subscription{
		ActorID: "actor1", PeerID: "peer1", SubscriptionID: "sub1",
		Target: "properties", Subtarget: "color", Granularity: storage.GranularityNone,
	}); err != nil {
		t.Fatal(err)
	}

	cfg := subscriptions.DefaultConfig()
	cfg.SyncCallbacks = true
	eng := subscriptions.NewEngine(store, nil, peer.New(zap.NewNop()), nil, nil, cfg, zap.NewNop())

	if err := eng.RegisterDiff(ctx, "actor1", "properties", "color", json.RawMessage(`"red"`)); err != nil {
		t.Fatal(err)
	}

	diffs, err := store.ListDiffs(ctx, "actor1", "sub1")
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 {
		t.Fatalf("expected diff still persisted for pull sync, got %d", len(diffs))
	}
}

func TestRegisterDiffWrapsWhenSubscriptionHasNoSubtarget(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memstore.New()
	seedActorAndTrust(t, store, "actor1", "peer1", srv.URL)
	if err := store.CreateSubscription(ctx, &storage.Subscription{
		ActorID: "actor1", PeerID: "peer1", SubscriptionID: "sub1",
		Target: "properties", Granularity: storage.GranularityHigh,
	}); err != nil {
		t.Fatal(err)
	}

	cfg := subscriptions.DefaultConfig()
	cfg.SyncCallbacks = true
	eng := subscriptions.NewEngine(store, nil, peer.New(zap.NewNop()), nil, nil, cfg, zap.NewNop())

	if err := eng.RegisterDiff(ctx, "actor1", "properties", "color", json.RawMessage(`"red"`)); err != nil {
		t.Fatal(err)
	}

	var got struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &got); err != nil {
		t.Fatal(err)
	}
	var wrapped map[string]string
	if err := json.Unmarshal(got.Data, &wrapped); err != nil {
		t.Fatal(err)
	}
	if wrapped["color"] != "red" {
		t.Errorf("expected wrapped {color: red}, got %v", wrapped)
	}
}

// noResyncCaps reports every peer as known not to support resync callbacks.
type noResyncCaps struct{}

func (noResyncCaps) SupportsResync(context.Context, string, string, time.Duration) (bool, bool) {
	return false, true
}

// A peer without resync support gets a low-granularity diff carrying the
// property's actual current value, not a resync envelope.
func TestTriggerResyncFallbackSynthesizesFullStateDiff(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memstore.New()
	seedActorAndTrust(t, store, "actor1", "peer1", srv.URL)
	if err := store.CreateSubscription(ctx, &storage.Subscription{
		ActorID: "actor1", PeerID: "peer1", SubscriptionID: "sub1",
		Target: "properties", Subtarget: "color", Granularity: storage.GranularityHigh,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetProperty(ctx, &storage.Property{ActorID: "actor1", Name: "color", Value: []byte(`"red"`)}); err != nil {
		t.Fatal(err)
	}

	cfg := subscriptions.DefaultConfig()
	cfg.SyncCallbacks = true
	eng := subscriptions.NewEngine(store, nil, peer.New(zap.NewNop()), nil, noResyncCaps{}, cfg, zap.NewNop())

	if err := eng.TriggerResync(ctx, "actor1", "properties", "color"); err != nil {
		t.Fatal(err)
	}

	diffs, err := store.ListDiffs(ctx, "actor1", "sub1")
	if err != nil {
		t.Fatal(err)
	}
	if len(diffs) != 1 || string(diffs[0].Blob) != `"red"` {
		t.Fatalf("expected one full-state diff with the property's current value, got %+v", diffs)
	}

	var got struct {
		Type        string `json:"type"`
		Granularity string `json:"granularity"`
		URL         string `json:"url"`
	}
	if err := json.Unmarshal(gotBody, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type == "resync" {
		t.Error("expected a plain diff envelope for a peer without resync support")
	}
	if got.Granularity != "low" || got.URL == "" {
		t.Errorf("expected a low-granularity envelope with a pull URL, got %+v", got)
	}
}

func TestTriggerResyncSendsResyncEnvelope(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type string `json:"type"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotType = body.Type
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memstore.New()
	seedActorAndTrust(t, store, "actor1", "peer1", srv.URL)
	if err := store.CreateSubscription(ctx, &storage.Subscription{
		ActorID: "actor1", PeerID: "peer1", SubscriptionID: "sub1",
		Target: "properties", Subtarget: "color", Granularity: storage.GranularityHigh,
	}); err != nil {
		t.Fatal(err)
	}

	cfg := subscriptions.DefaultConfig()
	cfg.SyncCallbacks = true
	eng := subscriptions.NewEngine(store, nil, peer.New(zap.NewNop()), nil, nil, cfg, zap.NewNop())

	if err := eng.TriggerResync(ctx, "actor1", "properties", "color"); err != nil {
		t.Fatal(err)
	}
	// Give the synchronous handler time to have been invoked (it runs inline
	// under cfg.SyncCallbacks, so this should already be true by return).
	time.Sleep(10 * time.Millisecond)
	if gotType != "resync" {
		t.Errorf("expected resync envelope type, got %q", gotType)
	}
}
