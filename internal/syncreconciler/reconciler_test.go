package syncreconciler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/actorcore"
	"github.com/actingweb/actingweb-core/internal/peer"
	"github.com/actingweb/actingweb-core/internal/storage"
	"github.com/actingweb/actingweb-core/internal/storage/memstore"
	"github.com/actingweb/actingweb-core/internal/subscriptions"
	"github.com/actingweb/actingweb-core/internal/syncreconciler"
	"github.com/actingweb/actingweb-core/internal/trust"
)

var ctx = context.Background()

func newReconciler(t *testing.T, store storage.Storage, cfg syncreconciler.AutoStorageConfig) *syncreconciler.Reconciler {
	t.Helper()
	core := actorcore.NewCore(store, nil, zap.NewNop())
	peerClient := peer.New(zap.NewNop())
	trustEngine := trust.NewEngine(core, peerClient, nil, zap.NewNop())
	subsEngine := subscriptions.NewEngine(store, nil, peerClient, trustEngine, trustEngine, subscriptions.DefaultConfig(), zap.NewNop())
	return syncreconciler.New(store, peerClient, subsEngine, trustEngine, cfg, zap.NewNop())
}

func seedOutboundSub(t *testing.T, store storage.Storage, actorID, peerID, subID, peerBaseURI string) {
	t.Helper()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: actorID, BaseURI: "https://subscriber.example"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTrust(ctx, &storage.Trust{
		ActorID: actorID, PeerID: peerID, BaseURI: peerBaseURI, Secret: "s3cret", Relationship: "friend", Approved: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSubscription(ctx, &storage.Subscription{
		ActorID: actorID, PeerID: peerID, SubscriptionID: subID, IsCallback: true,
		Target: "properties", Subtarget: "color",
	}); err != nil {
		t.Fatal(err)
	}
}

// SyncSubscription routes pulled diffs through the callback processor and
// confirms the highest processed sequence back to the peer.
func TestSyncSubscriptionProcessesPulledDiffsAndConfirms(t *testing.T) {
	var confirmedSeq int
	var confirmCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			resp := struct {
				Sequence int `json:"sequence"`
				Data     []struct {
					Sequence  int             `json:"sequence"`
					Timestamp string          `json:"timestamp"`
					Data      json.RawMessage `json:"data"`
				} `json:"data"`
			}{}
			resp.Data = append(resp.Data, struct {
				Sequence  int             `json:"sequence"`
				Timestamp string          `json:"timestamp"`
				Data      json.RawMessage `json:"data"`
			}{Sequence: 1, Timestamp: "2026-01-01T00:00:00Z", Data: json.RawMessage(`"red"`)})
			_ = json.NewEncoder(w).Encode(resp)
		case http.MethodPut:
			confirmCalled = true
			var body struct {
				Sequence int `json:"sequence"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			confirmedSeq = body.Sequence
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	store := memstore.New()
	seedOutboundSub(t, store, "actor1", "peer1", "sub1", srv.URL)
	rec := newReconciler(t, store, syncreconciler.AutoStorageConfig{Enabled: false})

	result := rec.SyncSubscription(ctx, "actor1", "peer1", "sub1")
	if result.Status != syncreconciler.StatusProcessed {
		t.Fatalf("expected StatusProcessed, got %s (err=%v)", result.Status, result.Err)
	}
	if result.Processed != 1 {
		t.Fatalf("expected 1 diff processed, got %d", result.Processed)
	}
	if !confirmCalled || confirmedSeq != 1 {
		t.Fatalf("expected peer confirmed at sequence 1, got called=%v seq=%d", confirmCalled, confirmedSeq)
	}

	sub, err := store.GetSubscription(ctx, "actor1", "peer1", "sub1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Sequence != 1 {
		t.Fatalf("expected local last_seq advanced to 1, got %d", sub.Sequence)
	}
}

// An empty pull response with auto_storage disabled is a no-op.
func TestSyncSubscriptionEmptyPullNoAutoStorageIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"sequence": 0, "data": []any{}})
	}))
	defer srv.Close()

	store := memstore.New()
	seedOutboundSub(t, store, "actor1", "peer1", "sub1", srv.URL)
	rec := newReconciler(t, store, syncreconciler.AutoStorageConfig{Enabled: false})

	result := rec.SyncSubscription(ctx, "actor1", "peer1", "sub1")
	if result.Status != syncreconciler.StatusProcessed {
		t.Fatalf("expected StatusProcessed no-op, got %s", result.Status)
	}
	if result.Processed != 0 {
		t.Errorf("expected nothing processed, got %d", result.Processed)
	}
}

// An empty pull response with auto_storage enabled triggers a baseline
// fetch of the root properties collection.
func TestSyncSubscriptionEmptyPullWithAutoStorageFetchesBaseline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subscriptions/actor1/sub1":
			_ = json.NewEncoder(w).Encode(map[string]any{"sequence": 0, "data": []any{}})
		case "/properties":
			_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{"color": json.RawMessage(`"green"`)})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := memstore.New()
	seedOutboundSub(t, store, "actor1", "peer1", "sub1", srv.URL)
	// Baseline fetch targets the subscription's target/subtarget, so clear
	// subtarget to hit the root properties collection path.
	if err := store.SetSequence(ctx, "actor1", "peer1", "sub1", 0); err != nil {
		t.Fatal(err)
	}
	subs, err := store.ListSubscriptionsByPeer(ctx, "actor1", "peer1")
	if err != nil || len(subs) != 1 {
		t.Fatal(err)
	}
	subs[0].Subtarget = ""
	if err := store.CreateSubscription(ctx, subs[0]); err != nil {
		t.Fatal(err)
	}

	rec := newReconciler(t, store, syncreconciler.AutoStorageConfig{Enabled: true})
	result := rec.SyncSubscription(ctx, "actor1", "peer1", "sub1")
	if result.Status != syncreconciler.StatusBaselineFetched {
		t.Fatalf("expected StatusBaselineFetched, got %s (err=%v)", result.Status, result.Err)
	}

	attr, err := store.GetAttr(ctx, "actor1", "remote:peer1", "color")
	if err != nil {
		t.Fatalf("expected color mirrored from baseline fetch: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(attr.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got["value"] != "green" {
		t.Errorf("expected mirrored color=green, got %v", got)
	}
}

// SyncPeer detects trust revocation only when every subscription 404s and
// the trust verification callback also 404s.
func TestSyncPeerDetectsRevokedTrustOnAll404(t *testing.T) {
	var trustProbed bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subscriptions/actor1/sub1":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodGet && r.URL.Path == "/trust/friend/actor1":
			trustProbed = true
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := memstore.New()
	seedOutboundSub(t, store, "actor1", "peer1", "sub1", srv.URL)
	rec := newReconciler(t, store, syncreconciler.AutoStorageConfig{Enabled: false})

	result := rec.SyncPeer(ctx, "actor1", "peer1")
	if !trustProbed {
		t.Fatal("expected sync_peer to probe trust verification after all-404 subscriptions")
	}
	if !result.TrustRevoked {
		t.Error("expected TrustRevoked=true")
	}
	if _, err := store.GetTrust(ctx, "actor1", "peer1"); err != storage.ErrNotFound {
		t.Error("expected trust row removed after revocation detection")
	}
}

// A mixed 404/non-404 result set cleans up the dead subscription but keeps
// the trust relationship intact (no revocation probe fires).
func TestSyncPeerMixedResultsKeepsTrust(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/subscriptions/actor1/sub1":
			w.WriteHeader(http.StatusNotFound)
		case "/subscriptions/actor1/sub2":
			_ = json.NewEncoder(w).Encode(map[string]any{"sequence": 0, "data": []any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := memstore.New()
	seedOutboundSub(t, store, "actor1", "peer1", "sub1", srv.URL)
	if err := store.CreateSubscription(ctx, &storage.Subscription{
		ActorID: "actor1", PeerID: "peer1", SubscriptionID: "sub2", IsCallback: true,
		Target: "properties", Subtarget: "size",
	}); err != nil {
		t.Fatal(err)
	}
	rec := newReconciler(t, store, syncreconciler.AutoStorageConfig{Enabled: false})

	result := rec.SyncPeer(ctx, "actor1", "peer1")
	if result.TrustRevoked {
		t.Fatal("expected trust to survive a mixed 404 result set")
	}
	if _, err := store.GetTrust(ctx, "actor1", "peer1"); err != nil {
		t.Errorf("expected trust row to remain, got err=%v", err)
	}
	if _, err := store.GetSubscription(ctx, "actor1", "peer1", "sub1"); err != storage.ErrNotFound {
		t.Error("expected the dead (404) subscription to be cleaned up")
	}
	if _, err := store.GetSubscription(ctx, "actor1", "peer1", "sub2"); err != nil {
		t.Error("expected the healthy subscription to remain")
	}
}
