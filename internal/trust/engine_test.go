package trust_test

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
	"github.com/actingweb/actingweb-core/internal/trust"
)

var ctx = context.Background()

func newEngine(t *testing.T, store storage.Storage) *trust.Engine {
	t.Helper()
	core := actorcore.NewCore(store, nil, zap.NewNop())
	return trust.NewEngine(core, peer.New(zap.NewNop()), nil, zap.NewNop())
}

// CreateReciprocalTrust with a 201 response auto-approves the peer side.
func TestCreateReciprocalTrustAutoApprovedOn201(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/meta":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "peer1", "type": "urn:x", "base_uri": "https://peer.example"})
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	store := memstore.New()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: "actor1", BaseURI: "https://me.example"}); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, store)

	tr, err := eng.CreateReciprocalTrust(ctx, "actor1", "https://me.example", "urn:x", srv.URL, "sh4red", "friend", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if !tr.PeerApproved {
		t.Error("expected PeerApproved=true on 201 response")
	}
	if !tr.Approved || !tr.Verified {
		t.Error("expected initiator-side Approved and Verified to be true")
	}

	persisted, err := store.GetTrust(ctx, "actor1", "peer1")
	if err != nil {
		t.Fatal(err)
	}
	if !persisted.PeerApproved {
		t.Error("expected persisted trust to reflect peer auto-approval")
	}
}

// A terminal (non-2xx, non-201/202) response rolls back the local trust row.
func TestCreateReciprocalTrustRollsBackOnPeerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/meta":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "peer1", "type": "urn:x", "base_uri": "https://peer.example"})
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	store := memstore.New()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: "actor1", BaseURI: "https://me.example"}); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, store)

	if _, err := eng.CreateReciprocalTrust(ctx, "actor1", "https://me.example", "urn:x", srv.URL, "sh4red", "friend", "hello", ""); err == nil {
		t.Fatal("expected error on peer rejection")
	}

	if _, err := store.GetTrust(ctx, "actor1", "peer1"); err != storage.ErrNotFound {
		t.Errorf("expected local trust row rolled back, got err=%v", err)
	}
}

// A peer_type mismatch aborts before any local row is persisted.
func TestCreateReciprocalTrustAbortsOnPeerTypeMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "peer1", "type": "urn:other", "base_uri": "https://peer.example"})
	}))
	defer srv.Close()

	store := memstore.New()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: "actor1", BaseURI: "https://me.example"}); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, store)

	if _, err := eng.CreateReciprocalTrust(ctx, "actor1", "https://me.example", "urn:x", srv.URL, "sh4red", "friend", "hello", "urn:x"); err == nil {
		t.Fatal("expected error on peer type mismatch")
	}
	if _, err := store.GetTrust(ctx, "actor1", "peer1"); err != storage.ErrNotFound {
		t.Error("expected no local trust row persisted on type mismatch abort")
	}
}

// CreateVerifiedTrust persists the trust even when the verification
// callback's token does not match, just flagged unverified.
func TestCreateVerifiedTrustMismatchedTokenPersistsUnverified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"verification_token": "actual-token",
			"approved":           true,
			"verified":           true,
			"peer_approved":      true,
		})
	}))
	defer srv.Close()

	store := memstore.New()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: "actor1", BaseURI: "https://me.example"}); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, store)

	tr, err := eng.CreateVerifiedTrust(ctx, "actor1", "peer1", srv.URL, "sh4red", "friend", "urn:x", "expected-token", true, false, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Verified {
		t.Error("expected Verified=false on token mismatch")
	}

	persisted, err := store.GetTrust(ctx, "actor1", "peer1")
	if err != nil {
		t.Fatal(err)
	}
	if persisted == nil {
		t.Fatal("expected trust to be persisted regardless of verification outcome")
	}
}

// modify_and_notify: network failure in notification does not reverse the
// already-persisted approval (ordering invariant).
func TestModifyAndNotifyPersistsApprovalBeforeNotifyAndSurvivesNotifyFailure(t *testing.T) {
	store := memstore.New()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: "actor1", BaseURI: "https://me.example"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTrust(ctx, &storage.Trust{
		ActorID: "actor1", PeerID: "peer1", BaseURI: "http://127.0.0.1:1", Secret: "sh4red",
		Relationship: "friend", Approved: false,
	}); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, store)

	approved := true
	tr, err := eng.ModifyAndNotify(ctx, "actor1", "peer1", "friend", trust.TrustMutation{Approved: &approved})
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Approved {
		t.Error("expected approval to persist even though peer notification will fail")
	}

	persisted, err := store.GetTrust(ctx, "actor1", "peer1")
	if err != nil {
		t.Fatal(err)
	}
	if !persisted.Approved {
		t.Error("expected durable approval despite unreachable peer")
	}
}

// An already-true -> true call must not re-notify (no observed transition).
func TestModifyAndNotifyNoRenotifyWhenAlreadyApproved(t *testing.T) {
	var notifyCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notifyCount++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memstore.New()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: "actor1", BaseURI: "https://me.example"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTrust(ctx, &storage.Trust{
		ActorID: "actor1", PeerID: "peer1", BaseURI: srv.URL, Secret: "sh4red",
		Relationship: "friend", Approved: true,
	}); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, store)

	approved := true
	if _, err := eng.ModifyAndNotify(ctx, "actor1", "peer1", "friend", trust.TrustMutation{Approved: &approved}); err != nil {
		t.Fatal(err)
	}
	if notifyCount != 0 {
		t.Errorf("expected no peer notification on true->true, got %d calls", notifyCount)
	}
}

// DeleteReciprocalTrust on an OAuth2-established trust never attempts a
// peer DELETE, but still runs the full local cascade.
func TestDeleteReciprocalTrustSkipsPeerDeleteForOAuth2(t *testing.T) {
	var deleteCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deleteCalls++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := memstore.New()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: "actor1", BaseURI: "https://me.example"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTrust(ctx, &storage.Trust{
		ActorID: "actor1", PeerID: "peer1", BaseURI: srv.URL, Secret: "sh4red",
		Relationship: "friend", Approved: true, EstablishedVia: storage.EstablishedViaOAuth2,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSubscription(ctx, &storage.Subscription{ActorID: "actor1", PeerID: "peer1", SubscriptionID: "sub1"}); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, store)

	ok, err := eng.DeleteReciprocalTrust(ctx, "actor1", "https://me.example", "peer1", true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected ok=true when no peer delete was attempted")
	}
	if deleteCalls != 0 {
		t.Errorf("expected no peer DELETE for an OAuth2-established trust, got %d calls", deleteCalls)
	}

	if _, err := store.GetTrust(ctx, "actor1", "peer1"); err != storage.ErrNotFound {
		t.Error("expected local trust row removed")
	}
	subs, _ := store.ListSubscriptionsByPeer(ctx, "actor1", "peer1")
	if len(subs) != 0 {
		t.Errorf("expected subscriptions to this peer cascaded away, got %d", len(subs))
	}
}

// DeleteReciprocalTrust on a non-existent relationship is idempotent.
func TestDeleteReciprocalTrustIdempotentWhenAlreadyGone(t *testing.T) {
	store := memstore.New()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: "actor1", BaseURI: "https://me.example"}); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, store)

	ok, err := eng.DeleteReciprocalTrust(ctx, "actor1", "https://me.example", "no-such-peer", true)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected idempotent success deleting an absent trust")
	}
}

// A failed peer DELETE is tolerated for the cascade but surfaces ok=false.
func TestDeleteReciprocalTrustReportsFailureButStillCascades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := memstore.New()
	if err := store.CreateActor(ctx, &storage.Actor{ActorID: "actor1", BaseURI: "https://me.example"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTrust(ctx, &storage.Trust{
		ActorID: "actor1", PeerID: "peer1", BaseURI: srv.URL, Secret: "sh4red",
		Relationship: "friend", Approved: true, EstablishedVia: storage.EstablishedViaTrust,
	}); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(t, store)

	ok, err := eng.DeleteReciprocalTrust(ctx, "actor1", "https://me.example", "peer1", true)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected ok=false when the peer-side DELETE failed")
	}
	if _, err := store.GetTrust(ctx, "actor1", "peer1"); err != storage.ErrNotFound {
		t.Error("expected local cascade to complete even though peer delete failed")
	}
}
