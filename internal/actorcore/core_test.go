package actorcore_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/actorcore"
	"github.com/actingweb/actingweb-core/internal/storage"
	"github.com/actingweb/actingweb-core/internal/storage/memstore"
)

var ctx = context.Background()

func newCore(t *testing.T) *actorcore.Core {
	t.Helper()
	return actorcore.NewCore(memstore.New(), nil, zap.NewNop())
}

func TestCreateAndVerifyPassphrase(t *testing.T) {
	c := newCore(t)
	h, err := c.CreateActor(ctx, "owner@example.com", "https://host/a/1", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.VerifyPassphrase(ctx, "hunter2"); err != nil {
		t.Errorf("expected correct passphrase to verify, got %v", err)
	}
	if err := h.VerifyPassphrase(ctx, "wrong"); err == nil {
		t.Error("expected wrong passphrase to fail verification")
	}
}

func TestActorNotFound(t *testing.T) {
	c := newCore(t)
	if _, err := c.Actor(ctx, "does-not-exist"); err != actorcore.ErrActorNotFound {
		t.Errorf("expected ErrActorNotFound, got %v", err)
	}
}

func TestDeleteCascadesEveryTable(t *testing.T) {
	c := newCore(t)
	h, err := c.CreateActor(ctx, "owner@example.com", "https://host/a/1", "hunter2")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Storage.SetProperty(ctx, &storage.Property{ActorID: h.ID, Name: "color", Value: []byte(`"red"`)}); err != nil {
		t.Fatal(err)
	}
	if err := c.Storage.CreateTrust(ctx, &storage.Trust{ActorID: h.ID, PeerID: "peer1", Relationship: "friend"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Storage.CreateSubscription(ctx, &storage.Subscription{ActorID: h.ID, PeerID: "peer1", SubscriptionID: "sub1"}); err != nil {
		t.Fatal(err)
	}
	one := 0
	if err := c.Storage.SetAttr(ctx, h.ID, "_callback_state", "sub1", []byte(`{}`), &one); err != nil {
		t.Fatal(err)
	}

	if err := h.Delete(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Storage.GetActor(ctx, h.ID); err != storage.ErrNotFound {
		t.Errorf("actor row should be gone, got %v", err)
	}
	props, _ := c.Storage.ListProperties(ctx, h.ID)
	if len(props) != 0 {
		t.Errorf("expected no properties, got %d", len(props))
	}
	trusts, _ := c.Storage.ListTrusts(ctx, h.ID)
	if len(trusts) != 0 {
		t.Errorf("expected no trusts, got %d", len(trusts))
	}
	subs, _ := c.Storage.ListSubscriptions(ctx, h.ID)
	if len(subs) != 0 {
		t.Errorf("expected no subscriptions, got %d", len(subs))
	}
	attrs, _ := c.Storage.ListBucket(ctx, h.ID, "_callback_state")
	if len(attrs) != 0 {
		t.Errorf("expected no attributes, got %d", len(attrs))
	}
}
