package peer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/actingweb/actingweb-core/internal/peer"
)

var ctx = context.Background()

// A response that arrived but cannot be parsed is terminal: no retries.
func TestGetMetaWithRetryDoesNotRetryParseErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := peer.New(zap.NewNop())
	if _, err := c.GetMetaWithRetry(ctx, srv.URL); err == nil {
		t.Fatal("expected error on unparseable meta response")
	}
	if hits.Load() != 1 {
		t.Errorf("expected exactly one request for a parse error, got %d", hits.Load())
	}
}

// A non-2xx status is likewise terminal.
func TestGetMetaWithRetryDoesNotRetryBadStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := peer.New(zap.NewNop())
	if _, err := c.GetMetaWithRetry(ctx, srv.URL); err == nil {
		t.Fatal("expected error on 500 meta response")
	}
	if hits.Load() != 1 {
		t.Errorf("expected exactly one request for a bad status, got %d", hits.Load())
	}
}

// Transport-level failures are retried up to the attempt limit.
func TestGetMetaWithRetryRetriesTransportErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	c := peer.New(zap.NewNop())
	if _, err := c.GetMetaWithRetry(ctx, srv.URL); err == nil {
		t.Fatal("expected error when every attempt fails at the transport level")
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts for transport errors, got %d", hits.Load())
	}
}
