package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keyspacedb/keyspace/pkg/migrate"
)

// newTestClient points a Client at an httptest TLS server, skipping the
// CLI certificate/CA loading NewClient otherwise requires — these tests
// exercise request construction and response decoding, not the mTLS
// handshake itself (pkg/security's certificate tests cover that).
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := &Client{
		addr: strings.TrimPrefix(srv.URL, "https://"),
		http: srv.Client(),
	}
	return c
}

func TestMigrationsDecodesResponse(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/migrations" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("verbose") != "true" {
			t.Fatalf("expected verbose=true query param")
		}
		json.NewEncoder(w).Encode(migrate.DumpResult{QueueLen: 3, WorkerCount: 2})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	result, err := c.Migrations(true)
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	if result.QueueLen != 3 || result.WorkerCount != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEmigrateSendsExpectedPath(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/migrations/ns1/7/node-b" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]uint64
		json.NewDecoder(r.Body).Decode(&body)
		if body["cluster_key"] != 42 {
			t.Fatalf("expected cluster_key=42, got %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.Emigrate("ns1", 7, "node-b", 42); err != nil {
		t.Fatalf("Emigrate: %v", err)
	}
}

func TestSetWorkersSendsCount(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/workers" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]int
		json.NewDecoder(r.Body).Decode(&body)
		if body["count"] != 5 {
			t.Fatalf("expected count=5, got %v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.SetWorkers(5); err != nil {
		t.Fatalf("SetWorkers: %v", err)
	}
}

func TestRequestErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.Healthz(); err == nil {
		t.Fatalf("expected error on 500 response")
	}
}
