package adminapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/keyspacedb/keyspace/pkg/config"
	"github.com/keyspacedb/keyspace/pkg/fabric"
	"github.com/keyspacedb/keyspace/pkg/migrate"
	"github.com/keyspacedb/keyspace/pkg/partition"
	"github.com/keyspacedb/keyspace/pkg/storage"
	"github.com/keyspacedb/keyspace/pkg/types"
	"github.com/stretchr/testify/assert"
)

type noopTransport struct{}

func (noopTransport) Send(string, *fabric.Message, fabric.Priority) fabric.SendResult {
	return fabric.SendOK
}
func (noopTransport) Alloc(op fabric.Op) *fabric.Message                { return fabric.Alloc(op) }
func (noopTransport) Register(fabric.MessageType, fabric.Handler) error { return nil }
func (noopTransport) Start() error                                     { return nil }
func (noopTransport) Stop() error                                      { return nil }

type noopResolver struct{}

func (noopResolver) ResolveAddr(types.NodeID) (string, error) { return "", nil }

type fakeClusterKeyer struct{}

func (fakeClusterKeyer) ClusterKey() uint64 { return 1 }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	pm := partition.NewManager(store, fakeClusterKeyer{}, nil)
	engine := migrate.NewEngine(noopTransport{}, store, pm, noopResolver{}, config.Migrate{NMigrateThreads: 0})
	return New(engine)
}

func TestListMigrations(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/migrations", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var result migrate.DumpResult
	assert.NoError(t, json.NewDecoder(w.Body).Decode(&result))
	assert.Equal(t, 0, result.QueueLen)
}

func TestEmigrateEnqueuesJob(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(emigrateRequest{ClusterKey: 1})
	req := httptest.NewRequest(http.MethodPost, "/migrations/ns1/7/node-b", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, s.engine.Dump(false).QueueLen)
}

func TestEmigrateRejectsBadPartitionID(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/migrations/ns1/not-a-number/node-b", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetWorkers(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(setWorkersRequest{Count: 3})
	req := httptest.NewRequest(http.MethodPost, "/workers", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 3, s.engine.Dump(false).WorkerCount)
}

func TestSetWorkersRejectsNegativeCount(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(setWorkersRequest{Count: -1})
	req := httptest.NewRequest(http.MethodPost, "/workers", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsRouteRegistered(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerMatchesMux(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, s.mux, s.Handler())
}
