package adminapi

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/keyspacedb/keyspace/pkg/log"
	"github.com/keyspacedb/keyspace/pkg/metrics"
	"github.com/keyspacedb/keyspace/pkg/migrate"
	"github.com/keyspacedb/keyspace/pkg/types"
	"github.com/rs/zerolog"
)

// Server is the admin HTTP API. It wraps a migrate.Engine and exposes its
// state and a few operator actions over net/http.
type Server struct {
	engine *migrate.Engine
	mux    *http.ServeMux
	logger zerolog.Logger
}

// New builds a Server backed by engine.
func New(engine *migrate.Engine) *Server {
	s := &Server{
		engine: engine,
		mux:    http.NewServeMux(),
		logger: log.WithComponent("adminapi"),
	}

	s.mux.HandleFunc("GET /migrations", s.handleListMigrations)
	s.mux.HandleFunc("POST /migrations/{ns}/{partition}/{dest}", s.handleEmigrate)
	s.mux.HandleFunc("POST /workers", s.handleSetWorkers)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

// Serve accepts mTLS connections on addr and blocks serving them until the
// listener errors or is closed. tlsConfig is expected to require and verify
// client certificates against the cluster CA.
func (s *Server) Serve(addr string, tlsConfig *tls.Config) error {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("admin API listening")
	return server.Serve(ln)
}

// Handler returns the server's mux for embedding or testing without TLS.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleListMigrations(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	writeJSON(w, http.StatusOK, s.engine.Dump(verbose))
}

type emigrateRequest struct {
	ClusterKey uint64 `json:"cluster_key"`
}

func (s *Server) handleEmigrate(w http.ResponseWriter, r *http.Request) {
	ns := types.Namespace(r.PathValue("ns"))
	pid, err := strconv.ParseUint(r.PathValue("partition"), 10, 32)
	if err != nil {
		http.Error(w, "invalid partition id", http.StatusBadRequest)
		return
	}
	dest := types.NodeID(r.PathValue("dest"))

	var req emigrateRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	job := migrate.Job{
		Namespace:   ns,
		PartitionID: types.PartitionID(pid),
		Destination: dest,
		ClusterKey:  req.ClusterKey,
	}
	s.engine.Emigrate(job, true)

	s.logger.Info().
		Str("namespace", string(ns)).
		Uint64("partition", pid).
		Str("dest", string(dest)).
		Msg("admin API: manual emigrate requested")

	w.WriteHeader(http.StatusAccepted)
}

type setWorkersRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleSetWorkers(w http.ResponseWriter, r *http.Request) {
	var req setWorkersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Count < 0 {
		http.Error(w, "count must be non-negative", http.StatusBadRequest)
		return
	}
	s.engine.SetWorkerCount(req.Count)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
