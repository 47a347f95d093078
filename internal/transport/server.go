package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/strandkv/strand/internal/errs"
	"github.com/strandkv/strand/internal/model"
	"github.com/strandkv/strand/internal/storage"
)

// KV is the client-facing surface of the replication coordinator, consumed
// here so the server package does not depend on the coordinator package.
type KV interface {
	Write(ctx context.Context, key, value []byte) error
	Read(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
}

// Server exposes the node-side RPC endpoints: the replica surface backed by
// the local storage engine, the gossip exchange, and the client key-value
// API routed through the coordinator.
type Server struct {
	engine    storage.Engine
	kv        KV
	gossip    GossipHandler
	transport Transport // used to serve indirect pings
	metrics   http.Handler
	logger    *zap.Logger
	mux       *http.ServeMux
}

// NewServer wires the node's HTTP surface. metrics may be nil when metrics
// are disabled; gossip and kv may be nil in partial test setups.
func NewServer(engine storage.Engine, kv KV, gossip GossipHandler, transport Transport, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    engine,
		kv:        kv,
		gossip:    gossip,
		transport: transport,
		metrics:   metrics,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("/internal/ping", s.handlePing)
	s.mux.HandleFunc("/internal/ping/indirect", s.handleIndirectPing)
	s.mux.HandleFunc("/internal/kv", s.handleReplicaKV)
	s.mux.HandleFunc("/internal/kv/delete", s.handleReplicaDelete)
	s.mux.HandleFunc("/internal/bulkcopy", s.handleBulkCopy)
	s.mux.HandleFunc("/internal/range/count", s.handleRangeCount)
	s.mux.HandleFunc("/internal/range/delete", s.handleRangeDelete)
	s.mux.HandleFunc("/internal/gossip", s.handleGossip)
	s.mux.HandleFunc("/kv", s.handleClientKV)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Warn("Failed to encode response", zap.Error(err))
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errs.ErrKeyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errs.ErrQuorumNotReached):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIndirectPing(w http.ResponseWriter, r *http.Request) {
	var req wireIndirectPing
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.transport.Ping(ctx, model.NodeID(req.Target)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReplicaKV serves replica-level reads and versioned writes.
func (s *Server) handleReplicaKV(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		key := []byte(r.URL.Query().Get("key"))
		entry, ok := s.engine.GetVersioned(key)
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, toWireEntry(entry))
	case http.MethodPost:
		var we wireEntry
		if err := json.NewDecoder(r.Body).Decode(&we); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.engine.Set(fromWireEntry(we)); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReplicaDelete(w http.ResponseWriter, r *http.Request) {
	var req wireDelete
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	version := model.Version{Writer: model.NodeID(req.Version.Writer), Counter: req.Version.Counter}
	if err := s.engine.Delete(req.Key, version); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBulkCopy streams the requested range as newline-delimited JSON.
func (s *Server) handleBulkCopy(w http.ResponseWriter, r *http.Request) {
	var rng wireRange
	if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	flusher, _ := w.(http.Flusher)

	for _, entry := range s.engine.ScanRange(model.TokenRange{Start: rng.Start, End: rng.End}) {
		if r.Context().Err() != nil {
			return
		}
		if err := enc.Encode(toWireEntry(entry)); err != nil {
			s.logger.Warn("Bulk copy stream aborted", zap.Error(err))
			return
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
}

func (s *Server) handleRangeCount(w http.ResponseWriter, r *http.Request) {
	var rng wireRange
	if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count := s.engine.CountRange(model.TokenRange{Start: rng.Start, End: rng.End})
	s.writeJSON(w, http.StatusOK, wireRangeResult{Count: count})
}

func (s *Server) handleRangeDelete(w http.ResponseWriter, r *http.Request) {
	var rng wireRange
	if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count := s.engine.DeleteRange(model.TokenRange{Start: rng.Start, End: rng.End})
	s.logger.Info("Range deleted",
		zap.Uint64("start", rng.Start),
		zap.Uint64("end", rng.End),
		zap.Int("entries", count))
	s.writeJSON(w, http.StatusOK, wireRangeResult{Count: count})
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	if s.gossip == nil {
		http.Error(w, "gossip not enabled", http.StatusServiceUnavailable)
		return
	}
	var remote []wireMember
	if err := json.NewDecoder(r.Body).Decode(&remote); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	local := s.gossip(fromWireMembers(remote))
	s.writeJSON(w, http.StatusOK, toWireMembers(local))
}

// handleClientKV serves the client-facing key-value API through the
// replication coordinator.
func (s *Server) handleClientKV(w http.ResponseWriter, r *http.Request) {
	if s.kv == nil {
		http.Error(w, "coordinator not ready", http.StatusServiceUnavailable)
		return
	}
	key := []byte(r.URL.Query().Get("key"))
	if len(key) == 0 {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := s.kv.Read(r.Context(), key)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(value)
	case http.MethodPut, http.MethodPost:
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.kv.Write(r.Context(), key, value); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.kv.Delete(r.Context(), key); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
