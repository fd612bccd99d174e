// Package httpapi exposes pkg/tao's Core over a JSON/HTTP façade, generalizing
// the teacher's examples/basic mux-per-endpoint layout into the taodb wire
// protocol: object and association CRUD, range/count reads, a debug
// snapshot endpoint for cmd/taodb-inspect, and a Prometheus /metrics
// handler.
//
// © 2025 taodb authors. MIT License.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Voskan/taodb/pkg/tao"
	"github.com/Voskan/taodb/pkg/viewer"
)

// Server wires a *tao.Core to an http.Handler.
type Server struct {
	core *tao.Core
	log  *zap.Logger
	mux  *http.ServeMux
}

// New builds a Server. reg, if non-nil, is exposed at /metrics.
func New(core *tao.Core, reg *prometheus.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{core: core, log: log, mux: http.NewServeMux()}
	s.routes()

	if reg != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler wraps the server's mux with viewer.Middleware built from auth and
// systemTokens. Split out from New so callers can
// compose additional middleware (request logging, recovery) in between.
func (s *Server) Handler(auth viewer.Authenticator, systemTokens []string) http.Handler {
	return viewer.Middleware(auth, systemTokens)(s.mux)
}

// viewer resolves the caller's identity and attaches this server's core as
// its CoreHandle, so any entity wrapper built from a response can call back
// through the viewer (v.Core()) instead of needing the core threaded in
// separately.
func (s *Server) viewer(r *http.Request) viewer.Context {
	return viewer.WithCore(viewer.FromContext(r.Context()), s.core)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/objects", s.handleObjects)
	s.mux.HandleFunc("/objects/", s.handleObjectByID)
	s.mux.HandleFunc("/assocs", s.handleAssocs)
	s.mux.HandleFunc("/assocs/range", s.handleAssocRange)
	s.mux.HandleFunc("/assocs/count", s.handleAssocCount)
	s.mux.HandleFunc("/api/graph", s.handleGraph)
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/debug/tao/snapshot", s.handleSnapshot)
}

type objAddRequest struct {
	ShardID uint16 `json:"shard_id"`
	Type    string `json:"type"`
	Data    []byte `json:"data"`
}

type objAddResponse struct {
	ID uint64 `json:"id"`
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req objAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	v := s.viewer(r)
	id, err := s.core.ObjAdd(r.Context(), v, req.ShardID, req.Type, req.Data)
	if err != nil {
		writeTaoError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, objAddResponse{ID: id})
}

func (s *Server) handleObjectByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.URL.Path[len("/objects/"):], 10, 64)
	if err != nil {
		http.Error(w, "invalid object id", http.StatusBadRequest)
		return
	}
	v := s.viewer(r)

	switch r.Method {
	case http.MethodGet:
		row, err := s.core.ObjGet(r.Context(), v, id)
		if err != nil {
			writeTaoError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, row)
	case http.MethodPut:
		var body struct {
			Data []byte `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.core.ObjUpdate(r.Context(), v, id, body.Data); err != nil {
			writeTaoError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.core.ObjDelete(r.Context(), v, id); err != nil {
			writeTaoError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type assocRequest struct {
	ID1  uint64 `json:"id1"`
	Type string `json:"type"`
	ID2  uint64 `json:"id2"`
	Time int64  `json:"time"`
	Data []byte `json:"data"`
}

func (s *Server) handleAssocs(w http.ResponseWriter, r *http.Request) {
	v := s.viewer(r)
	var req assocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		if err := s.core.AssocAdd(r.Context(), v, req.ID1, req.Type, req.ID2, req.Time, req.Data); err != nil {
			writeTaoError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if err := s.core.AssocDelete(r.Context(), v, req.ID1, req.Type, req.ID2); err != nil {
			writeTaoError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAssocRange(w http.ResponseWriter, r *http.Request) {
	v := s.viewer(r)
	q := r.URL.Query()

	id1, err := strconv.ParseUint(q.Get("id1"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id1", http.StatusBadRequest)
		return
	}
	atype := q.Get("type")
	offset := parseIntDefault(q.Get("offset"), 0)
	limit := parseIntDefault(q.Get("limit"), -1)

	rows, err := s.core.AssocRange(r.Context(), v, id1, atype, offset, limit)
	if err != nil {
		writeTaoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleAssocCount(w http.ResponseWriter, r *http.Request) {
	v := s.viewer(r)
	q := r.URL.Query()

	id1, err := strconv.ParseUint(q.Get("id1"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id1", http.StatusBadRequest)
		return
	}
	atype := q.Get("type")

	n, err := s.core.AssocCount(r.Context(), v, id1, atype)
	if err != nil {
		writeTaoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	v := s.viewer(r)
	maxUsers := parseIntDefault(r.URL.Query().Get("max_users"), 100)

	g, err := s.core.GraphWalk(r.Context(), v, maxUsers)
	if err != nil {
		writeTaoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleHealth is a liveness probe; it does not touch storage, so it answers
// even if a shard is degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSnapshot serves diagnostic counters consumed by cmd/taodb-inspect.
// It intentionally decodes into map[string]any on the client side, so new
// fields can be added here without breaking older inspector builds.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.core.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"shards":               snap.Shards,
		"object_cache_len":     snap.ObjectCacheLen,
		"assoc_list_cache_len": snap.AssocListCacheLen,
		"count_cache_len":      snap.CountCacheLen,
	})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeTaoError(w http.ResponseWriter, err error) {
	var te *tao.Error
	if !errors.As(err, &te) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := http.StatusInternalServerError
	switch te.Kind {
	case tao.KindUnauthorized:
		status = http.StatusUnauthorized
	case tao.KindNotFound:
		status = http.StatusNotFound
	case tao.KindConflict:
		status = http.StatusConflict
	case tao.KindInvalidArgument:
		status = http.StatusBadRequest
	case tao.KindShardUnavailable:
		status = http.StatusServiceUnavailable
	case tao.KindClockRegressionExceeded, tao.KindCorruptedWAL:
		status = http.StatusInternalServerError
	}
	http.Error(w, te.Error(), status)
}
