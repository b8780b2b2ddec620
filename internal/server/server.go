// Package server exposes the local Inspector & Control Surface: an HTTP and
// WebSocket sidecar over a running Orchestrator, for an attached debug tool
// to read resource snapshots, toggle breakpoints, and drive pause/resume
// without holding the orchestrator's own locks.
package server

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
	"github.com/livecalc/core/infrastructure/logging"
	"github.com/livecalc/core/internal/engine"
)

// RunHandle is everything the control surface needs about one active or
// most-recently-completed run: its Inspector over the allocated region and
// a broadcaster replaying OrchestratorEvents to attached WebSocket clients.
type RunHandle struct {
	ID        string
	Inspector *engine.Inspector
	broadcast *eventBroadcaster
}

// Registry tracks RunHandles by run id. A host process calls Register when
// a run starts and may call Unregister once it no longer needs to be
// inspectable (the registry itself never evicts entries on its own).
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*RunHandle
}

// NewRegistry constructs an empty run registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*RunHandle)}
}

// Register binds a run id to its allocated region, ready for inspection.
func (r *Registry) Register(runID string, om *engine.OffsetMap, buf []byte) *RunHandle {
	h := &RunHandle{
		ID:        runID,
		Inspector: engine.NewInspector(om, buf),
		broadcast: newEventBroadcaster(),
	}
	r.mu.Lock()
	r.runs[runID] = h
	r.mu.Unlock()
	return h
}

// Unregister drops a run id from the registry.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

// Publish fans an OrchestratorEvent out to every client currently streaming
// runID's events. A run with no registered handle or no subscribers is a
// silent no-op.
func (r *Registry) Publish(runID string, ev engine.OrchestratorEvent) {
	r.mu.RLock()
	h, ok := r.runs[runID]
	r.mu.RUnlock()
	if ok {
		h.broadcast.publish(ev)
	}
}

func (r *Registry) get(runID string) (*RunHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runs[runID]
	return h, ok
}

// Server is the C13 HTTP+WebSocket control surface. It holds no reference
// to the Orchestrator's internal state beyond what Registry and
// BreakpointController already expose, so it never needs the
// orchestrator's own mutex.
type Server struct {
	router      *mux.Router
	registry    *Registry
	breakpoints *engine.BreakpointController
	aborter     Aborter
	logger      *logging.Logger
	upgrader    websocket.Upgrader
}

// Aborter is the subset of Orchestrator this surface needs to cancel a run.
type Aborter interface {
	Abort(runID string)
}

// New builds a Server. logger may be nil.
func New(registry *Registry, breakpoints *engine.BreakpointController, aborter Aborter, logger *logging.Logger) *Server {
	s := &Server{
		registry:    registry,
		breakpoints: breakpoints,
		aborter:     aborter,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Router returns the mux router, for embedding into a larger mux tree or
// for http.ListenAndServe(addr, srv.Router()).
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	// Resource names are bus:// references: the router must keep the "//"
	// uncleaned and {name} spans path segments, so the bare resource route
	// is registered after the suffixed ones it would otherwise swallow.
	r.SkipClean(true)
	r.HandleFunc("/runs/{run_id}/resources/{name:.+}/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/resources/{name:.+}/histogram", s.handleHistogram).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/resources/{name:.+}/csv", s.handleCSV).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/resources/{name:.+}/slice", s.handleSlice).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/resources/{name:.+}", s.handleResource).Methods(http.MethodGet)
	r.HandleFunc("/runs/{run_id}/compare", s.handleCompare).Methods(http.MethodPost)
	r.HandleFunc("/breakpoints/{node_id}", s.handleBreakpoint).Methods(http.MethodPost)
	r.HandleFunc("/runs/{run_id}/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/runs/{run_id}/step", s.handleStep).Methods(http.MethodPost)
	r.HandleFunc("/runs/{run_id}/abort", s.handleAbort).Methods(http.MethodPost)
	r.HandleFunc("/runs/{run_id}/events", s.handleEvents).Methods(http.MethodGet)
}

func (s *Server) handle(runID string, w http.ResponseWriter) (*RunHandle, bool) {
	h, ok := s.registry.get(runID)
	if !ok {
		writeError(w, http.StatusNotFound, coreerrors.PackageAssetMissing("run "+runID))
		return nil, false
	}
	return h, true
}

func (s *Server) handleResource(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	h, ok := s.handle(vars["run_id"], w)
	if !ok {
		return
	}
	values, err := h.Inspector.GetResource(vars["name"])
	if err != nil {
		writeError(w, coreerrors.GetHTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":   vars["name"],
		"count":  len(values),
		"values": values,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	h, ok := s.handle(vars["run_id"], w)
	if !ok {
		return
	}
	stats, err := h.Inspector.Statistics(vars["name"])
	if err != nil {
		writeError(w, coreerrors.GetHTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistogram(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	h, ok := s.handle(vars["run_id"], w)
	if !ok {
		return
	}
	bins := 10
	if raw := req.URL.Query().Get("bins"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			bins = n
		}
	}
	hist, err := h.Inspector.HistogramOf(vars["name"], bins)
	if err != nil {
		writeError(w, coreerrors.GetHTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleCSV(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	h, ok := s.handle(vars["run_id"], w)
	if !ok {
		return
	}
	values, err := h.Inspector.GetResource(vars["name"])
	if err != nil {
		writeError(w, coreerrors.GetHTTPStatus(err), err)
		return
	}
	checksum := checksumOf(values)
	csv, err := h.Inspector.ExportCSV(vars["name"], checksum)
	if err != nil {
		writeError(w, coreerrors.GetHTTPStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, csv)
}

func (s *Server) handleSlice(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	h, ok := s.handle(vars["run_id"], w)
	if !ok {
		return
	}
	offset := parseInt64(req.URL.Query().Get("offset"), 0)
	limit := parseInt64(req.URL.Query().Get("limit"), 0)
	page, err := h.Inspector.Slice(vars["name"], offset, limit)
	if err != nil {
		writeError(w, coreerrors.GetHTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCompare(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	h, ok := s.handle(vars["run_id"], w)
	if !ok {
		return
	}
	a := req.URL.Query().Get("a")
	b := req.URL.Query().Get("b")
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, coreerrors.ConfigInvalidField("a/b", "", "both query parameters are required"))
		return
	}
	valuesA, err := h.Inspector.GetResource(a)
	if err != nil {
		writeError(w, coreerrors.GetHTTPStatus(err), err)
		return
	}
	valuesB, err := h.Inspector.GetResource(b)
	if err != nil {
		writeError(w, coreerrors.GetHTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, engine.CompareResources(valuesA, valuesB))
}

func (s *Server) handleBreakpoint(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(req.Body, &body); err != nil {
		writeError(w, http.StatusBadRequest, coreerrors.ConfigInvalidField("body", "", err.Error()))
		return
	}
	if err := s.breakpoints.SetEnabled(req.Context(), vars["node_id"], body.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"node_id": vars["node_id"], "enabled": body.Enabled})
}

func (s *Server) handleResume(w http.ResponseWriter, req *http.Request) {
	ok := s.breakpoints.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": ok})
}

func (s *Server) handleStep(w http.ResponseWriter, req *http.Request) {
	ok := s.breakpoints.Step()
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": ok})
}

func (s *Server) handleAbort(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	s.aborter.Abort(vars["run_id"])
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) handleEvents(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	h, ok := s.handle(vars["run_id"], w)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.WithContext(req.Context()).WithError(err).Warn("websocket upgrade failed")
		}
		return
	}
	defer conn.Close()

	sub := h.broadcast.subscribe()
	defer h.broadcast.unsubscribe(sub)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Drain and discard inbound control frames so the read deadline keeps
	// resetting; this endpoint is push-only.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func checksumOf(values []float64) uint32 {
	h := crc32.NewIEEE()
	buf := make([]byte, 8)
	for _, v := range values {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		h.Write(buf)
	}
	return h.Sum32()
}

func parseInt64(raw string, def int64) int64 {
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
