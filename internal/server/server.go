package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"seqreg/internal/config"
	"seqreg/internal/logging"
	"seqreg/internal/metrics"
	"seqreg/internal/pipeline"
	"seqreg/internal/sequence"
	"seqreg/internal/storage"
)

type pipelineAPI interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the registration pipeline and its ledger over HTTP.
type Server struct {
	addr     string
	cfg      *config.Config
	store    *storage.Store
	pipeline pipelineAPI
	metrics  *metrics.Metrics
	log      *slog.Logger
	hub      *hub
	server   *http.Server
}

// NewServer creates a server; store and metrics may be nil.
func NewServer(addr string, cfg *config.Config, store *storage.Store, pipe pipelineAPI, m *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Server{
		addr:     addr,
		cfg:      cfg,
		store:    store,
		pipeline: pipe,
		metrics:  m,
		log:      log,
		hub:      newHub(log),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/stream", s.handleRunStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startHub(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// startHub fans pipeline results out to websocket clients.
func (s *Server) startHub(ctx context.Context) {
	go s.hub.run(ctx)
	results, unsubscribe := s.pipeline.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-results:
				if !ok {
					return
				}
				payload, err := json.Marshal(eventOf(res))
				if err != nil {
					continue
				}
				s.hub.publish(payload)
			}
		}
	}()
}

// Serve runs a server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe pipelineAPI, m *metrics.Metrics, log *slog.Logger) error {
	return NewServer(addr, cfg, store, pipe, m, log).Start(ctx)
}

// RunEvent is the wire form of a finished run.
type RunEvent struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func eventOf(res pipeline.Result) RunEvent {
	ev := RunEvent{ID: res.Job.ID, Status: "completed", Meta: res.Meta}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run ledger disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// RunDetails is the response of GET /runs/{id}.
type RunDetails struct {
	Run       storage.RunRecord        `json:"run"`
	Meta      map[string]any           `json:"meta,omitempty"`
	Artifacts []storage.ArtifactRecord `json:"artifacts"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "run ledger disabled", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	meta, _ := s.store.RunMeta(id)
	arts, err := s.store.Artifacts(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if arts == nil {
		arts = []storage.ArtifactRecord{}
	}
	writeJSON(w, http.StatusOK, RunDetails{Run: rec, Meta: meta, Artifacts: arts})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	job, err := req.Job(s.cfg, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := sequence.New(job.Input); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.pipeline.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.log.Info("run submitted", "run", job.ID, "type", job.Options.Type, "timepoints", len(job.Input.Images))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(eventOf(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
