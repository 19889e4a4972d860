package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/rangefetch/internal/downloader"
)

const (
	stateRunning     = "running"
	statePaused      = "paused"
	stateFinished    = "finished"
	stateFailed      = "failed"
	stateCancelled   = "cancelled"
	stateInterrupted = "interrupted"
)

var errNoJob = errors.New("no download has been started")

type CreateDownloadRequest struct {
	URL      string `json:"url"`
	Output   string `json:"output"`
	Segments int    `json:"segments"`
}

type DownloadStatus struct {
	Job      downloader.DownloadJob     `json:"job"`
	State    string                     `json:"state"`
	Error    string                     `json:"error,omitempty"`
	Snapshot downloader.Snapshot        `json:"snapshot"`
	Segments []downloader.SegmentStatus `json:"segments"`
}

type jobState struct {
	coordinator *downloader.Coordinator
	request     downloader.DownloadJob
	state       string
	err         string
	done        chan struct{}
}

// Server drives one download at a time over HTTP and streams its events
// over a websocket.
type Server struct {
	router  *mux.Router
	hub     *Hub
	client  downloader.Doer
	options downloader.Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active *jobState
}

func NewServer(options downloader.Options, client downloader.Doer) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:  mux.NewRouter(),
		hub:     NewHub(),
		client:  client,
		options: options,
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.hub.Run(ctx)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/download", s.getDownload).Methods("GET")
	api.HandleFunc("/download", s.createDownload).Methods("POST")
	api.HandleFunc("/download/{action:pause|resume|cancel}", s.controlDownload).Methods("POST")
	s.router.HandleFunc("/ws", s.hub.ServeWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close interrupts the active download, keeping its resume state, and
// stops the hub.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		<-active.done
	}
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("op", "server/server").Str("addr", addr).Msg("Control API listening")
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.Close()
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) createDownload(w http.ResponseWriter, r *http.Request) {
	var req CreateDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.active != nil && !finished(s.active.state) {
		s.mu.Unlock()
		http.Error(w, "a download is already active", http.StatusConflict)
		return
	}
	job := downloader.DownloadJob{
		ID:           uuid.NewString(),
		URL:          req.URL,
		OutputPath:   req.Output,
		SegmentCount: req.Segments,
	}
	active := &jobState{request: job, state: stateRunning, done: make(chan struct{})}
	active.coordinator = downloader.New(s.options, s.client, &jobObserver{server: s, jobID: job.ID})
	s.active = active
	s.mu.Unlock()

	log.Info().Str("op", "server/server").Str("job", job.ID).Str("url", job.URL).Msg("Download requested")
	go s.run(active, job)
	writeJSON(w, http.StatusAccepted, s.status(active))
}

func (s *Server) run(active *jobState, job downloader.DownloadJob) {
	defer close(active.done)
	err := active.coordinator.Run(s.ctx, job)

	s.mu.Lock()
	switch {
	case err == nil:
		active.state = stateFinished
	case errors.Is(err, downloader.ErrCancelled):
		active.state = stateCancelled
	case s.ctx.Err() != nil && errors.Is(err, s.ctx.Err()):
		active.state = stateInterrupted
	default:
		active.state = stateFailed
		active.err = err.Error()
	}
	state := active.state
	s.mu.Unlock()

	switch state {
	case stateCancelled:
		s.hub.Publish(Event{Type: "cancelled", JobID: job.ID})
	case stateInterrupted:
		log.Info().Str("op", "server/server").Str("job", job.ID).Msg("Download interrupted by shutdown")
	}
}

func (s *Server) getDownload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		http.Error(w, errNoJob.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.status(active))
}

func (s *Server) controlDownload(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	s.mu.Lock()
	active := s.active
	if active == nil {
		s.mu.Unlock()
		http.Error(w, errNoJob.Error(), http.StatusNotFound)
		return
	}
	if finished(active.state) {
		s.mu.Unlock()
		http.Error(w, "download is "+active.state, http.StatusConflict)
		return
	}
	switch action {
	case "pause":
		active.coordinator.Pause()
		active.state = statePaused
	case "resume":
		active.coordinator.Resume()
		active.state = stateRunning
	}
	s.mu.Unlock()

	if action == "cancel" {
		active.coordinator.Cancel()
		<-active.done
	}
	log.Info().Str("op", "server/server").Str("action", action).Msg("Download control")
	writeJSON(w, http.StatusOK, s.status(active))
}

func (s *Server) status(active *jobState) DownloadStatus {
	s.mu.Lock()
	state, errText := active.state, active.err
	s.mu.Unlock()
	job := active.coordinator.Job()
	if job.URL == "" {
		job = active.request
	}
	return DownloadStatus{
		Job:      job,
		State:    state,
		Error:    errText,
		Snapshot: active.coordinator.Snapshot(),
		Segments: active.coordinator.Segments(),
	}
}

func finished(state string) bool {
	switch state {
	case stateFinished, stateFailed, stateCancelled, stateInterrupted:
		return true
	}
	return false
}

// jobObserver forwards coordinator events to websocket clients.
type jobObserver struct {
	server *Server
	jobID  string
}

func (o *jobObserver) OnProgress(snap downloader.Snapshot) {
	o.server.hub.Publish(Event{Type: "progress", JobID: o.jobID, Snapshot: &snap})
}

func (o *jobObserver) OnRetry(segment, attempt int, err error) {
	o.server.hub.Publish(Event{Type: "retry", JobID: o.jobID, Segment: &segment, Attempt: attempt, Error: err.Error()})
}

func (o *jobObserver) OnFinished() {
	o.server.hub.Publish(Event{Type: "finished", JobID: o.jobID})
}

func (o *jobObserver) OnError(err error) {
	o.server.hub.Publish(Event{Type: "error", JobID: o.jobID, Error: err.Error()})
}
