package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/randalmurphal/ralph/internal/config"
	ralpherrors "github.com/randalmurphal/ralph/internal/errors"
	"github.com/randalmurphal/ralph/internal/events"
	"github.com/randalmurphal/ralph/internal/queue"
	"github.com/randalmurphal/ralph/internal/store"
	"github.com/randalmurphal/ralph/internal/task"
)

// Canceller aborts an in-flight pass. The dispatcher implements it.
type Canceller interface {
	Cancel(taskID string) bool
	ActiveTasks() []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCanceller wires the dispatcher's cancel hook.
func WithCanceller(c Canceller) Option {
	return func(s *Server) { s.canceller = c }
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg       *config.Config
	queue     queue.Queue
	store     store.Store
	ws        *WSHandler
	canceller Canceller
	logger    *slog.Logger
	httpSrv   *http.Server
	listener  net.Listener
}

// NewServer builds the dashboard server over the queue, store, and event bus.
func NewServer(cfg *config.Config, q queue.Queue, st store.Store, pub events.Publisher, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		queue:  q,
		store:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	s.ws = NewWSHandler(pub, s.logger)
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/tasks/{id}/runs", s.handleTaskRuns)
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.handlePauseTask)
	mux.HandleFunc("POST /api/tasks/{id}/unpause", s.handleUnpauseTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.Handle("GET /ws", s.ws)
	return mux
}

// Start begins serving on the configured address. It returns once the
// listener is bound; the accept loop runs until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server stopped", "error", err)
		}
	}()
	s.logger.Info("dashboard listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address, or empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains connections and closes the websocket bridge.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	JSONResponse(w, map[string]string{"status": "ok"})
}

// taskSummary is the dashboard view of a task.
type taskSummary struct {
	ID                 string             `json:"id"`
	Repo               string             `json:"repo"`
	Issue              string             `json:"issue"`
	DisplayName        string             `json:"display_name,omitempty"`
	Status             task.Status        `json:"status"`
	WorkerID           string             `json:"worker_id,omitempty"`
	LastCheckpoint     task.Checkpoint    `json:"last_checkpoint,omitempty"`
	CheckpointSeq      int                `json:"checkpoint_seq"`
	PauseRequested     bool               `json:"pause_requested,omitempty"`
	PausedAtCheckpoint task.Checkpoint    `json:"paused_at_checkpoint,omitempty"`
	BlockedSource      task.BlockedSource `json:"blocked_source,omitempty"`
	BlockedReason      string             `json:"blocked_reason,omitempty"`
	ResumeAt           *time.Time         `json:"resume_at,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Active             bool               `json:"active"`
}

func (s *Server) summarize(t *task.Task, active map[string]bool) taskSummary {
	sum := taskSummary{
		ID:                 t.ID,
		Repo:               t.Repo,
		Issue:              t.Issue,
		DisplayName:        t.DisplayName,
		Status:             t.Status,
		WorkerID:           t.WorkerID,
		LastCheckpoint:     t.LastCheckpoint,
		CheckpointSeq:      t.CheckpointSeq,
		PauseRequested:     t.PauseRequested,
		PausedAtCheckpoint: t.PausedAtCheckpoint,
		BlockedSource:      t.BlockedSource,
		BlockedReason:      t.BlockedReason,
		UpdatedAt:          t.UpdatedAt,
		Active:             active[t.ID],
	}
	if !t.ResumeAt.IsZero() {
		resumeAt := t.ResumeAt
		sum.ResumeAt = &resumeAt
	}
	return sum
}

func (s *Server) activeSet() map[string]bool {
	set := map[string]bool{}
	if s.canceller == nil {
		return set
	}
	for _, id := range s.canceller.ActiveTasks() {
		set[id] = true
	}
	return set
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	statuses := task.ValidStatuses()
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := task.Status(raw)
		if !task.IsValidStatus(st) {
			JSONError(w, "unknown status: "+raw, http.StatusBadRequest)
			return
		}
		statuses = []task.Status{st}
	}

	tasks, err := s.queue.ListTasks(r.Context(), statuses...)
	if err != nil {
		HandleError(w, err)
		return
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})

	active := s.activeSet()
	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, s.summarize(t, active))
	}
	JSONResponse(w, map[string]any{"tasks": out})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.loadTask(w, r)
	if err != nil {
		return
	}
	JSONResponse(w, s.summarize(t, s.activeSet()))
}

func (s *Server) handleTaskRuns(w http.ResponseWriter, r *http.Request) {
	t, err := s.loadTask(w, r)
	if err != nil {
		return
	}
	runs, err := s.store.RunsForTask(r.Context(), t.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	JSONResponse(w, map[string]any{"runs": runs})
}

// pauseRequest optionally names the checkpoint to pause at.
type pauseRequest struct {
	AtCheckpoint string `json:"at_checkpoint,omitempty"`
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.loadTask(w, r)
	if err != nil {
		return
	}

	var req pauseRequest
	if r.Body != nil {
		// An empty body means pause at the next checkpoint.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	at := task.Checkpoint(req.AtCheckpoint)
	if at != "" && !task.IsValidCheckpoint(at) {
		JSONError(w, "unknown checkpoint: "+req.AtCheckpoint, http.StatusBadRequest)
		return
	}

	ok, err := s.queue.UpdateTaskStatus(r.Context(), t, t.Status, &task.Patch{
		PauseRequested:    task.Ptr(true),
		PauseAtCheckpoint: &at,
	})
	if err != nil {
		HandleError(w, err)
		return
	}
	if !ok {
		HandleError(w, ralpherrors.ErrTaskLostUpdate(t.ID))
		return
	}
	JSONResponse(w, s.summarize(t, s.activeSet()))
}

func (s *Server) handleUnpauseTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.loadTask(w, r)
	if err != nil {
		return
	}

	none := task.Checkpoint("")
	ok, err := s.queue.UpdateTaskStatus(r.Context(), t, t.Status, &task.Patch{
		PauseRequested:    task.Ptr(false),
		PauseAtCheckpoint: &none,
	})
	if err != nil {
		HandleError(w, err)
		return
	}
	if !ok {
		HandleError(w, ralpherrors.ErrTaskLostUpdate(t.ID))
		return
	}
	JSONResponse(w, s.summarize(t, s.activeSet()))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.loadTask(w, r)
	if err != nil {
		return
	}
	if s.canceller == nil {
		JSONError(w, "cancellation is not available", http.StatusServiceUnavailable)
		return
	}
	cancelled := s.canceller.Cancel(t.ID)
	JSONResponse(w, map[string]any{"task_id": t.ID, "cancelled": cancelled})
}

// loadTask resolves the {id} path value; on failure it writes the error
// response and returns a non-nil error so handlers can bail.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*task.Task, error) {
	id := r.PathValue("id")
	t, err := s.queue.GetTask(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		err = ralpherrors.ErrTaskNotFound(id)
		HandleError(w, err)
		return nil, err
	}
	if err != nil {
		HandleError(w, err)
		return nil, err
	}
	return t, nil
}
