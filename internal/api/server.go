// Package api exposes internal/engine's Pool over HTTP, the spec.md §6
// table of endpoints, using gorilla/mux as the router and gorilla/websocket
// for a live activity feed — the same stack and route-layout convention the
// teacher's cmd/announce-webui uses for its own dashboard surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/docpipeline/taskpool/internal/engine"
	"github.com/docpipeline/taskpool/internal/ratelimit"
	"github.com/docpipeline/taskpool/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server wires a *engine.Pool to an HTTP mux.Router. Construct with New,
// then Router() to obtain the http.Handler cmd/taskpoold listens with.
type Server struct {
	pool        *engine.Pool
	limiter     *ratelimit.Limiter
	log         engine.Logger
	awaitResult time.Duration // how long GET /tasks/{id}?wait=1 blocks before giving up

	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]chan telemetry.Event
	wsMu       sync.RWMutex
}

// New builds a Server. limiter may be nil to disable rate limiting.
func New(pool *engine.Pool, limiter *ratelimit.Limiter, log engine.Logger) *Server {
	if log == nil {
		log = noopLogger{}
	}
	return &Server{
		pool:        pool,
		limiter:     limiter,
		log:         log,
		awaitResult: 30 * time.Second,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wsClients: make(map[*websocket.Conn]chan telemetry.Event),
	}
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// Router builds the mux.Router implementing spec.md §6 plus the activity
// WebSocket feed.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	submit := http.HandlerFunc(s.handleSubmit)
	if s.limiter != nil {
		r.Handle("/submit", s.limiter.Middleware(submit)).Methods(http.MethodPost)
	} else {
		r.HandleFunc("/submit", s.handleSubmit).Methods(http.MethodPost)
	}

	r.HandleFunc("/submit_batch", s.handleSubmitBatch).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)
	r.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWebSocket)

	return r
}

// --- request/response payloads (spec.md §6) ---

type submitRequest struct {
	Category    string                 `json:"category"`
	Priority    string                 `json:"priority"`
	FunctionKey string                 `json:"function_key"`
	Args        map[string]interface{} `json:"args"`
	Dependency  string                 `json:"dependency,omitempty"`
	MaxRetries  *int                   `json:"max_retries,omitempty"`
	TimeoutSecs int                    `json:"timeout_seconds,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// defaultMaxRetries is applied when a submitter omits max_retries (spec.md
// §3: "max_retries: non-negative integer, default 3"). The engine itself
// applies no default; that policy lives here, at the boundary accepting
// untrusted input.
const defaultMaxRetries = 3

func parsePriority(s string) (engine.Priority, bool) {
	switch s {
	case "CRITICAL":
		return engine.Critical, true
	case "HIGH":
		return engine.High, true
	case "NORMAL", "":
		return engine.Normal, true
	case "LOW":
		return engine.Low, true
	case "BULK":
		return engine.Bulk, true
	default:
		return 0, false
	}
}

func (s *Server) taskFromRequest(req submitRequest) (engine.Task, error) {
	priority, ok := parsePriority(req.Priority)
	if !ok {
		return engine.Task{}, engine.NewTaskError(engine.KindValidation, "unknown priority "+req.Priority)
	}
	maxRetries := defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	task := engine.Task{
		Category:    engine.Category(req.Category),
		Priority:    priority,
		FunctionKey: req.FunctionKey,
		Dependency:  req.Dependency,
		Args:        req.Args,
		MaxRetries:  maxRetries,
	}
	if req.TimeoutSecs > 0 {
		task.Timeout = time.Duration(req.TimeoutSecs) * time.Second
	}
	return task, nil
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, engine.NewTaskError(engine.KindValidation, "malformed request body"))
		return
	}

	task, err := s.taskFromRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}

	taskID, err := s.pool.Submit(task)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{TaskID: taskID})
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []submitRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, engine.NewTaskError(engine.KindValidation, "malformed request body"))
		return
	}

	tasks := make([]engine.Task, 0, len(reqs))
	buildErrs := make([]error, len(reqs))
	for i, req := range reqs {
		task, err := s.taskFromRequest(req)
		buildErrs[i] = err
		if err == nil {
			tasks = append(tasks, task)
		}
	}

	submissions := s.pool.SubmitBatch(tasks)

	type element struct {
		TaskID string `json:"task_id,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	out := make([]element, len(reqs))
	si := 0
	for i, buildErr := range buildErrs {
		if buildErr != nil {
			out[i] = element{Error: buildErr.Error()}
			continue
		}
		sub := submissions[si]
		si++
		if sub.Err != nil {
			out[i] = element{Error: sub.Err.Error()}
		} else {
			out[i] = element{TaskID: sub.TaskID}
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	if r.URL.Query().Get("wait") != "" {
		result, _, err := s.pool.AwaitResult(r.Context(), taskID, s.awaitResult)
		if err != nil {
			var te *engine.TaskError
			if errors.As(err, &te) {
				writeError(w, te)
				return
			}
			writeError(w, engine.NewTaskError(engine.KindCancelled, err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	result, ok := s.pool.GetResult(taskID)
	if !ok {
		writeError(w, engine.NewTaskError(engine.KindTaskNotFound, "no such task "+taskID))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Metrics().Snapshot())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := telemetry.BuildHealth(s.pool.Metrics(), s.pool.Breakers(), s.pool.IsRunning(), s.pool.WorkerCounts())
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	writeJSON(w, http.StatusOK, s.pool.Activity().Recent(limit))
}

type shutdownRequest struct {
	DrainTimeoutSecs int `json:"drain_timeout,omitempty"`
}

type shutdownResponse struct {
	Stopped bool `json:"stopped"`
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	drain := 30 * time.Second
	if req.DrainTimeoutSecs > 0 {
		drain = time.Duration(req.DrainTimeoutSecs) * time.Second
	}

	s.pool.Stop(drain)
	writeJSON(w, http.StatusOK, shutdownResponse{Stopped: true})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var te *engine.TaskError
	status := http.StatusInternalServerError
	kind := "unknown"
	if errors.As(err, &te) {
		status = te.Kind.HTTPStatus()
		kind = te.Kind.String()
		if status == 200 {
			// A task-level failure is still a successful HTTP call; the
			// failure lives in the TaskResult body, not the status line.
			status = http.StatusOK
		}
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

// --- activity WebSocket feed ---

// BroadcastLoop drains the pool's activity log and fans each new event out
// to connected WebSocket clients. Intended to run as its own goroutine for
// the server's lifetime; returns when ctx is cancelled.
func (s *Server) BroadcastLoop(ctx context.Context, pollInterval time.Duration) {
	var cursor int64
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fresh, next := s.pool.Activity().Since(cursor)
			cursor = next
			if len(fresh) > 0 {
				s.broadcast(fresh)
			}
		}
	}
}

func (s *Server) broadcast(events []telemetry.Event) {
	s.wsMu.RLock()
	defer s.wsMu.RUnlock()
	for _, evt := range events {
		for _, ch := range s.wsClients {
			select {
			case ch <- evt:
			default: // slow client, drop rather than block the broadcaster
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	ch := make(chan telemetry.Event, 100)
	s.wsMu.Lock()
	s.wsClients[conn] = ch
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		close(ch)
		conn.Close()
	}()

	go func() {
		for evt := range ch {
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
