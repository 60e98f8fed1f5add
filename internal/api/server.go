package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"time"

	"TaskWarden/internal/audit"
	"TaskWarden/internal/auth"
	xerrors "TaskWarden/internal/errors"
	"TaskWarden/internal/observability/metrics"
	"TaskWarden/internal/task"
)

// Server 暴露任务管线的 REST 接口。
type Server struct {
	addr    string
	tasks   *task.Service
	scanner *task.Scanner
	trail   audit.Trail
	guard   *auth.Guard
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, scanner *task.Scanner, trail audit.Trail, guard *auth.Guard) *Server {
	return &Server{addr: addr, tasks: tasks, scanner: scanner, trail: trail, guard: guard}
}

// Handler 组装全部路由，测试直接使用它而不经过监听端口。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/tasks", s.instrument("tasks", s.handleCreateTask))
	mux.HandleFunc("GET /api/v1/tasks", s.instrument("tasks", s.handleListTasks))
	mux.HandleFunc("GET /api/v1/tasks/stats", s.instrument("task_stats", s.handleStats))
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.instrument("task_get", s.handleGetTask))
	mux.HandleFunc("POST /api/v1/tasks/{id}/decision", s.instrument("task_decision", s.handleDecision))
	mux.HandleFunc("POST /api/v1/tasks/{id}/reset", s.instrument("task_reset", s.handleReset))
	mux.HandleFunc("POST /api/v1/approvals/scan", s.instrument("approval_scan", s.handleScan))
	mux.HandleFunc("GET /api/v1/audit/recent", s.instrument("audit_recent", s.handleAuditRecent))
	mux.Handle("GET /metrics", metrics.Handler())

	if s.guard.Enabled() {
		protect := s.guard.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:  {"tasks:read"},
				http.MethodPost: {"tasks:write"},
			},
		})
		return protect(mux)
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req task.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := listOptionsFromQuery(r)
	results, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	found, err := s.tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type decisionRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	updated, err := s.tasks.RecordDecision(r.Context(), r.PathValue("id"), req.Approved, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	updated, err := s.tasks.ResetDecision(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "任务服务未初始化", http.StatusServiceUnavailable)
		return
	}
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleScan 手动触发一轮审批扫描，便于运维在周期之外立即消费决策。
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		http.Error(w, "扫描器未初始化", http.StatusServiceUnavailable)
		return
	}
	report, err := s.scanner.ScanOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.trail == nil {
		http.Error(w, "审计未初始化", http.StatusServiceUnavailable)
		return
	}
	limit := audit.DefaultRecentSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries := s.trail.Recent(limit)
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func listOptionsFromQuery(r *http.Request) []task.ListOption {
	var opts []task.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if statuses, ok := query["status"]; ok {
		converted := make([]task.Status, 0, len(statuses))
		for _, raw := range statuses {
			converted = append(converted, task.Status(raw))
		}
		opts = append(opts, task.WithStatuses(converted...))
	}
	return opts
}

// instrument 记录请求指标后转交给业务处理函数。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 把统一错误码映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case task.CodeTaskStale, task.CodeTaskConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{
		Code:    string(xerrors.CodeOf(err)),
		Message: err.Error(),
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
