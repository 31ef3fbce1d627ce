package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"AgentForge/internal/blueprint"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/orchestrator"
	"AgentForge/internal/session"
	"AgentForge/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Executor 执行一次智能体请求。
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) *orchestrator.Result
}

// Invalidator 按蓝图 ID 清除缓存的执行计划。
type Invalidator interface {
	InvalidateAll(ctx context.Context, descriptionID string) (int, error)
}

// Server 负责暴露 REST 接口，供外部驱动智能体执行。
type Server struct {
	addr            string
	executor        Executor
	sessions        session.Store
	cache           Invalidator
	metrics         *metrics.Collector
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// Option 配置 Server。
type Option func(*Server)

// WithMetrics 设置请求指标收集器，同时决定 /metrics 输出的内容。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithShutdownTimeout 设置优雅退出的等待时长。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, executor Executor, sessions session.Store, cache Invalidator, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		executor:        executor,
		sessions:        sessions,
		cache:           cache,
		metrics:         metrics.Default(),
		shutdownTimeout: 5 * time.Second,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/executions", s.instrument("/api/v1/executions", s.handleExecute))
	mux.Handle("GET /api/v1/sessions/{id}/logs", s.instrument("/api/v1/sessions/{id}/logs", s.handleSessionLogs))
	mux.Handle("DELETE /api/v1/descriptions/{id}/cache", s.instrument("/api/v1/descriptions/{id}/cache", s.handleInvalidateCache))
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api server listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// executeRequest 是 POST /api/v1/executions 的请求体。
type executeRequest struct {
	Description *blueprint.Description `json:"description"`
	Message     string                 `json:"message"`
	SessionID   string                 `json:"session_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
}

// handleExecute 执行一次请求。执行层面的失败同样以 200 返回，由 success 字段区分。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}

	var req executeRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if req.Description == nil || strings.TrimSpace(req.Description.ID) == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "description.id 不能为空"))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空"))
		return
	}

	result := s.executor.Execute(r.Context(), orchestrator.Request{
		Description: req.Description,
		Message:     req.Message,
		SessionID:   req.SessionID,
		UserID:      strings.TrimSpace(req.UserID),
	})
	writeJSON(w, http.StatusOK, result)
}

type logsResponse struct {
	SessionID string             `json:"session_id"`
	Logs      []session.LogEvent `json:"logs"`
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID"))
		return
	}
	exists, err := s.sessions.Exists(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, session.ErrNotFound)
		return
	}
	logs, err := s.sessions.GetLogs(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{SessionID: id, Logs: logs})
}

type invalidateResponse struct {
	DescriptionID string `json:"description_id"`
	Invalidated   int    `json:"invalidated"`
}

func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "缺少蓝图 ID"))
		return
	}
	if s.cache == nil {
		writeJSON(w, http.StatusOK, invalidateResponse{DescriptionID: id})
		return
	}
	n, err := s.cache.InvalidateAll(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("cache invalidated", slog.String("description_id", id), slog.Int("entries", n))
	writeJSON(w, http.StatusOK, invalidateResponse{DescriptionID: id, Invalidated: n})
}

// instrument 记录请求耗时与状态码。
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.ObserveHTTPRequest(route, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type errorResponse struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: xerrors.Summary(err), Code: xerrors.CodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
