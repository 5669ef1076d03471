package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"OpenMCP-Chat/internal/observability/metrics"
	"OpenMCP-Chat/internal/session"
	"OpenMCP-Chat/internal/task"
	"OpenMCP-Chat/internal/tools"
	"OpenMCP-Chat/internal/usage"
	"OpenMCP-Chat/pkg/logger"
)

// maxBodyBytes 限制请求体大小。
const maxBodyBytes = 1 << 20

// ToolLister 返回当前可用的工具目录，tools.Invoker 实现了该接口。
type ToolLister interface {
	Tools() []tools.Descriptor
}

// Options 汇总 API 服务依赖的组件，除 Sessions 外均可为空。
type Options struct {
	Sessions *session.Manager
	Tools    ToolLister
	Tasks    *task.Service
	Usage    usage.Recorder
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Server 负责暴露 REST 与 SSE 接口，供外部驱动对话。
type Server struct {
	addr     string
	sessions *session.Manager
	tools    ToolLister
	tasks    *task.Service
	usage    usage.Recorder
	metrics  *metrics.Collector
	logger   *slog.Logger
	started  time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, opts Options) *Server {
	s := &Server{
		addr:     addr,
		sessions: opts.Sessions,
		tools:    opts.Tools,
		tasks:    opts.Tasks,
		usage:    opts.Usage,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		started:  time.Now(),
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	if s.metrics == nil {
		s.metrics = metrics.Default()
	}
	return s
}

// Handler 返回挂载全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("POST /api/v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /api/v1/chat/stop", s.handleStop)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleSessionDetail)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleSessionReset)
	mux.HandleFunc("GET /api/v1/tools", s.handleTools)
	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleTaskDetail)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 流式接口需要长连接，不设置 WriteTimeout。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// statusRecorder 记录响应状态码，同时保留 Flush 能力供 SSE 使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTPRequest(pattern, r.Method, status, elapsed)
		s.logger.Debug("HTTP 请求",
			slog.String("pattern", pattern),
			slog.String("method", r.Method),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
		)
	})
}
