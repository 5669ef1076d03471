package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"OpenMCP-Chat/internal/mcp"
	"OpenMCP-Chat/pkg/logger"
)

// main 启动演示用的 MCP 工具服务，提供 add 与 greet 两个工具。
func main() {
	addr := flag.String("addr", ":8165", "监听地址")
	level := flag.String("log-level", "info", "日志级别")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: *level, Format: "text"}); err != nil {
		slog.Error("初始化日志失败", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.Named("mcp-demo")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := mcp.NewServer("openmcp-demo", "1.0.0")
	mcp.RegisterDemoTools(server)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server)
	mux.Handle("/", server)
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("MCP 演示服务启动", slog.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		log.Info("MCP 演示服务已停止")
	case err := <-errCh:
		if err != nil {
			log.Error("MCP 演示服务异常退出", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
