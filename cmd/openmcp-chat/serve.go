package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"OpenMCP-Chat/internal/api"
	"OpenMCP-Chat/internal/observability/metrics"
	"OpenMCP-Chat/pkg/logger"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "覆盖 server.address")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, task processor and session sweeper",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Address = addr
	}
	ctx := cmd.Context()
	log := logger.Named("serve")

	a, err := buildApp(ctx, cfg, buildOptions{withTasks: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("释放资源失败", slog.Any("error", err))
		}
	}()

	if n, err := a.tasks.RequeuePending(ctx); err != nil {
		log.Warn("补投待处理任务失败", slog.Any("error", err))
	} else if n > 0 {
		log.Info("已补投待处理任务", slog.Int("count", n))
	}

	server := api.NewServer(cfg.Server.Address, api.Options{
		Sessions: a.sessions,
		Tools:    a.invoker,
		Tasks:    a.tasks,
		Usage:    a.recorder,
		Metrics:  a.collector,
	})
	idle := time.Duration(cfg.Storage.Sessions.IdleMinutes) * time.Minute

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return a.processor().Start(gctx) })
	g.Go(func() error { return a.sessions.RunSweeper(gctx, time.Minute, idle) })
	if cfg.Metrics.Address != "" {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address) })
	}

	log.Info("服务已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("provider", a.provider.Name()),
		slog.Int("tools", a.registry.Len()),
		slog.String("task_queue", cfg.TaskQueue.Driver),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("服务已停止")
	return nil
}
