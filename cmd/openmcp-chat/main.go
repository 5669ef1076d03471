package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"OpenMCP-Chat/internal/config"
	"OpenMCP-Chat/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "openmcp-chat",
	Short:         "Tool-augmented chat service backed by MCP tool servers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"配置文件路径，默认读取 $"+config.EnvConfigPath+" 或 "+config.DefaultPath)
}

// main 是 openmcp-chat 的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "openmcp-chat: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并初始化日志。配置文件不存在且未显式指定时使用默认配置。
func loadConfig() (*config.Config, error) {
	path := config.ResolvePath(configPath)
	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(path); statErr != nil && configPath == "" && os.Getenv(config.EnvConfigPath) == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(path); err != nil {
		return nil, err
	}

	lc := cfg.Logging
	if err := logger.Init(logger.Config{
		Level:       lc.Level,
		Format:      lc.Format,
		OutputPaths: lc.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    lc.Audit.Enabled,
			Path:       lc.Audit.Path,
			MaxSizeMB:  lc.Audit.MaxSizeMB,
			MaxBackups: lc.Audit.MaxBackups,
			MaxAgeDays: lc.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
