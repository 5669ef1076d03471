package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"OpenMCP-Chat/internal/config"
	"OpenMCP-Chat/internal/conversation"
	"OpenMCP-Chat/internal/llm"
	"OpenMCP-Chat/internal/llm/anthropic"
	"OpenMCP-Chat/internal/llm/openai"
	"OpenMCP-Chat/internal/observability/alerting"
	"OpenMCP-Chat/internal/observability/metrics"
	"OpenMCP-Chat/internal/session"
	"OpenMCP-Chat/internal/storage/mysql"
	redisstore "OpenMCP-Chat/internal/storage/redis"
	"OpenMCP-Chat/internal/task"
	"OpenMCP-Chat/internal/tools"
	"OpenMCP-Chat/internal/usage"
	"OpenMCP-Chat/pkg/logger"
)

// inflightTTL 兜底释放 Redis 中的用户占位，防止进程崩溃后用户被长期锁住。
const inflightTTL = 10 * time.Minute

// app 持有一次进程运行期间装配好的全部组件。
type app struct {
	cfg       *config.Config
	provider  llm.Provider
	registry  *tools.Registry
	invoker   *tools.Invoker
	sessions  *session.Manager
	recorder  usage.Recorder
	alerts    alerting.Dispatcher
	collector *metrics.Collector
	redis     *goredis.Client

	taskStore task.Store
	taskQueue task.Queue
	tasks     *task.Service

	closers []func() error
}

// buildOptions 控制 buildApp 装配的组件范围。
type buildOptions struct {
	withTasks bool
}

func buildApp(ctx context.Context, cfg *config.Config, opts buildOptions) (_ *app, err error) {
	a := &app{cfg: cfg, collector: metrics.Default()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.provider, err = newProvider(cfg); err != nil {
		return nil, err
	}
	if err = a.initTools(ctx); err != nil {
		return nil, err
	}
	a.alerts = newAlerts(cfg.Alerting)

	if needsRedis(cfg) {
		client, err := redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			PoolSize: cfg.Storage.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}

	if a.recorder, err = newRecorder(ctx, cfg.Storage.Usage); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.recorder.Close)

	a.sessions = session.NewManager(a.factory(), a.sessionOptions()...)

	if opts.withTasks {
		if err = a.initTasks(ctx); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func needsRedis(cfg *config.Config) bool {
	return cfg.Storage.Sessions.Driver == "redis" || cfg.TaskQueue.Driver == "redis"
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	stream := cfg.LLM.Stream == nil || *cfg.LLM.Stream
	key := cfg.LLM.ResolveAPIKey()
	switch cfg.LLM.Provider {
	case "claude":
		return anthropic.NewClient(anthropic.Config{
			APIKey:       key,
			BaseURL:      cfg.LLM.BaseURL,
			Model:        cfg.LLM.Model,
			Timeout:      cfg.LLM.Timeout(),
			ChunkTimeout: cfg.Conversation.ChunkTimeout(),
			MaxTokens:    cfg.LLM.MaxTokens,
			Temperature:  cfg.LLM.Temperature,
			Stream:       stream,
		})
	case "qwen", "openai":
		oc := openai.Config{
			APIKey:       key,
			BaseURL:      cfg.LLM.BaseURL,
			Model:        cfg.LLM.Model,
			Timeout:      cfg.LLM.Timeout(),
			ChunkTimeout: cfg.Conversation.ChunkTimeout(),
			MaxTokens:    cfg.LLM.MaxTokens,
			Temperature:  cfg.LLM.Temperature,
			Stream:       stream,
		}
		if cfg.LLM.Provider == "qwen" {
			return openai.NewQwenClient(oc)
		}
		return openai.NewClient(oc)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func (a *app) initTools(ctx context.Context) error {
	tc := a.cfg.Tools
	a.registry = tools.NewRegistry(
		tools.WithDialer(tools.HTTPDialer(&http.Client{Timeout: tc.CallTimeout() + 5*time.Second})),
		tools.WithDiscoveryBackoff(tools.ExponentialBackoff{
			Attempts:   tc.DiscoveryAttempts,
			Initial:    tc.DiscoveryBackoff(),
			Multiplier: 2,
			Max:        10 * time.Second,
		}),
	)
	a.closers = append(a.closers, a.registry.Close)

	endpoints := make([]tools.Endpoint, 0, len(tc.Endpoints))
	for _, ep := range tc.Endpoints {
		endpoints = append(endpoints, tools.Endpoint{Name: ep.Name, URL: ep.URL, Headers: ep.Headers})
	}
	log := logger.Named("tools")
	for _, st := range a.registry.Initialize(ctx, endpoints) {
		if st.Err != nil {
			log.Warn("工具端点不可用，已跳过",
				slog.String("endpoint", st.Endpoint),
				slog.String("url", st.URL),
				slog.Int("attempts", st.Attempts),
				slog.Any("error", st.Err),
			)
			continue
		}
		log.Info("工具端点已加载", slog.String("endpoint", st.Endpoint), slog.Int("tools", st.Tools))
	}
	for _, c := range a.registry.Conflicts() {
		log.Warn("工具名称冲突，后加载的端点生效", slog.Any("conflict", c))
	}
	logger.Audit().Info("工具注册表已加载", slog.Int("tools", a.registry.Len()), slog.Int("endpoints", len(endpoints)))

	a.invoker = tools.NewInvoker(a.registry,
		tools.WithCallAttempts(tc.CallAttempts),
		tools.WithCallTimeout(tc.CallTimeout()),
		tools.WithCallBackoff(tc.CallBackoff()),
	)
	return nil
}

func (a *app) factory() session.Factory {
	cc := a.cfg.Conversation
	base := []conversation.Option{
		conversation.WithMaxRounds(cc.MaxRounds),
		conversation.WithTurnAttempts(cc.TurnAttempts),
		conversation.WithRetryDelay(cc.RetryDelay()),
		conversation.WithDispatch(conversation.ParseDispatchPolicy(cc.Dispatch)),
		conversation.WithToolConcurrency(cc.ToolConcurrency),
		conversation.WithSystemPrompt(a.cfg.LLM.SystemPrompt),
		conversation.WithPrices(conversation.Prices{
			InputPerMillion:  a.cfg.LLM.Price.InputPerMillion,
			OutputPerMillion: a.cfg.LLM.Price.OutputPerMillion,
		}),
	}
	if rf := a.cfg.LLM.ResponseFormat; rf != nil {
		base = append(base, conversation.WithResponseFormat(&llm.ResponseFormat{Name: rf.Name, Schema: rf.Schema}))
	}
	if cc.Window.MaxTokens > 0 || cc.Window.MaxTurns > 0 {
		var counter llm.TokenCounter = llm.ApproxCounter{}
		if tc, err := llm.NewTiktokenCounter(a.cfg.LLM.Model); err == nil {
			counter = tc
		} else {
			logger.Named("llm").Warn("分词器不可用，使用字符估算", slog.Any("error", err))
		}
		base = append(base, conversation.WithWindow(llm.Window{
			MaxTokens: cc.Window.MaxTokens,
			MaxTurns:  cc.Window.MaxTurns,
			Counter:   counter,
		}))
	}
	return func(_ string, opts ...conversation.Option) *conversation.Loop {
		all := make([]conversation.Option, 0, len(base)+len(opts))
		all = append(all, base...)
		all = append(all, opts...)
		return conversation.New(a.provider, a.invoker, all...)
	}
}

func (a *app) sessionOptions() []session.Option {
	opts := []session.Option{
		session.WithRecorder(a.recorder),
		session.WithAlertDispatcher(a.alerts),
		session.WithObserver(a.collector),
	}
	if a.cfg.Storage.Sessions.Driver == "redis" && a.redis != nil {
		rc := a.cfg.Storage.Redis
		opts = append(opts,
			session.WithLimiter(redisstore.NewLimiter(a.redis, inflightTTL)),
			session.WithSnapshotStore(redisstore.NewTranscriptStore(a.redis, rc.TranscriptTTL())),
			session.WithStreamMirror(redisstore.NewStreamMirror(a.redis, rc.StreamTTL())),
		)
		return opts
	}
	return append(opts,
		session.WithSnapshotStore(session.NewMemorySnapshotStore()),
		session.WithStreamMirror(session.NewMemoryMirror()),
	)
}

func newRecorder(ctx context.Context, cfg config.UsageConfig) (usage.Recorder, error) {
	switch cfg.Driver {
	case "", "memory":
		return usage.NewMemoryRecorder(), nil
	case mysql.DriverMySQL, mysql.DriverSQLite:
		return usage.NewSQLRecorder(ctx, mysql.Config{Driver: cfg.Driver, DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("未知的用量存储驱动: %s", cfg.Driver)
	}
}

func newAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

func (a *app) initTasks(ctx context.Context) error {
	sc := a.cfg.Storage.TaskStore
	switch sc.Driver {
	case "", "memory":
		a.taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(ctx, mysql.Config{Driver: mysql.DriverMySQL, DSN: sc.DSN})
		if err != nil {
			return err
		}
		a.taskStore = store
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", sc.Driver)
	}

	qc := a.cfg.TaskQueue
	switch qc.Driver {
	case "", "memory":
		a.taskQueue = task.NewMemoryQueue(1024)
	case "redis":
		a.taskQueue = task.NewRedisQueueWithClient(a.redis, qc.Redis.Queue, time.Duration(qc.Redis.BlockWaitSeconds)*time.Second)
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        qc.RabbitMQ.URL,
			Queue:      qc.RabbitMQ.Queue,
			Prefetch:   qc.RabbitMQ.Prefetch,
			Durable:    qc.RabbitMQ.Durable,
			AutoDelete: qc.RabbitMQ.AutoDelete,
		})
		if err != nil {
			_ = a.taskStore.Close()
			return err
		}
		a.taskQueue = queue
	default:
		_ = a.taskStore.Close()
		return fmt.Errorf("未知的队列驱动: %s", qc.Driver)
	}

	a.tasks = task.NewService(a.taskStore, a.taskQueue, sc.Retries)
	a.closers = append(a.closers, a.tasks.Close)
	return nil
}

func (a *app) processor() *task.Processor {
	return task.NewProcessor(a.sessions, a.taskStore, a.taskQueue, a.taskQueue,
		task.WithWorkerCount(a.cfg.TaskQueue.Worker),
		task.WithTaskTimeout(a.cfg.LLM.Timeout()*time.Duration(a.cfg.Conversation.MaxRounds)),
		task.WithRetryDelay(a.cfg.Conversation.RetryDelay()),
		task.WithAlertDispatcher(a.alerts),
		task.WithTaskObserver(a.collector),
	)
}

// Close 按装配的逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
