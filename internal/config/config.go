package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "OPENMCP_CHAT_CONFIG"

// DefaultPath 是未指定路径时使用的配置文件。
var DefaultPath = filepath.Join("configs", "openmcp-chat.yaml")

// Config 描述了服务启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	Tools        ToolsConfig        `json:"tools" yaml:"tools"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	TaskQueue    TaskQueueConfig    `json:"task_queue" yaml:"task_queue"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Format  string      `json:"format" yaml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs"`
	Audit   AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// LLMConfig 用于配置大模型的调用方式。
type LLMConfig struct {
	Provider       string                `json:"provider" yaml:"provider"`
	Model          string                `json:"model" yaml:"model"`
	BaseURL        string                `json:"base_url" yaml:"base_url"`
	APIKey         string                `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string                `json:"api_key_env" yaml:"api_key_env"`
	TimeoutSeconds int                   `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxTokens      int                   `json:"max_tokens" yaml:"max_tokens"`
	Temperature    *float64              `json:"temperature" yaml:"temperature"`
	Stream         *bool                 `json:"stream" yaml:"stream"`
	SystemPrompt   string                `json:"system_prompt" yaml:"system_prompt"`
	ResponseFormat *ResponseFormatConfig `json:"response_format" yaml:"response_format"`
	Price          PriceConfig           `json:"price" yaml:"price"`
}

// ResponseFormatConfig 描述期望模型输出的 JSON 结构。
type ResponseFormatConfig struct {
	Name   string         `json:"name" yaml:"name"`
	Schema map[string]any `json:"schema" yaml:"schema"`
}

// PriceConfig 以每百万单位计价。
type PriceConfig struct {
	InputPerMillion  float64 `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million" yaml:"output_per_million"`
}

// ConversationConfig 控制对话循环的轮次、重试与超时。
type ConversationConfig struct {
	MaxRounds           int          `json:"max_rounds" yaml:"max_rounds"`
	TurnAttempts        int          `json:"turn_attempts" yaml:"turn_attempts"`
	RetryDelayMS        int          `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	ChunkTimeoutSeconds int          `json:"chunk_timeout_seconds" yaml:"chunk_timeout_seconds"`
	Dispatch            string       `json:"dispatch" yaml:"dispatch"`
	ToolConcurrency     int          `json:"tool_concurrency" yaml:"tool_concurrency"`
	Window              WindowConfig `json:"window" yaml:"window"`
}

// WindowConfig 限制发送给模型的历史长度，0 表示不限制。
type WindowConfig struct {
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`
	MaxTurns  int `json:"max_turns" yaml:"max_turns"`
}

// ToolsConfig 描述 MCP 工具服务端点及调用策略。
type ToolsConfig struct {
	Endpoints          []EndpointConfig `json:"endpoints" yaml:"endpoints"`
	DiscoveryAttempts  int              `json:"discovery_attempts" yaml:"discovery_attempts"`
	DiscoveryBackoffMS int              `json:"discovery_backoff_ms" yaml:"discovery_backoff_ms"`
	CallAttempts       int              `json:"call_attempts" yaml:"call_attempts"`
	CallTimeoutSeconds int              `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	CallBackoffMS      int              `json:"call_backoff_ms" yaml:"call_backoff_ms"`
}

// EndpointConfig 描述单个 MCP 服务。
type EndpointConfig struct {
	Name    string            `json:"name" yaml:"name"`
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

// StorageConfig 统一描述 Redis、MySQL 等后端的连接信息。
type StorageConfig struct {
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Sessions  SessionConfig   `json:"sessions" yaml:"sessions"`
	Usage     UsageConfig     `json:"usage" yaml:"usage"`
	TaskStore TaskStoreConfig `json:"task_store" yaml:"task_store"`
}

// RedisConfig 对应 go-redis 的连接参数。
type RedisConfig struct {
	Address              string `json:"address" yaml:"address"`
	Password             string `json:"password" yaml:"password"`
	DB                   int    `json:"db" yaml:"db"`
	PoolSize             int    `json:"pool_size" yaml:"pool_size"`
	StreamTTLSeconds     int    `json:"stream_ttl_seconds" yaml:"stream_ttl_seconds"`
	TranscriptTTLSeconds int    `json:"transcript_ttl_seconds" yaml:"transcript_ttl_seconds"`
}

// SessionConfig 选择会话快照、流镜像与并发限制的后端。
type SessionConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	IdleMinutes int    `json:"idle_minutes" yaml:"idle_minutes"`
}

// UsageConfig 选择用量账本的后端。
type UsageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

// TaskStoreConfig 选择异步任务状态的存储后端。
type TaskStoreConfig struct {
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
	Retries int    `json:"retries" yaml:"retries"`
}

// TaskQueueConfig 选择异步任务队列。
type TaskQueueConfig struct {
	Driver   string              `json:"driver" yaml:"driver"`
	Worker   int                 `json:"worker" yaml:"worker"`
	Redis    RedisQueueConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 列表队列。
type RedisQueueConfig struct {
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列。
type RabbitMQQueueConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// AlertingConfig 配置告警 Webhook。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// MetricsConfig 配置独立的指标监听地址，为空时仅挂在 API 服务上。
type MetricsConfig struct {
	Address string `json:"address" yaml:"address"`
}

// ResolvePath 按 flag、环境变量、默认值的顺序确定配置文件路径。
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，主要用于测试与无配置文件的本地模式。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	c.LLM.applyDefaults()
	c.Conversation.applyDefaults()
	c.Tools.applyDefaults()

	if c.Storage.Redis.PoolSize <= 0 {
		c.Storage.Redis.PoolSize = 100
	}
	if c.Storage.Redis.StreamTTLSeconds <= 0 {
		c.Storage.Redis.StreamTTLSeconds = 3600
	}
	if c.Storage.Redis.TranscriptTTLSeconds <= 0 {
		c.Storage.Redis.TranscriptTTLSeconds = 7 * 24 * 3600
	}
	if c.Storage.Sessions.Driver == "" {
		c.Storage.Sessions.Driver = "memory"
	}
	if c.Storage.Sessions.IdleMinutes <= 0 {
		c.Storage.Sessions.IdleMinutes = 30
	}
	if c.Storage.Usage.Driver == "" {
		c.Storage.Usage.Driver = "memory"
	}
	if c.Storage.Usage.Driver == "sqlite" && c.Storage.Usage.DSN != "" &&
		c.Storage.Usage.DSN != ":memory:" && !filepath.IsAbs(c.Storage.Usage.DSN) {
		c.Storage.Usage.DSN = filepath.Join(baseDir, c.Storage.Usage.DSN)
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

func (c *LLMConfig) applyDefaults() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.APIKeyEnv == "" {
		switch c.Provider {
		case "claude":
			c.APIKeyEnv = "ANTHROPIC_API_KEY"
		case "qwen":
			c.APIKeyEnv = "DASHSCOPE_API_KEY"
		default:
			c.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 60
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2000
	}
	if c.Temperature == nil {
		t := 0.7
		c.Temperature = &t
	}
	if c.Stream == nil {
		s := true
		c.Stream = &s
	}
	if c.Price.InputPerMillion == 0 && c.Price.OutputPerMillion == 0 {
		c.Price = PriceConfig{InputPerMillion: 2.0, OutputPerMillion: 8.0}
	}
}

func (c *ConversationConfig) applyDefaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 8
	}
	if c.TurnAttempts <= 0 {
		c.TurnAttempts = 3
	}
	if c.RetryDelayMS <= 0 {
		c.RetryDelayMS = 1000
	}
	if c.ChunkTimeoutSeconds <= 0 {
		c.ChunkTimeoutSeconds = 30
	}
	c.Dispatch = strings.ToLower(strings.TrimSpace(c.Dispatch))
	if c.Dispatch == "" {
		c.Dispatch = "all"
	}
	if c.ToolConcurrency <= 0 {
		c.ToolConcurrency = 1
	}
}

func (c *ToolsConfig) applyDefaults() {
	if c.DiscoveryAttempts <= 0 {
		c.DiscoveryAttempts = 3
	}
	if c.DiscoveryBackoffMS <= 0 {
		c.DiscoveryBackoffMS = 500
	}
	if c.CallAttempts <= 0 {
		c.CallAttempts = 3
	}
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 15
	}
	if c.CallBackoffMS <= 0 {
		c.CallBackoffMS = 1000
	}
	for i := range c.Endpoints {
		if c.Endpoints[i].Name == "" {
			c.Endpoints[i].Name = fmt.Sprintf("endpoint-%d", i+1)
		}
	}
}

// Validate 检查互相冲突或不受支持的配置组合。
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "openai", "qwen", "claude":
	default:
		errs = append(errs, fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider))
	}
	switch c.Conversation.Dispatch {
	case "all", "first":
	default:
		errs = append(errs, fmt.Errorf("未知的工具分发策略: %s", c.Conversation.Dispatch))
	}
	needsRedis := c.Storage.Sessions.Driver == "redis" || c.TaskQueue.Driver == "redis"
	if needsRedis && strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, errors.New("启用 Redis 时 storage.redis.address 不能为空"))
	}
	if (c.Storage.Usage.Driver == "mysql" || c.Storage.Usage.Driver == "sqlite") && strings.TrimSpace(c.Storage.Usage.DSN) == "" {
		errs = append(errs, errors.New("storage.usage.dsn 不能为空"))
	}
	if c.Storage.TaskStore.Driver == "mysql" && strings.TrimSpace(c.Storage.TaskStore.DSN) == "" {
		errs = append(errs, errors.New("storage.task_store.dsn 不能为空"))
	}
	if c.TaskQueue.Driver == "rabbitmq" && strings.TrimSpace(c.TaskQueue.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("task_queue.rabbitmq.url 不能为空"))
	}
	seen := make(map[string]struct{}, len(c.Tools.Endpoints))
	for _, ep := range c.Tools.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			errs = append(errs, fmt.Errorf("工具端点 %s 缺少 url", ep.Name))
		}
		if _, dup := seen[ep.Name]; dup {
			errs = append(errs, fmt.Errorf("工具端点名重复: %s", ep.Name))
		}
		seen[ep.Name] = struct{}{}
	}
	return errors.Join(errs...)
}

// ResolveAPIKey 优先使用配置中的 api_key，否则读取 api_key_env 指定的环境变量。
func (c LLMConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// Timeout 返回 HTTP 调用超时。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ChunkTimeout 返回流式响应的单块超时。
func (c ConversationConfig) ChunkTimeout() time.Duration {
	return time.Duration(c.ChunkTimeoutSeconds) * time.Second
}

// RetryDelay 返回整轮重试的基础退避。
func (c ConversationConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// CallTimeout 返回单次工具调用的超时。
func (c ToolsConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// CallBackoff 返回工具调用线性退避的基础间隔。
func (c ToolsConfig) CallBackoff() time.Duration {
	return time.Duration(c.CallBackoffMS) * time.Millisecond
}

// DiscoveryBackoff 返回工具发现指数退避的初始间隔。
func (c ToolsConfig) DiscoveryBackoff() time.Duration {
	return time.Duration(c.DiscoveryBackoffMS) * time.Millisecond
}

// StreamTTL 返回流镜像的过期时间。
func (c RedisConfig) StreamTTL() time.Duration {
	return time.Duration(c.StreamTTLSeconds) * time.Second
}

// TranscriptTTL 返回会话快照的过期时间。
func (c RedisConfig) TranscriptTTL() time.Duration {
	return time.Duration(c.TranscriptTTLSeconds) * time.Second
}
