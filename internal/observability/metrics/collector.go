package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"OpenMCP-Chat/internal/conversation"
	xerrors "OpenMCP-Chat/internal/errors"
)

var (
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	roundBuckets   = []float64{1, 2, 3, 5, 8, 13}
)

// series 是一组共享名称与标签名的样本。
type series struct {
	name   string
	help   string
	kind   string
	labels []string
	values map[string]float64
	hists  map[string]*histogram
	upper  []float64
}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func newCounter(name, help string, labels ...string) *series {
	return &series{name: name, help: help, kind: "counter", labels: labels, values: make(map[string]float64)}
}

func newHistogram(name, help string, buckets []float64, labels ...string) *series {
	return &series{name: name, help: help, kind: "histogram", labels: labels, hists: make(map[string]*histogram), upper: buckets}
}

func (s *series) key(values []string) string {
	parts := make([]string, len(s.labels))
	for i, label := range s.labels {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		parts[i] = fmt.Sprintf("%s=\"%s\"", label, escape(v))
	}
	return strings.Join(parts, ",")
}

func (s *series) add(delta float64, values ...string) {
	s.values[s.key(values)] += delta
}

func (s *series) observe(v float64, values ...string) {
	k := s.key(values)
	h := s.hists[k]
	if h == nil {
		h = &histogram{counts: make([]uint64, len(s.upper))}
		s.hists[k] = h
	}
	h.count++
	h.sum += v
	for i, bound := range s.upper {
		if v <= bound {
			h.counts[i]++
		}
	}
}

func (s *series) render(b *strings.Builder) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", s.name, s.help, s.name, s.kind)
	if s.kind == "counter" {
		for _, k := range sortedKeys(s.values) {
			fmt.Fprintf(b, "%s%s %s\n", s.name, braces(k), formatFloat(s.values[k]))
		}
		return
	}
	for _, k := range sortedKeys(s.hists) {
		h := s.hists[k]
		prefix := k
		if prefix != "" {
			prefix += ","
		}
		for i, bound := range s.upper {
			fmt.Fprintf(b, "%s_bucket{%sle=\"%s\"} %d\n", s.name, prefix, formatFloat(bound), h.counts[i])
		}
		fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", s.name, prefix, h.count)
		fmt.Fprintf(b, "%s_sum%s %s\n", s.name, braces(k), formatFloat(h.sum))
		fmt.Fprintf(b, "%s_count%s %d\n", s.name, braces(k), h.count)
	}
}

// Collector 汇总 HTTP 与对话相关指标，并以 Prometheus 文本格式输出。
type Collector struct {
	mu sync.Mutex

	httpRequests    *series
	httpErrors      *series
	httpLatency     *series
	conversations   *series
	rounds          *series
	toolCalls       *series
	toolLatency     *series
	providerRetries *series
	usageUnits      *series
	tasks           *series
}

// NewCollector 创建空的指标集合。
func NewCollector() *Collector {
	return &Collector{
		httpRequests:    newCounter("openmcp_http_requests_total", "Total number of HTTP requests processed.", "handler", "method", "code"),
		httpErrors:      newCounter("openmcp_http_request_errors_total", "Total number of HTTP requests that resulted in a server error.", "handler", "method"),
		httpLatency:     newHistogram("openmcp_http_request_duration_seconds", "HTTP request duration in seconds.", latencyBuckets, "handler", "method"),
		conversations:   newCounter("openmcp_conversations_total", "Finished conversations by provider, final state and error code.", "provider", "state", "code"),
		rounds:          newHistogram("openmcp_conversation_rounds", "Model rounds used per conversation.", roundBuckets, "provider"),
		toolCalls:       newCounter("openmcp_tool_calls_total", "Tool invocations by tool and outcome.", "tool", "status"),
		toolLatency:     newHistogram("openmcp_tool_call_duration_seconds", "Tool invocation duration in seconds.", latencyBuckets, "tool"),
		providerRetries: newCounter("openmcp_provider_retries_total", "Whole-turn provider retries by error code.", "provider", "code"),
		usageUnits:      newCounter("openmcp_usage_units_total", "Input and output units reported by providers.", "provider", "direction"),
		tasks:           newCounter("openmcp_tasks_total", "Async chat task outcomes.", "status"),
	}
}

var defaultCollector = NewCollector()

// Default 返回进程级的指标集合。
func Default() *Collector { return defaultCollector }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpRequests.add(1, handler, method, strconv.Itoa(status))
	if status >= 500 {
		c.httpErrors.add(1, handler, method)
	}
	c.httpLatency.observe(duration.Seconds(), handler, method)
}

// ToolCalled 实现 conversation.Observer。
func (c *Collector) ToolCalled(name string, failed bool, d time.Duration) {
	status := "ok"
	if failed {
		status = "failed"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolCalls.add(1, name, status)
	c.toolLatency.observe(d.Seconds(), name)
}

// ProviderRetried 实现 conversation.Observer。
func (c *Collector) ProviderRetried(provider string, code xerrors.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providerRetries.add(1, provider, string(code))
}

// ConversationFinished 实现 conversation.Observer。
func (c *Collector) ConversationFinished(o conversation.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations.add(1, o.Provider, o.State.String(), string(o.Code))
	c.rounds.observe(float64(o.Rounds), o.Provider)
	if o.Usage.InputUnits > 0 {
		c.usageUnits.add(float64(o.Usage.InputUnits), o.Provider, "input")
	}
	if o.Usage.OutputUnits > 0 {
		c.usageUnits.add(float64(o.Usage.OutputUnits), o.Provider, "output")
	}
}

// TaskFinished 记录异步任务的结果状态。
func (c *Collector) TaskFinished(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks.add(1, status)
}

// Render 输出 Prometheus 文本格式。
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	b.Grow(4096)
	for _, s := range []*series{
		c.httpRequests, c.httpErrors, c.httpLatency,
		c.conversations, c.rounds, c.toolCalls, c.toolLatency,
		c.providerRetries, c.usageUnits, c.tasks,
	} {
		s.render(&b)
	}
	return b.String()
}

var _ conversation.Observer = (*Collector)(nil)

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func braces(k string) string {
	if k == "" {
		return ""
	}
	return "{" + k + "}"
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
