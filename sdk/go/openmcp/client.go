package openmcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming calls ignore it.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the OpenMCP Chat REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// ChatRequest submits one user message. Empty UserID and SessionID are
// assigned by the server.
type ChatRequest struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// Usage reports provider units and derived cost.
type Usage struct {
	InputUnits  int64   `json:"input_units"`
	OutputUnits int64   `json:"output_units"`
	TotalUnits  int64   `json:"total_units"`
	InputCost   float64 `json:"input_cost"`
	OutputCost  float64 `json:"output_cost"`
	TotalCost   float64 `json:"total_cost"`
}

// ChatReply is the final answer of a conversation.
type ChatReply struct {
	SessionID string        `json:"session_id"`
	Text      string        `json:"text"`
	Usage     Usage         `json:"usage"`
	Rounds    int           `json:"rounds"`
	ToolCalls int           `json:"tool_calls"`
	Duration  time.Duration `json:"duration"`
}

// ToolEvent describes the progress of a tool call inside a conversation.
type ToolEvent struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Phase     string          `json:"phase"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
}

// Stream event types.
const (
	EventStart     = "start"
	EventTextDelta = "text-delta"
	EventTool      = "tool-event"
	EventUsage     = "usage"
	EventRetry     = "retry"
	EventCompleted = "completed"
	EventError     = "error"
)

// RetryEvent announces that the server retries the current model call. Text
// deltas already received for the failed attempt end with Discarded and should
// be dropped by the consumer.
type RetryEvent struct {
	Attempt   int    `json:"attempt"`
	Code      string `json:"code"`
	Discarded string `json:"discarded,omitempty"`
}

// StreamEvent is one server-sent frame of a streaming chat.
type StreamEvent struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Text      string      `json:"text,omitempty"`
	Tool      *ToolEvent  `json:"tool,omitempty"`
	Usage     *Usage      `json:"usage,omitempty"`
	Retry     *RetryEvent `json:"retry,omitempty"`
	Result    *ChatReply  `json:"result,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
}

// Tool is an entry of the server's tool catalog.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Endpoint    string          `json:"endpoint"`
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	ID        string            `json:"id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TaskResult is stored once a task succeeds.
type TaskResult struct {
	Reply       string `json:"reply"`
	Rounds      int    `json:"rounds"`
	ToolCalls   int    `json:"tool_calls"`
	InputUnits  int64  `json:"input_units"`
	OutputUnits int64  `json:"output_units"`
}

// Task contains the server's view of an asynchronous chat task.
type Task struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	UserID     string            `json:"user_id"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	LastError  string            `json:"last_error,omitempty"`
	ErrorCode  string            `json:"error_code,omitempty"`
	Result     *TaskResult       `json:"result,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Done reports whether the task reached a final state.
func (t Task) Done() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openmcp api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openmcp api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenMCP Chat API. When httpClient
// is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken sets a bearer token sent with every request, for servers
// deployed behind an authenticating proxy.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Chat sends a message and waits for the complete reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatReply, error) {
	var reply ChatReply
	if err := c.send(ctx, http.MethodPost, "/api/v1/chat", nil, req, &reply); err != nil {
		return ChatReply{}, err
	}
	return reply, nil
}

// ChatStream sends a message and calls fn for every frame as it arrives. The
// final reply is returned once the completed frame is received; an error
// frame is returned as *APIError. A non-nil error from fn aborts the stream.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, fn func(StreamEvent) error) (ChatReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ChatReply{}, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat/stream", nil, bytes.NewReader(body))
	if err != nil {
		return ChatReply{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(httpReq)
	if err != nil {
		return ChatReply{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ChatReply{}, decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var sessionID string
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			return ChatReply{}, fmt.Errorf("decode stream frame: %w", err)
		}
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
		if fn != nil {
			if err := fn(ev); err != nil {
				return ChatReply{}, err
			}
		}
		switch ev.Type {
		case EventCompleted:
			if ev.Result == nil {
				return ChatReply{}, errors.New("openmcp: completed frame without result")
			}
			reply := *ev.Result
			reply.SessionID = sessionID
			return reply, nil
		case EventError:
			apiErr := &APIError{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: "stream failed"}
			if ev.Error != nil {
				apiErr.Code, apiErr.Message, apiErr.Retryable = ev.Error.Code, ev.Error.Message, ev.Error.Retryable
			}
			return ChatReply{}, apiErr
		}
	}
	if err := scanner.Err(); err != nil {
		return ChatReply{}, fmt.Errorf("read stream: %w", err)
	}
	return ChatReply{}, io.ErrUnexpectedEOF
}

// Stop cancels the running conversation of userID. It reports whether a
// conversation was running.
func (c *Client) Stop(ctx context.Context, userID string) (bool, error) {
	var out struct {
		Stopped bool `json:"stopped"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/v1/chat/stop", nil, map[string]string{"user_id": userID}, &out); err != nil {
		return false, err
	}
	return out.Stopped, nil
}

// ResetSession clears a session's transcript on the server.
func (c *Client) ResetSession(ctx context.Context, sessionID string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/sessions/"+sessionID, nil, nil, nil)
}

// Tools lists the tools the server discovered.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tools", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// SubmitTask queues a message for asynchronous processing.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var detail Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil, &detail); err != nil {
		return Task{}, err
	}
	return detail, nil
}

// ListTasks lists tasks. query accepts the server's filters such as status,
// user_id, session_id, limit and offset.
func (c *Client) ListTasks(ctx context.Context, query url.Values) ([]Task, error) {
	var out struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// WaitTask polls a task until it reaches a final state or ctx ends.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Done() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
