package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"scout/internal/backoff"
	"scout/internal/logging"
)

// HistoryMessage is one prior turn of the conversation, in the shape the
// backend expects.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client issues commands against the backend REST API. The task ids it
// returns feed back into the reducer as the current task.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	retry      backoff.Config
	logger     logging.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger logging.Logger) ClientOption {
	return func(c *Client) { c.logger = logging.OrNop(logger) }
}

// WithClientBackoff overrides the retry policy for idempotent commands.
func WithClientBackoff(config backoff.Config) ClientOption {
	return func(c *Client) { c.retry = config }
}

// NewClient creates a command client for one user against the given base URL.
func NewClient(baseURL, userID string, opts ...ClientOption) *Client {
	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userID:     userID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      backoff.DefaultConfig(),
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type enqueueRequest struct {
	UserID         string           `json:"user_id"`
	MessageHistory []HistoryMessage `json:"message_history"`
	Query          string           `json:"query"`
}

type enqueueResponse struct {
	TaskID string `json:"task_id"`
}

type cancelRequest struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
}

type steerRequest struct {
	UserID   string           `json:"user_id"`
	TaskID   string           `json:"task_id"`
	Messages []HistoryMessage `json:"messages"`
}

// Enqueue submits a new query and returns the backend task id. It is not
// retried: a lost response must not double-enqueue the task.
func (c *Client) Enqueue(ctx context.Context, history []HistoryMessage, query string) (string, error) {
	if history == nil {
		history = []HistoryMessage{}
	}
	request := enqueueRequest{UserID: c.userID, MessageHistory: history, Query: query}

	var response enqueueResponse
	if err := c.postJSON(ctx, "/api/enqueue", request, &response); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if response.TaskID == "" {
		return "", fmt.Errorf("enqueue: backend returned no task id")
	}
	c.logger.Info("enqueued task %s", response.TaskID)
	return response.TaskID, nil
}

// Cancel requests cancellation of a running task. The resulting run_cancelled
// event arrives on the stream.
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	request := cancelRequest{UserID: c.userID, TaskID: taskID}
	err := backoff.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/cancel", request, nil)
	})
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	c.logger.Info("requested cancellation of task %s", taskID)
	return nil
}

// Steer sends steering messages to a running task. The outcome arrives on the
// stream as run_steering_applied or run_steering_failed.
func (c *Client) Steer(ctx context.Context, taskID string, messages []HistoryMessage) error {
	request := steerRequest{UserID: c.userID, TaskID: taskID, Messages: messages}
	err := backoff.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/steer", request, nil)
	})
	if err != nil {
		return fmt.Errorf("steer task %s: %w", taskID, err)
	}
	c.logger.Info("sent %d steering messages to task %s", len(messages), taskID)
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, 2048))
		return fmt.Errorf("%s returned %d: %s", path, response.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
