package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragline/internal/engine"
	ragerrors "ragline/internal/errors"
	"ragline/internal/logging"
)

const defaultRequestTimeout = 30 * time.Second

// Client talks to the AI backend's task endpoints: one call to enqueue
// a prompt, one to query a task's status. The push channel is handled
// elsewhere; this client is plain request/response.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  logging.Logger
}

// New builds a client for the given base URL.
func New(baseURL string, logger logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultRequestTimeout},
		logger:  logging.OrNop(logger),
	}
}

type submitRequest struct {
	Prompt string `json:"prompt"`
}

type submitResponse struct {
	TaskID string `json:"taskId"`
	Error  string `json:"error,omitempty"`
}

type pollResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SubmitTask enqueues a prompt and returns the backend-assigned task
// id. Any failure, including a response without an id, is a
// SubmissionError: nothing was enqueued that the engine needs to track.
func (c *Client) SubmitTask(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: prompt})
	if err != nil {
		return "", ragerrors.NewSubmissionError(err, "could not encode task submission")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tasks", bytes.NewReader(body))
	if err != nil {
		return "", ragerrors.NewSubmissionError(err, "could not build task submission")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", ragerrors.NewSubmissionError(err, "task submission failed: backend unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", ragerrors.NewSubmissionError(err, "task submission failed: unreadable response")
	}

	var decoded submitResponse
	if err := json.Unmarshal(data, &decoded); err != nil && resp.StatusCode < 300 {
		return "", ragerrors.NewSubmissionError(err, "task submission failed: malformed response")
	}

	if resp.StatusCode >= 300 {
		msg := decoded.Error
		if msg == "" {
			msg = fmt.Sprintf("task submission failed: backend returned %d", resp.StatusCode)
		}
		return "", &ragerrors.SubmissionError{
			Err:        fmt.Errorf("submit: status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	taskID := strings.TrimSpace(decoded.TaskID)
	if taskID == "" {
		return "", ragerrors.NewSubmissionError(nil, "task submission failed: backend returned no task id")
	}

	c.logger.Debug("submitted task %s", taskID)
	return taskID, nil
}

// PollTask queries one task's status and normalizes the response into
// the shared event contract. Errors here are transient from the
// engine's point of view: the polling loop swallows them and retries on
// its next tick.
func (c *Client) PollTask(ctx context.Context, taskID string) (engine.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tasks/"+taskID, nil)
	if err != nil {
		return engine.Event{}, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return engine.Event{}, ragerrors.NewTransientError(err, "poll request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return engine.Event{}, ragerrors.NewTransientError(err, "poll response unreadable")
	}

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("poll %s: status %d", taskID, resp.StatusCode)
		if ragerrors.IsTransientHTTPStatus(resp.StatusCode) {
			return engine.Event{}, ragerrors.NewTransientError(err, "")
		}
		return engine.Event{}, ragerrors.NewPermanentError(err, "")
	}

	var decoded pollResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return engine.Event{}, ragerrors.NewTransientError(err, "poll response malformed")
	}

	status, ok := engine.ParseStatus(decoded.Status)
	if !ok {
		return engine.Event{}, ragerrors.NewTransientError(fmt.Errorf("poll %s: unknown status %q", taskID, decoded.Status), "")
	}

	return engine.Event{
		TaskID:       taskID,
		Status:       status,
		Result:       decodeResult(decoded.Result),
		ErrorMessage: decoded.Error,
		Source:       engine.SourcePoll,
	}, nil
}

func decodeResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
