package engine

import (
	"encoding/json"
	"strings"
)

// Status is the lifecycle state of a task. Transitions are forward-only
// and nothing leaves a terminal state.
type Status int

const (
	StatusQueued Status = iota
	StatusProcessing
	StatusCompleted
	StatusErrored
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusErrored:
		return "errored"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are valid.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusTimedOut:
		return true
	}
	return false
}

// ParseStatus maps the backend's wire spellings onto Status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending":
		return StatusQueued, true
	case "processing", "running", "in_progress":
		return StatusProcessing, true
	case "completed", "complete", "done", "success":
		return StatusCompleted, true
	case "error", "errored", "failed":
		return StatusErrored, true
	case "timeout", "timed_out":
		return StatusTimedOut, true
	}
	return StatusQueued, false
}

// Source identifies which observer produced an event. Retained for
// diagnostics only; reconciliation treats both sources identically.
type Source string

const (
	SourceChannel Source = "channel"
	SourcePoll    Source = "poll"
)

// Event is the shared contract between both observers and the
// reconciler. Channel frames and poll responses are normalized into
// this one shape, which is what makes source-agnostic reconciliation
// possible.
type Event struct {
	TaskID       string
	Status       Status
	Result       string // payload, present on Completed
	ErrorMessage string // present on Errored / TimedOut
	Log          string // progress text on non-terminal updates
	Source       Source
}

// FrameKind classifies an inbound push frame.
type FrameKind int

const (
	// FrameTaskUpdate carries a status event correlated to a task id.
	FrameTaskUpdate FrameKind = iota
	// FrameBroadcast is a generic chat message with no task correlation.
	FrameBroadcast
	// FrameMalformed is anything that fails to parse or lacks the
	// minimum shape. Malformed frames are logged and dropped.
	FrameMalformed
)

// pushFrame is the loose wire shape of a push frame. The backend sends
// the task id as either "taskId" or "stage" depending on the producer.
type pushFrame struct {
	TaskID  string          `json:"taskId"`
	Stage   string          `json:"stage"`
	Status  string          `json:"status"`
	Log     string          `json:"log"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

// ClassifyFrame decodes one inbound frame into a tagged variant. The
// returned Event is valid only for FrameTaskUpdate; the returned string
// only for FrameBroadcast.
func ClassifyFrame(data []byte) (Event, string, FrameKind) {
	var frame pushFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Event{}, "", FrameMalformed
	}

	taskID := strings.TrimSpace(frame.TaskID)
	if taskID == "" {
		taskID = strings.TrimSpace(frame.Stage)
	}

	if taskID != "" {
		status, ok := ParseStatus(frame.Status)
		if !ok {
			return Event{}, "", FrameMalformed
		}
		ev := Event{
			TaskID:       taskID,
			Status:       status,
			Result:       decodePayload(frame.Data),
			ErrorMessage: frame.Error,
			Log:          frame.Log,
			Source:       SourceChannel,
		}
		return ev, "", FrameTaskUpdate
	}

	if msg := strings.TrimSpace(frame.Message); msg != "" {
		return Event{}, msg, FrameBroadcast
	}

	return Event{}, "", FrameMalformed
}

// decodePayload renders the result payload as text. String payloads are
// unquoted; structured payloads keep their JSON encoding so downstream
// can still show something useful.
func decodePayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
