package engine

import (
	"context"
	"fmt"
	"time"

	"ragline/internal/chat"
)

// Submit enqueues a prompt with the backend and registers the resulting
// task for dual-channel tracking. The user entry and a System entry
// announcing the queued task id are appended on success; a failed
// submission appends a single Error entry and registers nothing, so no
// observers ever exist for a task the backend never created.
func (e *Engine) Submit(ctx context.Context, prompt string) (*TaskHandle, error) {
	e.history.Append(chat.NewMessage(chat.KindUser, prompt))

	taskID, err := e.client.SubmitTask(ctx, prompt)
	if err != nil {
		e.history.Append(chat.NewMessage(chat.KindError, err.Error()))
		return nil, err
	}

	e.history.Append(chat.NewMessage(chat.KindSystem, fmt.Sprintf("task %s queued", taskID)))
	handle := e.rec.Register(taskID, time.Now())
	e.logger.Info("task %s submitted", taskID)
	return handle, nil
}

// ClearHistory resets the chat log. Teardown of in-flight observers is
// deliberately not coupled to this: pollers and timers are released by
// the reconciler on terminal transition or by Close, never by a history
// reset.
func (e *Engine) ClearHistory() error {
	return e.history.Clear()
}

// History exposes the session's message log.
func (e *Engine) History() []chat.Message {
	return e.history.Messages()
}
