package engine

import (
	"context"
	"sync"
	"time"

	"ragline/internal/async"
	"ragline/internal/logging"
)

// PollFunc queries the backend for one task's current status.
type PollFunc func(ctx context.Context, taskID string) (Event, error)

// PollConfig controls one polling loop.
type PollConfig struct {
	Interval time.Duration // time between status queries
	Deadline time.Time     // wall-clock point at which TimedOut is synthesized
}

// timeoutMessage is the user-visible text for a deadline-settled task.
const timeoutMessage = "result wait timed out"

// StartPoll launches the fallback polling loop for one task. The loop
// runs in parallel with the push channel regardless of channel health:
// the redundancy bounds total latency even when the channel is silently
// broken.
//
// Every successful query is forwarded to the sink as a regular Event.
// Transient query failures are swallowed and retried on the next tick;
// they neither settle the task nor move the deadline. When the deadline
// passes without a terminal status the loop synthesizes a TimedOut
// event and stops.
//
// The returned cancel func is idempotent and safe to call after the
// loop has already stopped.
func StartPoll(ctx context.Context, taskID string, cfg PollConfig, poll PollFunc, sink EventSink, logger logging.Logger, metrics *Metrics) (cancel func()) {
	logger = logging.OrNop(logger)

	stop := make(chan struct{})
	var stopOnce sync.Once
	cancel = func() {
		stopOnce.Do(func() { close(stop) })
	}

	async.Go(logger, "poll-"+taskID, func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		deadline := time.NewTimer(time.Until(cfg.Deadline))
		defer deadline.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-deadline.C:
				if metrics != nil {
					metrics.Timeouts.Inc()
				}
				logger.Warn("task %s exceeded its deadline, synthesizing timeout", taskID)
				sink.HandleEvent(Event{
					TaskID:       taskID,
					Status:       StatusTimedOut,
					ErrorMessage: timeoutMessage,
					Source:       SourcePoll,
				})
				return
			case <-ticker.C:
				ev, err := poll(ctx, taskID)
				if err != nil {
					if metrics != nil {
						metrics.PollFailures.Inc()
					}
					logger.Debug("poll for task %s failed, retrying next tick: %v", taskID, err)
					continue
				}
				ev.TaskID = taskID
				ev.Source = SourcePoll
				sink.HandleEvent(ev)
				if ev.Status.Terminal() {
					return
				}
			}
		}
	})

	return cancel
}
