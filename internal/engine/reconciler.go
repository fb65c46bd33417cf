package engine

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"ragline/internal/async"
	"ragline/internal/chat"
	"ragline/internal/logging"
)

// settledCacheSize bounds the memory kept for distinguishing late
// duplicates from events that were never registered.
const settledCacheSize = 256

// HistorySink is the reconciler's output contract: an ordered,
// append-only consumer of finalized chat entries.
type HistorySink interface {
	Append(msg chat.Message)
}

// PollStarter launches the fallback polling loop for a task and returns
// its idempotent cancel func.
type PollStarter func(taskID string, createdAt time.Time) (cancel func())

// TaskHandle is the observable side of one submitted task. Done is
// closed exactly once, when the task settles or the session is torn
// down.
type TaskHandle struct {
	ID string

	finalStatus Status
	finalSource Source
	settled     bool
	done        chan struct{}
}

// Done is closed when the task has settled or been torn down.
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// Final reports the terminal status and which observer produced it.
// Valid only after Done; ok is false when the session was torn down
// before the task settled.
func (h *TaskHandle) Final() (status Status, source Source, ok bool) {
	return h.finalStatus, h.finalSource, h.settled
}

type trackedTask struct {
	id         string
	status     Status
	createdAt  time.Time
	cancelPoll func()
	handle     *TaskHandle
}

// Reconciler owns the in-flight task map and is the single place that
// decides a task is done. Events from the push channel and the polling
// loops race toward it on equal terms; the first terminal event for a
// task wins and every later one is discarded.
//
// All state lives behind one event loop goroutine. Observer callbacks
// only post closures onto that loop, so the map needs no locks, only
// ordering discipline: events for one task are applied in the order
// they arrive.
type Reconciler struct {
	history   HistorySink
	startPoll PollStarter
	logger    logging.Logger
	metrics   *Metrics

	ops     chan func()
	quit    chan struct{}
	stopped chan struct{}

	closeOnce sync.Once

	// Loop-owned state. Never touched outside the loop goroutine.
	tasks   map[string]*trackedTask
	settled *lru.Cache[string, Status]
}

// NewReconciler builds and starts a reconciler. startPoll is invoked
// from the loop on each registration; it must not block.
func NewReconciler(history HistorySink, startPoll PollStarter, logger logging.Logger, metrics *Metrics) *Reconciler {
	logger = logging.OrNop(logger)
	settled, _ := lru.New[string, Status](settledCacheSize)

	r := &Reconciler{
		history:   history,
		startPoll: startPoll,
		logger:    logger,
		metrics:   metrics,
		ops:       make(chan func(), 64),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		tasks:     make(map[string]*trackedTask),
		settled:   settled,
	}
	async.Go(logger, "reconciler-loop", r.loop)
	return r
}

// Register adds a task to the in-flight map and starts its polling
// fallback. The push subscription needs no per-task setup: channel
// events are matched against the map by id.
func (r *Reconciler) Register(taskID string, createdAt time.Time) *TaskHandle {
	handle := &TaskHandle{ID: taskID, done: make(chan struct{})}
	r.post(func() {
		if _, exists := r.tasks[taskID]; exists {
			r.logger.Warn("task %s already registered, ignoring duplicate registration", taskID)
			close(handle.done)
			return
		}
		t := &trackedTask{
			id:        taskID,
			status:    StatusQueued,
			createdAt: createdAt,
			handle:    handle,
		}
		r.tasks[taskID] = t
		if r.metrics != nil {
			r.metrics.InFlightTasks.Inc()
		}
		if r.startPoll != nil {
			t.cancelPoll = r.startPoll(taskID, createdAt)
		}
		r.logger.Debug("task %s registered", taskID)
	})
	return handle
}

// HandleEvent feeds one observer event into the loop. Implements
// EventSink for both the channel and the pollers.
func (r *Reconciler) HandleEvent(ev Event) {
	r.post(func() { r.apply(ev) })
}

// HandleBroadcast forwards a task-free chat broadcast straight to
// history as an Ai entry.
func (r *Reconciler) HandleBroadcast(content string) {
	r.post(func() {
		r.history.Append(chat.NewMessage(chat.KindAi, content))
	})
}

// InFlight reports how many tasks are still awaiting a terminal status.
func (r *Reconciler) InFlight() int {
	reply := make(chan int, 1)
	r.post(func() { reply <- len(r.tasks) })
	select {
	case n := <-reply:
		return n
	case <-r.stopped:
		return 0
	}
}

// Close tears down the loop: every in-flight task's poller is cancelled
// and its handle released. Safe to call multiple times; returns once
// the loop has exited.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	<-r.stopped
}

func (r *Reconciler) post(op func()) {
	select {
	case <-r.quit:
		return
	default:
	}
	select {
	case r.ops <- op:
	case <-r.quit:
	}
}

func (r *Reconciler) loop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.quit:
			r.teardownAll()
			return
		case op := <-r.ops:
			r.runGuarded(op)
		}
	}
}

// runGuarded isolates a panic in one task's callback from the map and
// from other tasks' events.
func (r *Reconciler) runGuarded(op func()) {
	defer async.Recover(r.logger, "reconciler-op")
	op()
}

func (r *Reconciler) apply(ev Event) {
	if r.metrics != nil {
		r.metrics.EventsTotal.WithLabelValues(string(ev.Source), ev.Status.String()).Inc()
	}

	t, ok := r.tasks[ev.TaskID]
	if !ok {
		if _, late := r.settled.Get(ev.TaskID); late {
			if r.metrics != nil {
				r.metrics.DuplicatesDiscarded.Inc()
			}
			r.logger.Debug("discarding %s event from %s for settled task %s", ev.Status, ev.Source, ev.TaskID)
			return
		}
		if r.metrics != nil {
			r.metrics.UnknownTaskEvents.Inc()
		}
		r.logger.Warn("dropping event for unknown task %s (status %s from %s)", ev.TaskID, ev.Status, ev.Source)
		return
	}

	if !ev.Status.Terminal() {
		if ev.Status > t.status {
			t.status = ev.Status
		}
		r.history.Append(chat.NewMessage(chat.KindSystem, progressText(ev)))
		return
	}

	if t.status.Terminal() {
		// Unreachable with the current teardown order, kept as the
		// written form of the idempotence rule.
		if r.metrics != nil {
			r.metrics.DuplicatesDiscarded.Inc()
		}
		return
	}

	r.settle(t, ev)
}

// settle applies the one terminal transition a task ever receives.
func (r *Reconciler) settle(t *trackedTask, ev Event) {
	t.status = ev.Status
	r.history.Append(terminalMessage(ev))

	if t.cancelPoll != nil {
		t.cancelPoll()
	}
	delete(r.tasks, t.id)
	r.settled.Add(t.id, ev.Status)
	if r.metrics != nil {
		r.metrics.InFlightTasks.Dec()
	}

	t.handle.finalStatus = ev.Status
	t.handle.finalSource = ev.Source
	t.handle.settled = true
	close(t.handle.done)

	r.logger.Info("task %s settled as %s via %s after %s", t.id, ev.Status, ev.Source, time.Since(t.createdAt).Round(time.Millisecond))
}

func (r *Reconciler) teardownAll() {
	for id, t := range r.tasks {
		if t.cancelPoll != nil {
			t.cancelPoll()
		}
		close(t.handle.done)
		delete(r.tasks, id)
		if r.metrics != nil {
			r.metrics.InFlightTasks.Dec()
		}
	}
}

func progressText(ev Event) string {
	if ev.Log != "" {
		return ev.Log
	}
	return fmt.Sprintf("task %s is %s", ev.TaskID, ev.Status)
}

func terminalMessage(ev Event) chat.Message {
	switch ev.Status {
	case StatusCompleted:
		content := ev.Result
		if content == "" {
			// Empty payload still counts as completed; show a
			// best-effort fallback instead of failing the task.
			content = fmt.Sprintf("task %s completed without a result payload", ev.TaskID)
		}
		return chat.NewMessage(chat.KindAi, content)
	case StatusTimedOut:
		msg := ev.ErrorMessage
		if msg == "" {
			msg = timeoutMessage
		}
		return chat.NewMessage(chat.KindError, msg)
	default:
		msg := ev.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("task %s failed", ev.TaskID)
		}
		return chat.NewMessage(chat.KindError, msg)
	}
}
