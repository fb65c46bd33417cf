package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ragline/internal/auth"
	"ragline/internal/chat"
	ragerrors "ragline/internal/errors"
	"ragline/internal/logging"
)

// BackendClient is the black-box request/response surface the engine
// needs from the backend: enqueue a prompt, query a task's status.
type BackendClient interface {
	SubmitTask(ctx context.Context, prompt string) (string, error)
	PollTask(ctx context.Context, taskID string) (Event, error)
}

// Options carries the engine's tunables. Zero values fall back to the
// reference timings.
type Options struct {
	PushURL           string
	PollInterval      time.Duration // reference: 3 s
	TaskTimeout       time.Duration // reference: 15 min
	ReconnectAttempts int           // reconnects allowed over the engine lifetime
	ReconnectBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.PollInterval <= 0 {
		out.PollInterval = 3 * time.Second
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = 15 * time.Minute
	}
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = 2 * time.Second
	}
	return out
}

// Engine wires the submission API, the reconciler, and the two
// observers together and owns their lifetimes. One engine serves one
// client session.
type Engine struct {
	opts    Options
	client  BackendClient
	history chat.Store
	creds   auth.CredentialProvider
	logger  logging.Logger
	metrics *Metrics

	rec *Reconciler

	lifecycle context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group

	mu      sync.Mutex
	channel *StatusChannel

	closeOnce sync.Once
}

// New assembles an engine. The push channel is not opened until Start;
// submissions made before then settle through polling alone.
func New(opts Options, client BackendClient, history chat.Store, creds auth.CredentialProvider, logger logging.Logger, metrics *Metrics) *Engine {
	logger = logging.OrNop(logger)

	e := &Engine{
		opts:    opts.withDefaults(),
		client:  client,
		history: history,
		creds:   creds,
		logger:  logger,
		metrics: metrics,
	}
	e.lifecycle, e.cancel = context.WithCancel(context.Background())
	e.group, _ = errgroup.WithContext(e.lifecycle)
	e.rec = NewReconciler(history, e.startPollFor, logger, metrics)
	return e
}

// Reconciler exposes the event sink, mainly for tests and for wiring
// external frame sources.
func (e *Engine) Reconciler() *Reconciler {
	return e.rec
}

// Start opens the push channel and begins watching it for faults. A
// failed dial is not fatal: the engine logs the fault and keeps running
// on the polling fallback, which makes progress on every task
// regardless of channel health.
func (e *Engine) Start(ctx context.Context) error {
	ch, err := e.dial(ctx)
	if err != nil {
		e.logger.Warn("push channel unavailable, continuing on polling only: %v", err)
	} else {
		e.setChannel(ch)
	}

	e.group.Go(func() error {
		e.watchChannel()
		return nil
	})
	return nil
}

// Close tears down the session: channel, pollers, reconciler loop. All
// timers owned by registered tasks are cancelled; no history appends
// happen afterwards. Safe to call multiple times.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		if ch := e.currentChannel(); ch != nil {
			ch.Close()
		}
		e.rec.Close()
		_ = e.group.Wait()
	})
}

// InFlight reports the number of unsettled tasks.
func (e *Engine) InFlight() int {
	return e.rec.InFlight()
}

// ChannelState reports the push connection state, ChannelClosed when no
// connection was ever established.
func (e *Engine) ChannelState() ChannelState {
	if ch := e.currentChannel(); ch != nil {
		return ch.State()
	}
	return ChannelClosed
}

func (e *Engine) startPollFor(taskID string, createdAt time.Time) func() {
	cfg := PollConfig{
		Interval: e.opts.PollInterval,
		Deadline: createdAt.Add(e.opts.TaskTimeout),
	}
	return StartPoll(e.lifecycle, taskID, cfg, e.client.PollTask, e.rec, e.logger, e.metrics)
}

func (e *Engine) dial(ctx context.Context) (*StatusChannel, error) {
	credential := ""
	if e.creds != nil {
		token, err := e.creds.Credential(ctx)
		if err != nil {
			return nil, err
		}
		credential = token
	}
	return DialChannel(ctx, e.opts.PushURL, credential, e.rec, e.logger, e.metrics)
}

func (e *Engine) setChannel(ch *StatusChannel) {
	e.mu.Lock()
	e.channel = ch
	e.mu.Unlock()
}

func (e *Engine) currentChannel() *StatusChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

// watchChannel consumes channel-level fault signals and applies the
// bounded reconnect policy. A channel fault never fails a task: the
// polling loops keep making progress while reconnection is attempted,
// and a reconnect always produces a fresh StatusChannel instance.
func (e *Engine) watchChannel() {
	remaining := e.opts.ReconnectAttempts

	for {
		ch := e.currentChannel()
		if ch == nil {
			return
		}

		select {
		case <-e.lifecycle.Done():
			return
		case err := <-ch.Faults():
			e.logger.Warn("push channel fault: %v", err)
			if remaining <= 0 {
				e.logger.Error("reconnect budget exhausted, continuing on polling only")
				return
			}
			remaining--

			var next *StatusChannel
			retryCfg := ragerrors.RetryConfig{
				MaxAttempts:  1,
				BaseDelay:    e.opts.ReconnectBackoff,
				MaxDelay:     e.opts.ReconnectBackoff * 4,
				JitterFactor: 0.25,
			}
			dialErr := ragerrors.RetryWithLog(e.lifecycle, retryCfg, func(ctx context.Context) error {
				replacement, err := e.dial(ctx)
				if err != nil {
					return err
				}
				next = replacement
				return nil
			}, e.logger)
			if dialErr != nil {
				e.logger.Error("push channel reconnect failed, continuing on polling only: %v", dialErr)
				return
			}
			e.setChannel(next)
			e.logger.Info("push channel reconnected")
		}
	}
}
