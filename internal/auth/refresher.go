package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ragline/internal/logging"
)

const resolveTimeout = 10 * time.Second

// Refresher keeps a cached credential fresh by re-resolving it from the
// underlying provider on a fixed interval. A reconnecting channel then
// always dials with a current token instead of one that expired while
// the previous connection was up.
type Refresher struct {
	source   CredentialProvider
	interval time.Duration
	logger   logging.Logger

	cron     *cron.Cron
	stopOnce sync.Once

	mu     sync.RWMutex
	cached string
	have   bool
}

// NewRefresher wraps source with interval-based refresh. The reference
// interval is 60 s.
func NewRefresher(source CredentialProvider, interval time.Duration, logger logging.Logger) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		source:   source,
		interval: interval,
		logger:   logging.OrNop(logger),
	}
}

// Start begins the periodic refresh check. Safe to skip entirely; the
// first Credential call resolves lazily either way.
func (r *Refresher) Start() error {
	if r.cron != nil {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := c.AddFunc(spec, r.refresh); err != nil {
		return fmt.Errorf("schedule credential refresh: %w", err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts refreshing. Safe to call multiple times.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		if r.cron != nil {
			<-r.cron.Stop().Done()
		}
	})
}

// Credential returns the cached token, resolving it on first use.
func (r *Refresher) Credential(ctx context.Context) (string, error) {
	r.mu.RLock()
	cached, have := r.cached, r.have
	r.mu.RUnlock()
	if have {
		return cached, nil
	}

	token, err := r.source.Credential(ctx)
	if err != nil {
		return "", err
	}
	r.store(token)
	return token, nil
}

func (r *Refresher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	token, err := r.source.Credential(ctx)
	if err != nil {
		// Keep the last known token; the next tick tries again.
		r.logger.Warn("credential refresh failed: %v", err)
		return
	}
	r.store(token)
}

func (r *Refresher) store(token string) {
	r.mu.Lock()
	if token != r.cached {
		r.logger.Debug("credential rotated")
	}
	r.cached = token
	r.have = true
	r.mu.Unlock()
}
