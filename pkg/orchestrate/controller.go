package orchestrate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"catalog-sync/pkg/crawler"
	"catalog-sync/pkg/models"
)

// ErrAlreadyRunning is returned by Start while a run of the same source is in progress
var ErrAlreadyRunning = errors.New("sync already running")

const eventBuffer = 256

// Runner performs one sync run; *crawler.Crawler satisfies it
type Runner interface {
	Run(ctx context.Context, opts crawler.RunOptions, stop *atomic.Bool, events chan<- models.Event) error
}

// Controller is the start/stop surface of one source. At most one run is active at a time.
type Controller struct {
	runner Runner
	log    *logrus.Entry

	sem     *semaphore.Weighted
	stop    atomic.Bool
	running atomic.Bool

	mu      sync.Mutex
	done    chan struct{}
	lastErr error
}

// NewController wraps runner
func NewController(runner Runner, log *logrus.Entry) *Controller {
	return &Controller{
		runner: runner,
		log:    log,
		sem:    semaphore.NewWeighted(1),
	}
}

// Start launches a run in the background and returns its event stream.
// The stream is closed when the run ends; call Wait for its outcome.
func (c *Controller) Start(ctx context.Context, fullSync bool) (<-chan models.Event, error) {
	return c.StartWith(ctx, crawler.RunOptions{FullSync: fullSync})
}

// StartWith is Start with explicit run options
func (c *Controller) StartWith(ctx context.Context, opts crawler.RunOptions) (<-chan models.Event, error) {
	if !c.sem.TryAcquire(1) {
		return nil, ErrAlreadyRunning
	}
	c.stop.Store(false)
	c.running.Store(true)

	done := make(chan struct{})
	c.mu.Lock()
	c.done = done
	c.lastErr = nil
	c.mu.Unlock()

	events := make(chan models.Event, eventBuffer)
	go func() {
		defer c.sem.Release(1)
		err := c.runner.Run(ctx, opts, &c.stop, events)
		if err != nil {
			c.log.WithError(err).Warn("Sync run ended with error")
		}
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.running.Store(false)
		close(done)
	}()
	return events, nil
}

// Stop asks the active run to halt at its next link boundary. Returns false if nothing is running.
func (c *Controller) Stop() bool {
	if !c.running.Load() {
		return false
	}
	c.stop.Store(true)
	c.log.Info("Stop requested")
	return true
}

// Running reports whether a run is in progress
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Wait blocks until the most recent run ends and returns its error. Returns nil if no run was started.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
