package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Politeness throttles back-to-back fetches of one fetcher instance.
// A random delay d in [min, max] is drawn before every request; when the previous fetch
// completed less than d ago the request waits d.
type Politeness struct {
	min, max time.Duration
	lastDone time.Time
	mu       sync.Mutex
	sleep    func(ctx context.Context, d time.Duration) error
	log      *logrus.Entry
}

// NewPoliteness creates a Politeness window. A zero window disables throttling.
func NewPoliteness(min, max time.Duration, log *logrus.Entry) *Politeness {
	if max < min {
		max = min
	}
	return &Politeness{min: min, max: max, sleep: sleepContext, log: log}
}

// Wait blocks for the drawn delay when the previous fetch completed inside it.
// Returns the context error if cancelled while waiting.
func (p *Politeness) Wait(ctx context.Context) error {
	if p.max <= 0 {
		return nil
	}

	p.mu.Lock()
	last := p.lastDone
	p.mu.Unlock()
	if last.IsZero() {
		return nil
	}

	d := p.draw()
	elapsed := time.Since(last)
	if elapsed >= d {
		return nil
	}

	p.log.WithFields(logrus.Fields{"delay": d, "elapsed": elapsed}).Debug("Politeness delay")
	return p.sleep(ctx, d)
}

// Done records the completion time of a fetch
func (p *Politeness) Done() {
	p.mu.Lock()
	p.lastDone = time.Now()
	p.mu.Unlock()
}

func (p *Politeness) draw() time.Duration {
	span := int64(p.max - p.min)
	if span <= 0 {
		return p.min
	}
	return p.min + time.Duration(rand.Int63n(span+1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
