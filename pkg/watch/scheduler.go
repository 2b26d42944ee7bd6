package watch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/crawler"
	"catalog-sync/pkg/orchestrate"
)

// Options control the watch schedule
type Options struct {
	Interval    time.Duration // time between runs of one source
	FullEvery   time.Duration // time between full syncs; 0 = every run is full
	ForceUpdate bool
}

// Scheduler re-syncs sources periodically. Incremental runs rely on auto-stop to end early;
// a full sync of both content types is made every FullEvery.
type Scheduler struct {
	appCfg       *config.AppConfig
	registry     *orchestrate.Registry
	sourceKeys   []string
	opts         Options
	log          *logrus.Entry
	stateManager *StateManager

	busy atomic.Bool
	wg   sync.WaitGroup
}

// NewScheduler creates a new watch scheduler over registry
func NewScheduler(appCfg *config.AppConfig, registry *orchestrate.Registry, sourceKeys []string, opts Options, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		appCfg:       appCfg,
		registry:     registry,
		sourceKeys:   sourceKeys,
		opts:         opts,
		log:          log,
		stateManager: NewStateManager(appCfg.StateDir),
	}
}

// Run starts the watch loop and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.stateManager.Load(); err != nil {
		s.log.Warnf("Failed to load watch state: %v (starting fresh)", err)
	}

	s.log.Infof("Starting watch mode for %d sources with interval %v (full sync every %v)",
		len(s.sourceKeys), FormatInterval(s.opts.Interval), FormatInterval(s.opts.FullEvery))
	s.logSchedule()

	s.startDue(ctx)

	ticker := time.NewTicker(s.calculateTickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Watch scheduler shutting down...")
			s.registry.StopAll()
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.startDue(ctx)
		}
	}
}

// startDue launches a batch in the background unless the previous one is still running
func (s *Scheduler) startDue(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Debug("Previous batch still running, skipping tick")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)
		s.RunOnce(ctx)
	}()
}

// RunOnce syncs every due source and records the outcomes. Returns the results of this batch.
func (s *Scheduler) RunOnce(ctx context.Context) []orchestrate.SourceResult {
	full, incremental := s.getDueSources()
	if len(full)+len(incremental) == 0 {
		s.logNextRun()
		return nil
	}

	var results []orchestrate.SourceResult
	for _, batch := range []struct {
		keys []string
		full bool
	}{{full, true}, {incremental, false}} {
		if len(batch.keys) == 0 || ctx.Err() != nil {
			continue
		}
		s.log.Infof("Running %s sync for %d due sources: %v", syncKind(batch.full), len(batch.keys), batch.keys)
		opts := crawler.RunOptions{FullSync: batch.full, ForceUpdate: s.opts.ForceUpdate}
		batchResults := orchestrate.NewOrchestrator(s.appCfg, s.registry, batch.keys, opts, s.log).Run(ctx)
		for _, r := range batchResults {
			s.stateManager.Record(r.SourceKey, outcomeOf(r, batch.full))
		}
		results = append(results, batchResults...)
	}

	if err := s.stateManager.Save(); err != nil {
		s.log.Errorf("Failed to save watch state: %v", err)
	}
	s.logNextRun()
	return results
}

func outcomeOf(r orchestrate.SourceResult, full bool) RunOutcome {
	out := RunOutcome{Success: r.Success, FullSync: full, Err: r.Error}
	if r.Report != nil {
		out.Inserted = r.Report.Inserted
		out.Updated = r.Report.Updated
		out.StopReason = r.Report.StopReason
	}
	return out
}

func syncKind(full bool) string {
	if full {
		return "full"
	}
	return "incremental"
}

// getDueSources splits the due sources into those needing a full sync and the rest
func (s *Scheduler) getDueSources() (full, incremental []string) {
	for _, key := range s.sourceKeys {
		if !s.stateManager.ShouldRun(key, s.opts.Interval) {
			continue
		}
		if s.stateManager.ShouldRunFull(key, s.opts.FullEvery) {
			full = append(full, key)
		} else {
			incremental = append(incremental, key)
		}
	}
	return full, incremental
}

// calculateTickInterval returns how often to check for due sources
func (s *Scheduler) calculateTickInterval() time.Duration {
	checkInterval := s.opts.Interval / 10
	if checkInterval < time.Minute {
		checkInterval = time.Minute
	}
	if checkInterval > 10*time.Minute {
		checkInterval = 10 * time.Minute
	}
	return checkInterval
}

func (s *Scheduler) logSchedule() {
	s.log.Info("Watch schedule:")
	for _, key := range s.sourceKeys {
		state, exists := s.stateManager.GetSourceState(key)
		if !exists {
			s.log.Infof("  %s: never run, will run immediately", key)
			continue
		}
		status := "success"
		if !state.LastRunSuccess {
			status = "failed"
		}
		s.log.Infof("  %s: last run %v (%s, %d inserted, %d updated), next run %v",
			key,
			state.LastRunTime.Format(time.RFC3339),
			status,
			state.Inserted,
			state.Updated,
			s.stateManager.GetNextRunTime(key, s.opts.Interval).Format(time.RFC3339))
	}
}

func (s *Scheduler) logNextRun() {
	type next struct {
		source string
		at     time.Time
	}
	var nextRuns []next
	for _, key := range s.sourceKeys {
		nextRuns = append(nextRuns, next{key, s.stateManager.GetNextRunTime(key, s.opts.Interval)})
	}
	sort.Slice(nextRuns, func(i, j int) bool { return nextRuns[i].at.Before(nextRuns[j].at) })

	if len(nextRuns) > 0 {
		n := nextRuns[0]
		until := time.Until(n.at)
		if until < 0 {
			until = 0
		}
		s.log.Infof("Next sync: %s in %v (at %s)", n.source, until.Round(time.Second), n.at.Format("15:04:05"))
	}
}

// GetStatus returns the current status of all watched sources
func (s *Scheduler) GetStatus() map[string]SourceStatus {
	status := make(map[string]SourceStatus, len(s.sourceKeys))
	for _, key := range s.sourceKeys {
		state, exists := s.stateManager.GetSourceState(key)
		status[key] = SourceStatus{
			SourceKey:   key,
			State:       state,
			NextRunTime: s.stateManager.GetNextRunTime(key, s.opts.Interval),
			NextIsFull:  s.stateManager.ShouldRunFull(key, s.opts.FullEvery),
			NeverRun:    !exists,
		}
	}
	return status
}

// SourceStatus contains the status of a watched source
type SourceStatus struct {
	SourceKey   string
	State       SourceState
	NextRunTime time.Time
	NextIsFull  bool
	NeverRun    bool
}

// FormatInterval formats a duration for display
func FormatInterval(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		if mins > 0 {
			return fmt.Sprintf("%dh%dm", hours, mins)
		}
		return fmt.Sprintf("%dh", hours)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours > 0 {
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return fmt.Sprintf("%dd", days)
}

// ParseInterval parses a duration string with support for days
func ParseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	var days int
	var remaining string
	n, _ := fmt.Sscanf(s, "%dd%s", &days, &remaining)
	if n >= 1 {
		d = time.Duration(days) * 24 * time.Hour
		if remaining != "" {
			extra, err := time.ParseDuration(remaining)
			if err != nil {
				return 0, fmt.Errorf("invalid interval format: %s", s)
			}
			d += extra
		}
		return d, nil
	}

	return 0, fmt.Errorf("invalid interval format: %s (examples: 30m, 1h, 24h, 7d)", s)
}
