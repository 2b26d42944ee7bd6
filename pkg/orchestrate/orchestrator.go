package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/crawler"
	"catalog-sync/pkg/fetch"
	"catalog-sync/pkg/models"
)

// SourceResult contains the result of syncing a single source
type SourceResult struct {
	SourceKey string
	Success   bool
	Error     error
	Report    *models.RunReport
	Duration  time.Duration
}

// Registry owns the runtime and controller of every source used by a process.
// Runtimes are built on first use and share one HTTP client.
type Registry struct {
	appCfg *config.AppConfig
	client *http.Client
	log    *logrus.Entry

	mu      sync.Mutex
	sources map[string]*Source
}

// Source pairs the runtime of a source with its controller
type Source struct {
	Runtime    *Runtime
	Controller *Controller
}

// NewRegistry creates an empty registry for appCfg
func NewRegistry(appCfg *config.AppConfig, log *logrus.Entry) *Registry {
	return &Registry{
		appCfg:  appCfg,
		client:  fetch.NewClient(appCfg.HTTPClientSettings, log),
		log:     log,
		sources: make(map[string]*Source),
	}
}

// Source returns the runtime and controller of sourceKey, building them on first use
func (r *Registry) Source(ctx context.Context, sourceKey string) (*Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[sourceKey]; ok {
		return s, nil
	}
	rt, err := BuildRuntime(ctx, r.appCfg, sourceKey, r.client, r.log)
	if err != nil {
		return nil, err
	}
	s := &Source{
		Runtime:    rt,
		Controller: NewController(rt.Crawler, r.log.WithField("source", sourceKey)),
	}
	r.sources[sourceKey] = s
	return s, nil
}

// StopAll asks every running source to stop and returns how many were running
func (r *Registry) StopAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sources {
		if s.Controller.Stop() {
			n++
		}
	}
	return n
}

// Close waits for running syncs to end and closes every catalog
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for key, s := range r.sources {
		_ = s.Controller.Wait(context.Background())
		if err := s.Runtime.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing '%s': %w", key, err))
		}
		delete(r.sources, key)
	}
	return errors.Join(errs...)
}

// Orchestrator runs one sync of several sources in parallel, one worker per source
type Orchestrator struct {
	appCfg     *config.AppConfig
	log        *logrus.Entry
	sourceKeys []string
	opts       crawler.RunOptions
	registry   *Registry

	results   []SourceResult
	resultsMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator creates an orchestrator over registry. The registry stays open after Run.
func NewOrchestrator(appCfg *config.AppConfig, registry *Registry, sourceKeys []string, opts crawler.RunOptions, log *logrus.Entry) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		appCfg:     appCfg,
		log:        log,
		sourceKeys: sourceKeys,
		opts:       opts,
		registry:   registry,
		results:    make([]SourceResult, 0, len(sourceKeys)),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run syncs all sources in parallel and waits for completion
func (o *Orchestrator) Run(parent context.Context) []SourceResult {
	startTime := time.Now()
	o.log.Infof("Starting sync of %d sources: %v", len(o.sourceKeys), o.sourceKeys)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-o.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	if o.appCfg.GlobalSyncTimeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, o.appCfg.GlobalSyncTimeout)
		defer timeoutCancel()
	}

	var wg sync.WaitGroup
	for _, sourceKey := range o.sourceKeys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			result := o.syncSource(ctx, key)
			o.resultsMu.Lock()
			o.results = append(o.results, result)
			o.resultsMu.Unlock()
		}(sourceKey)
	}
	wg.Wait()

	o.resultsMu.Lock()
	sort.Slice(o.results, func(i, j int) bool { return o.results[i].SourceKey < o.results[j].SourceKey })
	o.resultsMu.Unlock()

	o.logSummary(time.Since(startTime))
	return o.results
}

func (o *Orchestrator) syncSource(ctx context.Context, sourceKey string) SourceResult {
	startTime := time.Now()
	result := SourceResult{SourceKey: sourceKey}
	srcLog := o.log.WithField("source", sourceKey)

	src, err := o.registry.Source(ctx, sourceKey)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(startTime)
		srcLog.Errorf("Failed to prepare source: %v", err)
		return result
	}

	events, err := src.Controller.StartWith(ctx, o.opts)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(startTime)
		srcLog.Errorf("Failed to start sync: %v", err)
		return result
	}
	for ev := range events {
		LogEvent(srcLog, ev)
	}

	if err := src.Controller.Wait(context.Background()); err != nil {
		result.Error = err
		srcLog.Errorf("Sync failed: %v", err)
	} else {
		result.Success = true
	}
	result.Report = src.Runtime.Crawler.LastReport()
	result.Duration = time.Since(startTime)
	return result
}

// RunSources syncs sourceKeys once in parallel with a throwaway registry
func RunSources(ctx context.Context, appCfg *config.AppConfig, sourceKeys []string, opts crawler.RunOptions, log *logrus.Entry) []SourceResult {
	registry := NewRegistry(appCfg, log)
	defer func() {
		if err := registry.Close(); err != nil {
			log.Warnf("Closing catalogs: %v", err)
		}
	}()
	return NewOrchestrator(appCfg, registry, sourceKeys, opts, log).Run(ctx)
}

// Stop asks every source to halt at its next link boundary
func (o *Orchestrator) Stop() {
	o.log.Info("Stopping all syncs at the next link...")
	o.registry.StopAll()
}

// Cancel aborts all running syncs immediately
func (o *Orchestrator) Cancel() {
	o.log.Info("Cancelling all syncs...")
	o.cancel()
}

// LogEvent writes one progress event to log at a level matching its kind
func LogEvent(log *logrus.Entry, ev models.Event) {
	evLog := log.WithFields(logrus.Fields{"event": ev.Kind.String(), "type": ev.ContentType})
	switch ev.Kind {
	case models.EventError:
		evLog.Warn(ev.String())
	case models.EventPageStarted, models.EventTitle, models.EventNotice:
		evLog.Info(ev.String())
	default:
		evLog.Debug(ev.String())
	}
}

// logSummary logs a summary of all sync results
func (o *Orchestrator) logSummary(totalDuration time.Duration) {
	o.log.Info("============================================")
	o.log.Infof("Sync completed in %v", totalDuration)
	o.log.Info("Source Results:")

	var inserted, updated int
	successCount := 0
	failCount := 0

	for _, r := range o.results {
		status := "SUCCESS"
		if !r.Success {
			status = "FAILED"
			failCount++
		} else {
			successCount++
		}
		if r.Report != nil {
			inserted += r.Report.Inserted
			updated += r.Report.Updated
			o.log.Infof("  %s: %s - %d inserted, %d updated, %d skipped, %d failed in %v (%s)",
				r.SourceKey, status, r.Report.Inserted, r.Report.Updated, r.Report.Skipped, r.Report.Failed,
				r.Duration.Round(time.Millisecond), r.Report.StopReason)
		} else {
			o.log.Infof("  %s: %s in %v", r.SourceKey, status, r.Duration.Round(time.Millisecond))
		}
		if r.Error != nil {
			o.log.Infof("    Error: %v", r.Error)
		}
	}

	o.log.Info("--------------------------------------------")
	o.log.Infof("Total: %d sources (%d success, %d failed), %d inserted, %d updated",
		len(o.results), successCount, failCount, inserted, updated)
	o.log.Info("============================================")
}

// ValidateSourceKeys checks that all provided source keys exist in the config
func ValidateSourceKeys(appCfg *config.AppConfig, sourceKeys []string) error {
	for _, key := range sourceKeys {
		if _, exists := appCfg.Sources[key]; !exists {
			return fmt.Errorf("source '%s' not found. Available sources: %v", key, GetAllSourceKeys(appCfg))
		}
	}
	return nil
}

// GetAllSourceKeys returns all source keys from the config, sorted
func GetAllSourceKeys(appCfg *config.AppConfig) []string {
	keys := make([]string, 0, len(appCfg.Sources))
	for k := range appCfg.Sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
