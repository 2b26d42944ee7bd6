package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/catalog"
	"catalog-sync/pkg/config"
	"catalog-sync/pkg/extract"
	"catalog-sync/pkg/fetch"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/parse"
	"catalog-sync/pkg/utils"
)

// RunOptions selects what one sync run covers
type RunOptions struct {
	FullSync    bool               // Run both content types, one after the other
	StartType   models.ContentType // Unknown = first type with a listing template
	ForceUpdate bool               // Treat every stored title as stale
}

// Components are the per-source collaborators of a Crawler
type Components struct {
	Fetcher   fetch.PageFetcher
	Extractor *extract.Extractor
	Media     MediaResolver
	Catalog   catalog.Catalog
	Output    *OutputManager // nil = no run report
}

// Crawler synchronizes the catalog with one configured source.
// A Crawler runs one sync at a time; all run state lives in runState.
type Crawler struct {
	log       *logrus.Entry // Logger contextualized with source
	sourceKey string
	srcCfg    *config.SourceConfig
	syncCfg   config.SyncConfig
	base      *url.URL
	baseOpts  fetch.FetchOptions

	fetcher   fetch.PageFetcher
	extractor *extract.Extractor
	media     MediaResolver
	catalog   catalog.Catalog
	output    *OutputManager

	mu   sync.Mutex
	last *models.RunReport
}

// halt says why a half of the run ended
type halt string

const (
	haltExhausted halt = "exhausted"
	haltStop      halt = "stop_requested"
	haltAutoStop  halt = "auto_stop"
)

// runState is the mutable state of one run, owned by the worker running it
type runState struct {
	contentType models.ContentType
	page        int // page index within the current half
	skipStreak  int
	seen        *bloom.BloomFilter
	seenExact   map[string]struct{}
	durations   *movingAverage
	report      *models.RunReport
	events      chan<- models.Event
}

// NewCrawler creates a Crawler for one source. srcCfg and syncCfg must have been validated.
func NewCrawler(sourceKey string, srcCfg *config.SourceConfig, syncCfg config.SyncConfig, comp Components, userAgent string, baseLogger *logrus.Entry) (*Crawler, error) {
	base, err := url.Parse(srcCfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: base_url %q of source '%s'", utils.ErrConfigValidation, srcCfg.BaseURL, sourceKey)
	}
	if comp.Fetcher == nil || comp.Extractor == nil || comp.Media == nil || comp.Catalog == nil {
		return nil, fmt.Errorf("crawler for source '%s' is missing a component", sourceKey)
	}
	return &Crawler{
		log:       baseLogger.WithField("source", sourceKey),
		sourceKey: sourceKey,
		srcCfg:    srcCfg,
		syncCfg:   syncCfg,
		base:      base,
		baseOpts:  fetch.FetchOptions{Headers: srcCfg.Headers, UserAgent: userAgent},
		fetcher:   comp.Fetcher,
		extractor: comp.Extractor,
		media:     comp.Media,
		catalog:   comp.Catalog,
		output:    comp.Output,
	}, nil
}

// SourceKey returns the configured key of the crawled source
func (c *Crawler) SourceKey() string { return c.sourceKey }

// LastReport returns a copy of the report of the most recent finished run, or nil
func (c *Crawler) LastReport() *models.RunReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	r := *c.last
	r.ErrorsByType = make(map[string]int, len(c.last.ErrorsByType))
	for k, v := range c.last.ErrorsByType {
		r.ErrorsByType[k] = v
	}
	return &r
}

// Run performs one sync and blocks until it ends. Events are sent on events, which is closed on return.
// stop is polled at every link boundary. A listing page failure ends the run with an error;
// per-title failures are reported as events and the run continues.
func (c *Crawler) Run(ctx context.Context, opts RunOptions, stop *atomic.Bool, events chan<- models.Event) (err error) {
	if events != nil {
		defer close(events)
	}
	if stop == nil {
		stop = new(atomic.Bool)
	}

	first := opts.StartType
	if !first.IsValid() || c.listingTemplate(first) == "" {
		first = c.defaultStartType()
	}

	st := &runState{
		seen:      bloom.NewWithEstimates(100000, 0.001),
		seenExact: make(map[string]struct{}),
		durations: newMovingAverage(c.syncCfg.ETAWindow),
		events:    events,
		report: &models.RunReport{
			SourceKey:    c.sourceKey,
			BaseURL:      c.srcCfg.BaseURL,
			FullSync:     opts.FullSync,
			StartTime:    time.Now(),
			ErrorsByType: make(map[string]int),
		},
	}
	force := opts.ForceUpdate || c.syncCfg.ForceUpdate

	runLog := c.log.WithFields(logrus.Fields{"full_sync": opts.FullSync, "force": force})
	runLog.Infof("Sync starting with %s listing", first)

	defer func() {
		c.finish(st, err)
	}()

	types := []models.ContentType{first}
	if opts.FullSync && c.listingTemplate(first.Other()) != "" {
		types = append(types, first.Other())
	}

	for i, t := range types {
		st.contentType = t
		st.page = 0
		st.skipStreak = 0

		reason, halfErr := c.runHalf(ctx, st, stop, force)
		if halfErr != nil {
			return halfErr
		}
		st.report.StopReason = string(reason)
		halfLog := runLog.WithFields(logrus.Fields{"type": t, "reason": reason, "pages": st.page})
		halfLog.Info("Listing finished")

		last := i == len(types)-1
		if last {
			break
		}
		switch reason {
		case haltStop:
			// Consumed so the other half is still attempted
			stop.Store(false)
			c.emit(ctx, st, models.Notice(t, "Stop requested, switching to %s", types[i+1]))
		case haltAutoStop:
			c.emit(ctx, st, models.Notice(t, "Catalog is up to date, switching to %s", types[i+1]))
		}
	}
	return nil
}

func (c *Crawler) finish(st *runState, runErr error) {
	r := st.report
	r.EndTime = time.Now()
	if runErr != nil {
		r.StopReason = utils.CategorizeError(runErr)
	}
	countCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if n, err := c.catalog.Count(countCtx); err == nil {
		r.CatalogEntries = n
	} else {
		c.log.Warnf("Could not count catalog entries: %v", err)
	}
	cancel()

	summaryLog := c.log.WithField("base_url", c.srcCfg.BaseURL)
	summaryLog.Info("========================================================================")
	summaryLog.Info("SYNC FINISHED")
	summaryLog.Infof("Duration:         %v", r.EndTime.Sub(r.StartTime).Round(time.Millisecond))
	summaryLog.Infof("Pages: %d, Links: %d, Inserted: %d, Updated: %d, Skipped: %d, Ignored: %d, Failed: %d",
		r.PagesVisited, r.LinksSeen, r.Inserted, r.Updated, r.Skipped, r.Ignored, r.Failed)
	summaryLog.Infof("Catalog entries:  %d", r.CatalogEntries)
	summaryLog.Info("========================================================================")

	c.mu.Lock()
	c.last = r
	c.mu.Unlock()

	if c.output != nil {
		if err := c.output.WriteRunReport(r); err != nil {
			c.log.Errorf("Failed to write run report: %v", err)
		}
	}
}

// defaultStartType is the first content type with a listing template
func (c *Crawler) defaultStartType() models.ContentType {
	if c.srcCfg.Listing.SingleVideo != "" {
		return models.ContentTypeSingleVideo
	}
	return models.ContentTypeEpisodic
}

func (c *Crawler) listingTemplate(t models.ContentType) string {
	switch t {
	case models.ContentTypeSingleVideo:
		return c.srcCfg.Listing.SingleVideo
	case models.ContentTypeEpisodic:
		return c.srcCfg.Listing.Episodic
	}
	return ""
}

// ListingURL returns the absolute URL of a listing page number
func (c *Crawler) ListingURL(t models.ContentType, pageNum int) string {
	ref := fmt.Sprintf(c.listingTemplate(t), pageNum)
	if abs := parse.ResolveReference(c.base, ref); abs != nil {
		return abs.String()
	}
	return strings.TrimRight(c.srcCfg.BaseURL, "/") + "/" + strings.TrimLeft(ref, "/")
}

func (c *Crawler) fetchOpts() fetch.FetchOptions {
	opts := c.baseOpts
	opts.Timeout = c.syncCfg.PageTimeout
	return opts
}

// stopRequested is the boundary check between links
func (c *Crawler) stopRequested(ctx context.Context, st *runState, stop *atomic.Bool) (halt, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if stop.Load() {
		return haltStop, nil
	}
	if c.syncCfg.AutoStopThreshold > 0 && st.skipStreak >= c.syncCfg.AutoStopThreshold {
		return haltAutoStop, nil
	}
	return "", nil
}

// runHalf walks the listing of st.contentType until exhaustion, a stop or an error
func (c *Crawler) runHalf(ctx context.Context, st *runState, stop *atomic.Bool, force bool) (halt, error) {
	firstPage := config.GetEffectiveFirstPage(*c.srcCfg)
	for {
		if reason, err := c.stopRequested(ctx, st, stop); err != nil || reason != "" {
			return reason, err
		}
		if c.syncCfg.MaxPages > 0 && st.page >= c.syncCfg.MaxPages {
			return haltExhausted, nil
		}

		pageNum := firstPage + st.page
		listingURL := c.ListingURL(st.contentType, pageNum)
		pageLog := c.log.WithFields(logrus.Fields{"type": st.contentType, "page": pageNum})
		c.emit(ctx, st, models.PageStarted(st.contentType, pageNum))

		page, err := c.fetcher.Fetch(ctx, listingURL, c.fetchOpts())
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			pageLog.Errorf("Listing page failed: %v", err)
			err = fmt.Errorf("listing page %d of %s: %w", pageNum, st.contentType, err)
			c.emit(ctx, st, models.ErrorEvent(st.contentType, listingURL, err))
			return "", err
		}
		if page.NotFound() {
			pageLog.Info("Listing page not found, listing exhausted")
			return haltExhausted, nil
		}
		st.report.PagesVisited++

		links := c.extractor.ListingLinks(page.Doc, page.URL)
		if len(links) == 0 {
			pageLog.Info("Listing page has no links, listing exhausted")
			return haltExhausted, nil
		}
		pageLog.Debugf("Listing page has %d links", len(links))

		for i, link := range links {
			if reason, err := c.stopRequested(ctx, st, stop); err != nil || reason != "" {
				return reason, err
			}
			start := time.Now()
			c.processLink(ctx, st, link, force)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			st.durations.Add(time.Since(start))

			remaining := len(links) - (i + 1)
			c.emit(ctx, st, models.Progress(st.contentType, float64(i+1)/float64(len(links))))
			c.emit(ctx, st, models.TimeEstimate(st.contentType, st.durations.Mean()*time.Duration(remaining)))
		}
		st.page++
	}
}

// markSeen reports whether link was already handled in this run.
// Listings shift while new titles are published, so a link can show up on two pages.
func (st *runState) markSeen(link string) bool {
	if st.seen.TestString(link) {
		if _, ok := st.seenExact[link]; ok {
			return true
		}
	}
	st.seen.AddString(link)
	st.seenExact[link] = struct{}{}
	return false
}

// processLink handles one detail link, retrying retryable decode failures with a fresh fetch.
// Exactly one ItemCompleted or Error event is emitted unless the run is cancelled.
func (c *Crawler) processLink(ctx context.Context, st *runState, link string, force bool) {
	linkLog := c.log.WithFields(logrus.Fields{"type": st.contentType, "url": link})
	if st.markSeen(link) {
		c.emit(ctx, st, models.Notice(st.contentType, "Already handled in this run: %s", link))
		return
	}
	st.report.LinksSeen++
	c.emit(ctx, st, models.LinkStarted(st.contentType, link))

	maxAttempts := c.syncCfg.MaxItemAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		strict := attempt < maxAttempts
		decision, err := c.processTitle(ctx, st, link, strict, force, linkLog)
		if err == nil {
			c.record(st, decision)
			c.emit(ctx, st, models.ItemCompleted(st.contentType, decision))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, utils.ErrRetryableDecode) && attempt < maxAttempts {
			linkLog.WithField("attempt", attempt).Warnf("Retrying title: %v", err)
			continue
		}

		category := utils.CategorizeError(err)
		st.report.Failed++
		st.report.ErrorsByType[category]++
		linkLog.WithFields(logrus.Fields{"attempts": attempt, "error_type": category}).Errorf("Title failed: %v", err)
		c.emit(ctx, st, models.ErrorEvent(st.contentType, link, err))
		return
	}
}

func (c *Crawler) record(st *runState, d models.Decision) {
	switch d {
	case models.DecisionInsert:
		st.report.Inserted++
	case models.DecisionUpdate:
		st.report.Updated++
	case models.DecisionSkip:
		st.report.Skipped++
	case models.DecisionIgnore:
		st.report.Ignored++
	}
	if d.Writes() {
		st.skipStreak = 0
	} else {
		st.skipStreak++
	}
}

// processTitle fetches, classifies and (when needed) resolves and stores one title
func (c *Crawler) processTitle(ctx context.Context, st *runState, link string, strict, force bool, linkLog *logrus.Entry) (models.Decision, error) {
	page, err := c.fetcher.Fetch(ctx, link, c.fetchOpts())
	if err != nil {
		return models.DecisionUnset, err
	}
	if page.NotFound() {
		linkLog.Debug("Detail page not found, ignoring")
		return models.DecisionIgnore, nil
	}

	rec, err := c.extractor.Extract(page.Doc, page.URL)
	if err != nil {
		return models.DecisionUnset, err
	}
	implied := c.extractor.TypeFromPath(parse.PathOf(link))
	if implied == models.ContentTypeUnknown {
		implied = st.contentType
	}
	if implied != rec.Type {
		return models.DecisionUnset, fmt.Errorf("%w: %s is listed as %s but the page is %s", utils.ErrTypeMismatch, rec.Path, implied, rec.Type)
	}
	c.emit(ctx, st, models.TitleEvent(rec.Type, rec.Title))

	existing, err := c.catalog.FindByPath(ctx, rec.Path)
	if err != nil {
		return models.DecisionUnset, err
	}
	decision, weak := c.decide(existing, rec, force)
	titleLog := linkLog.WithFields(logrus.Fields{"path": rec.Path, "decision": decision})
	if decision == models.DecisionSkip {
		titleLog.Debug("Title is current")
		return decision, nil
	}

	if existing == nil || weak {
		dup, err := c.catalog.FindByImage(ctx, rec.Image)
		if err != nil {
			return models.DecisionUnset, err
		}
		if dup != nil && dup.Path != rec.Path {
			titleLog.WithField("duplicate_of", dup.Path).Info("Title shares its image with another title, not storing")
			c.emit(ctx, st, models.Notice(rec.Type, "%s: %v %s", rec.Title, utils.ErrDuplicateImage, dup.Path))
			return models.DecisionSkip, nil
		}
	}

	if err := c.resolveMedia(ctx, st, page, rec, strict); err != nil {
		return models.DecisionUnset, err
	}
	rec.SyncedAt = time.Now().UTC()

	switch decision {
	case models.DecisionInsert:
		if err := c.catalog.Insert(ctx, rec); err != nil {
			return models.DecisionUnset, err
		}
	case models.DecisionUpdate:
		ok, err := c.catalog.Update(ctx, rec, existing.LocalID)
		if err != nil {
			return models.DecisionUnset, err
		}
		if !ok {
			return models.DecisionUnset, fmt.Errorf("%w: title %s disappeared before update", utils.ErrDatabase, existing.LocalID)
		}
	}
	titleLog.Info("Title stored")
	return decision, nil
}

// decide applies the decision table to a fetched title. weak marks updates driven only by
// the update timestamp or force mode, which go through the duplicate check like inserts.
func (c *Crawler) decide(existing, fresh *models.TitleRecord, force bool) (d models.Decision, weak bool) {
	switch {
	case existing == nil:
		return models.DecisionInsert, false
	case !existing.MediaComplete():
		return models.DecisionUpdate, false
	case existing.Title != fresh.Title:
		return models.DecisionUpdate, false
	case force:
		return models.DecisionUpdate, true
	case fresh.Meta.LastUpdated.Sub(existing.Meta.LastUpdated) > c.syncCfg.UpdateWindow:
		return models.DecisionUpdate, true
	}
	return models.DecisionSkip, false
}

func (c *Crawler) resolveMedia(ctx context.Context, st *runState, page *fetch.Page, rec *models.TitleRecord, strict bool) error {
	switch rec.Type {
	case models.ContentTypeSingleVideo:
		c.emit(ctx, st, models.Notice(rec.Type, "Decoding media of %s", rec.Title))
		refs, err := c.media.ResolveVideo(ctx, page, strict)
		if err != nil {
			return err
		}
		rec.MediaRefs = refs
	case models.ContentTypeEpisodic:
		c.emit(ctx, st, models.Notice(rec.Type, "Collecting episodes of %s", rec.Title))
		seasons, err := c.media.ResolveSeasons(ctx, page, rec.DeclaredEpisodes)
		if err != nil {
			return err
		}
		rec.Seasons = seasons
	default:
		return fmt.Errorf("%w: unclassified title %s", utils.ErrTypeMismatch, rec.Path)
	}
	return nil
}

// emit sends an event unless nobody listens or the run is cancelled
func (c *Crawler) emit(ctx context.Context, st *runState, ev models.Event) {
	if st.events == nil {
		return
	}
	select {
	case st.events <- ev:
	case <-ctx.Done():
	}
}
