package orchestrate

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/catalog"
	"catalog-sync/pkg/config"
	"catalog-sync/pkg/crawler"
	"catalog-sync/pkg/decode"
	"catalog-sync/pkg/episodes"
	"catalog-sync/pkg/extract"
	"catalog-sync/pkg/fetch"
)

// Runtime is everything one source worker needs: its crawler and the catalog it owns
type Runtime struct {
	SourceKey string
	Crawler   *crawler.Crawler
	Catalog   catalog.Catalog

	stopGC context.CancelFunc
}

// BuildRuntime wires the fetcher, extractor, decoder, reconciler and catalog of one source.
// client is shared between sources; politeness state is per source.
func BuildRuntime(ctx context.Context, appCfg *config.AppConfig, sourceKey string, client *http.Client, baseLogger *logrus.Entry) (*Runtime, error) {
	srcCfg, ok := appCfg.Sources[sourceKey]
	if !ok {
		return nil, fmt.Errorf("source '%s' not found in configuration", sourceKey)
	}
	warnings, err := srcCfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("source '%s': %w", sourceKey, err)
	}
	log := baseLogger.WithField("source", sourceKey)
	for _, w := range warnings {
		log.Warn(w)
	}

	syncCfg := appCfg.Sync
	userAgent := config.GetEffectiveUserAgent(srcCfg, *appCfg)

	politeness := fetch.NewPoliteness(syncCfg.PolitenessMinDelay, syncCfg.PolitenessMaxDelay, log.WithField("component", "politeness"))
	fetcher := fetch.NewFetcher(client, appCfg, politeness, log.WithField("component", "fetcher"))
	if srcCfg.RespectRobots {
		fetcher.WithRobots(fetch.NewRobotsHandler(fetcher, userAgent, log.WithField("component", "robots")))
	}

	extractor, err := extract.New(&srcCfg.Locators, syncCfg.Location(), log.WithField("component", "extract"))
	if err != nil {
		return nil, fmt.Errorf("source '%s': %w", sourceKey, err)
	}
	decoder, err := decode.New(srcCfg.Locators.Decoder, log.WithField("component", "decode"))
	if err != nil {
		return nil, fmt.Errorf("source '%s': %w", sourceKey, err)
	}
	baseOpts := fetch.FetchOptions{Headers: srcCfg.Headers, UserAgent: userAgent}
	reconciler, err := episodes.NewReconciler(fetcher, decoder, extractor, &srcCfg.Locators, syncCfg, baseOpts, log.WithField("component", "episodes"))
	if err != nil {
		return nil, fmt.Errorf("source '%s': %w", sourceKey, err)
	}

	cat, err := catalog.Open(ctx, appCfg.Catalog, appCfg.StateDir, sourceKey, log.WithField("component", "catalog"))
	if err != nil {
		return nil, fmt.Errorf("opening catalog for '%s': %w", sourceKey, err)
	}

	rt := &Runtime{SourceKey: sourceKey, Catalog: cat}
	comp := crawler.Components{
		Fetcher:   fetcher,
		Extractor: extractor,
		Media:     crawler.NewSourceMedia(decoder, reconciler, extractor),
		Catalog:   cat,
		Output:    crawler.NewOutputManager(log, appCfg.StateDir, sourceKey),
	}
	rt.Crawler, err = crawler.NewCrawler(sourceKey, &srcCfg, syncCfg, comp, userAgent, baseLogger)
	if err != nil {
		cat.Close()
		return nil, err
	}

	if m, ok := cat.(catalog.Maintainer); ok {
		gcCtx, cancel := context.WithCancel(context.Background())
		rt.stopGC = cancel
		go m.RunGC(gcCtx, appCfg.Catalog.GCInterval)
	}
	return rt, nil
}

// Close stops background maintenance and closes the catalog
func (r *Runtime) Close() error {
	if r.stopGC != nil {
		r.stopGC()
	}
	return r.Catalog.Close()
}
