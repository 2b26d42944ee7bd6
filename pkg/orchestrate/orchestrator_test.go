package orchestrate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/crawler"
	"catalog-sync/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testAppConfig(sourceKeys ...string) *config.AppConfig {
	sources := make(map[string]config.SourceConfig, len(sourceKeys))
	for _, key := range sourceKeys {
		sources[key] = config.SourceConfig{
			BaseURL: "https://" + key + ".example.org",
			Listing: config.ListingConfig{SingleVideo: "/films/page/%d/"},
		}
	}
	return &config.AppConfig{
		Sources: sources,
	}
}

func TestValidateSourceKeys(t *testing.T) {
	t.Run("all valid", func(t *testing.T) {
		cfg := testAppConfig("films", "serials")
		err := ValidateSourceKeys(cfg, []string{"films", "serials"})
		assert.NoError(t, err)
	})

	t.Run("one invalid", func(t *testing.T) {
		cfg := testAppConfig("films", "serials")
		err := ValidateSourceKeys(cfg, []string{"films", "missing"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
		assert.Contains(t, err.Error(), "serials")
	})

	t.Run("empty keys no error", func(t *testing.T) {
		cfg := testAppConfig("films")
		assert.NoError(t, ValidateSourceKeys(cfg, []string{}))
	})

	t.Run("empty config", func(t *testing.T) {
		cfg := testAppConfig()
		err := ValidateSourceKeys(cfg, []string{"anything"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "anything")
	})
}

func TestGetAllSourceKeys(t *testing.T) {
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, GetAllSourceKeys(testAppConfig("gamma", "alpha", "beta")))
	assert.Empty(t, GetAllSourceKeys(testAppConfig()))
	assert.Equal(t, []string{"only"}, GetAllSourceKeys(testAppConfig("only")))
}

// blockingRunner runs until the stop flag is raised or ctx ends
type blockingRunner struct {
	started chan crawler.RunOptions
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan crawler.RunOptions, 4)}
}

func (r *blockingRunner) Run(ctx context.Context, opts crawler.RunOptions, stop *atomic.Bool, events chan<- models.Event) error {
	defer close(events)
	r.started <- opts
	events <- models.PageStarted(models.ContentTypeSingleVideo, 1)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if stop.Load() {
				return r.err
			}
		}
	}
}

func TestController(t *testing.T) {
	t.Run("stop when idle", func(t *testing.T) {
		c := NewController(newBlockingRunner(), testLogger())
		assert.False(t, c.Stop())
		assert.False(t, c.Running())
		assert.NoError(t, c.Wait(context.Background()))
	})

	t.Run("single run at a time", func(t *testing.T) {
		runner := newBlockingRunner()
		c := NewController(runner, testLogger())

		events, err := c.Start(context.Background(), true)
		require.NoError(t, err)
		opts := <-runner.started
		assert.True(t, opts.FullSync)
		assert.True(t, c.Running())

		_, err = c.Start(context.Background(), false)
		assert.ErrorIs(t, err, ErrAlreadyRunning)

		assert.True(t, c.Stop())
		var got []models.Event
		for ev := range events {
			got = append(got, ev)
		}
		require.NoError(t, c.Wait(context.Background()))
		require.Len(t, got, 1)
		assert.Equal(t, models.EventPageStarted, got[0].Kind)

		// A new run is accepted once the previous one ended, with the stop flag cleared
		events, err = c.Start(context.Background(), false)
		require.NoError(t, err)
		<-runner.started
		assert.True(t, c.Running())
		c.Stop()
		for range events {
		}
		require.NoError(t, c.Wait(context.Background()))
		assert.False(t, c.Running())
	})

	t.Run("run error is reported by wait", func(t *testing.T) {
		runner := newBlockingRunner()
		runner.err = errors.New("listing unavailable")
		c := NewController(runner, testLogger())

		events, err := c.Start(context.Background(), false)
		require.NoError(t, err)
		<-runner.started
		c.Stop()
		for range events {
		}
		assert.EqualError(t, c.Wait(context.Background()), "listing unavailable")
	})

	t.Run("cancellation", func(t *testing.T) {
		runner := newBlockingRunner()
		c := NewController(runner, testLogger())
		ctx, cancel := context.WithCancel(context.Background())

		events, err := c.Start(ctx, false)
		require.NoError(t, err)
		<-runner.started
		cancel()
		for range events {
		}
		assert.ErrorIs(t, c.Wait(context.Background()), context.Canceled)
	})
}

func filmSite(t *testing.T) *httptest.Server {
	t.Helper()
	payload := "#2" + base64.StdEncoding.EncodeToString([]byte("http://cdn.example.org/1.mp4"))
	mux := http.NewServeMux()
	mux.HandleFunc("/films/page/1/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><div class="item"><a class="title" href="/films/1-film.html">First</a></div></body></html>`)
	})
	mux.HandleFunc("/films/1-film.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><h1>First Film</h1><img class="poster" src="/img/1.jpg">
<script>var player = new Playerjs({id:"p", file: "%s"});</script></body></html>`, payload)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func syncAppConfig(t *testing.T, baseURL string) *config.AppConfig {
	t.Helper()
	appCfg := &config.AppConfig{
		StateDir:          t.TempDir(),
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     time.Millisecond,
		Sync: config.SyncConfig{
			PolitenessMinDelay: time.Millisecond,
			PolitenessMaxDelay: time.Millisecond,
		},
		Sources: map[string]config.SourceConfig{
			"films": {
				BaseURL: baseURL,
				Listing: config.ListingConfig{SingleVideo: "/films/page/%d/"},
				Locators: config.Locators{
					ListingLinkSelector:    "div.item a.title",
					TitleSelector:          "h1",
					ImageSelector:          "img.poster",
					IDPattern:              `/(\d+)-`,
					SingleVideoPathPattern: `^/films/\d+`,
					EpisodicPathPattern:    `^/serials/\d+`,
					Decoder: config.DecoderConfig{
						Prefix:         "#2",
						PayloadPattern: `file:\s*"([^"]+)"`,
					},
				},
			},
		},
	}
	_, err := appCfg.Validate()
	require.NoError(t, err)
	return appCfg
}

func TestOrchestrator_Run(t *testing.T) {
	server := filmSite(t)
	appCfg := syncAppConfig(t, server.URL)

	registry := NewRegistry(appCfg, testLogger())
	orch := NewOrchestrator(appCfg, registry, []string{"films", "missing"}, crawler.RunOptions{}, testLogger())
	results := orch.Run(context.Background())
	require.Len(t, results, 2)

	films := results[0]
	assert.Equal(t, "films", films.SourceKey)
	require.True(t, films.Success, "films failed: %v", films.Error)
	require.NotNil(t, films.Report)
	assert.Equal(t, 1, films.Report.Inserted)
	assert.Equal(t, 1, films.Report.CatalogEntries)
	assert.Equal(t, "exhausted", films.Report.StopReason)

	missing := results[1]
	assert.False(t, missing.Success)
	assert.Error(t, missing.Error)

	src, err := registry.Source(context.Background(), "films")
	require.NoError(t, err)
	rec, err := src.Runtime.Catalog.FindByPath(context.Background(), "/films/1-film.html")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "First Film", rec.Title)
	assert.Equal(t, []models.MediaRef{{URL: "http://cdn.example.org/1.mp4"}}, rec.MediaRefs)

	persisted, err := crawler.LoadRunReport(appCfg.StateDir, "films")
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, 1, persisted.Inserted)

	// A second run finds the title unchanged
	results = NewOrchestrator(appCfg, registry, []string{"films"}, crawler.RunOptions{}, testLogger()).Run(context.Background())
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	assert.Equal(t, 0, results[0].Report.Inserted)
	assert.Equal(t, 1, results[0].Report.Skipped)

	require.NoError(t, registry.Close())
}

func TestRegistry_SourceIsBuiltOnce(t *testing.T) {
	server := filmSite(t)
	appCfg := syncAppConfig(t, server.URL)
	registry := NewRegistry(appCfg, testLogger())
	t.Cleanup(func() { registry.Close() })

	a, err := registry.Source(context.Background(), "films")
	require.NoError(t, err)
	b, err := registry.Source(context.Background(), "films")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 0, registry.StopAll())

	_, err = registry.Source(context.Background(), "nope")
	assert.Error(t, err)
}
