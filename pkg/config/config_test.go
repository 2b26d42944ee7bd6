package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func intPtr(i int) *int {
	return &i
}

func TestGetEffectiveUserAgent(t *testing.T) {
	app := AppConfig{DefaultUserAgent: "global/1.0"}
	assert.Equal(t, "global/1.0", GetEffectiveUserAgent(SourceConfig{}, app))
	assert.Equal(t, "source/2.0", GetEffectiveUserAgent(SourceConfig{UserAgent: "source/2.0"}, app))
}

func TestGetEffectiveFirstPage(t *testing.T) {
	assert.Equal(t, 1, GetEffectiveFirstPage(SourceConfig{}))
	assert.Equal(t, 0, GetEffectiveFirstPage(SourceConfig{Listing: ListingConfig{FirstPage: intPtr(0)}}))
}

func TestGetEffectiveCompletenessTolerance(t *testing.T) {
	assert.Equal(t, 1, GetEffectiveCompletenessTolerance(SyncConfig{}))
	assert.Equal(t, 0, GetEffectiveCompletenessTolerance(SyncConfig{CompletenessTolerance: intPtr(0)}))
}

func TestSyncConfig_Location(t *testing.T) {
	assert.Equal(t, time.UTC, SyncConfig{}.Location())
	assert.Equal(t, "UTC", SyncConfig{Timezone: "UTC"}.Location().String())
}

func TestAppConfig_YAMLRoundTrip(t *testing.T) {
	raw := `
state_dir: ./state
catalog:
  backend: badger
sync:
  politeness_min_delay: 1s
  politeness_max_delay: 2s
  update_window: 2h
sources:
  films:
    base_url: https://films.example.org
    listing:
      single_video: /films/page/%d/
    locators:
      listing_link_selector: a.title
      title_selector: h1
      id_pattern: /(\d+)-
      single_video_path_pattern: ^/films/
      labels:
        year: ["Year", "Год"]
      decoder:
        junk_tokens: ["QEBA", "IyMj"]
        separator: "//_//"
`
	var cfg AppConfig
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))

	assert.Equal(t, time.Second, cfg.Sync.PolitenessMinDelay)
	assert.Equal(t, 2*time.Hour, cfg.Sync.UpdateWindow)
	require.Contains(t, cfg.Sources, "films")
	src := cfg.Sources["films"]
	assert.Equal(t, []string{"Year", "Год"}, src.Locators.Labels.Year)
	assert.Equal(t, "//_//", src.Locators.Decoder.Separator)

	_, err := src.Validate()
	require.NoError(t, err)
}
