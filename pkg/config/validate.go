package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"catalog-sync/pkg/utils"
)

// Validate checks AppConfig fields and applies sensible defaults.
// Returns collected warnings and any fatal error.
// Modifies receiver in place to apply defaults.
func (c *AppConfig) Validate() (warnings []string, err error) {
	// DefaultUserAgent
	if c.DefaultUserAgent == "" {
		warnings = append(warnings, "default_user_agent is empty, defaulting to 'catalog-sync/1.0'")
		c.DefaultUserAgent = "catalog-sync/1.0"
	}

	// StateDir
	if c.StateDir == "" {
		warnings = append(warnings, "state_dir is empty, defaulting to './sync_state'")
		c.StateDir = "./sync_state"
	}

	// MaxRetries
	if c.MaxRetries < 0 {
		warnings = append(warnings, "max_retries cannot be negative, setting to 0")
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 && c.InitialRetryDelay == 0 {
		c.MaxRetries = 2
	}

	// Retry delays (only if retries enabled)
	if c.MaxRetries > 0 {
		if c.InitialRetryDelay <= 0 {
			c.InitialRetryDelay = 1 * time.Second
		}
		if c.MaxRetryDelay <= 0 {
			c.MaxRetryDelay = 15 * time.Second
		}
	}

	if c.InitialRetryDelay > c.MaxRetryDelay && c.MaxRetryDelay > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"initial_retry_delay (%v) > max_retry_delay (%v), using max_retry_delay for initial",
			c.InitialRetryDelay, c.MaxRetryDelay))
		c.InitialRetryDelay = c.MaxRetryDelay
	}

	// GlobalSyncTimeout
	if c.GlobalSyncTimeout < 0 {
		warnings = append(warnings, "global_sync_timeout cannot be negative, disabling timeout")
		c.GlobalSyncTimeout = 0
	}

	c.validateHTTPClientSettings()

	catalogWarnings, err := c.Catalog.Validate()
	if err != nil {
		return warnings, err
	}
	warnings = append(warnings, catalogWarnings...)

	warnings = append(warnings, c.Sync.Validate()...)

	return warnings, nil
}

// validateHTTPClientSettings applies defaults to HTTP client settings.
func (c *AppConfig) validateHTTPClientSettings() {
	h := &c.HTTPClientSettings
	if h.Timeout <= 0 {
		h.Timeout = 60 * time.Second
	}
	if h.MaxIdleConns <= 0 {
		h.MaxIdleConns = 20
	}
	if h.MaxIdleConnsPerHost <= 0 {
		h.MaxIdleConnsPerHost = 2
	}
	if h.IdleConnTimeout <= 0 {
		h.IdleConnTimeout = 90 * time.Second
	}
	if h.TLSHandshakeTimeout <= 0 {
		h.TLSHandshakeTimeout = 10 * time.Second
	}
	if h.ExpectContinueTimeout <= 0 {
		h.ExpectContinueTimeout = 1 * time.Second
	}
	if h.DialerTimeout <= 0 {
		h.DialerTimeout = 15 * time.Second
	}
	if h.DialerKeepAlive <= 0 {
		h.DialerKeepAlive = 30 * time.Second
	}
}

// Validate checks the catalog backend selection and applies defaults.
func (c *CatalogConfig) Validate() (warnings []string, err error) {
	switch strings.ToLower(c.Backend) {
	case "":
		c.Backend = CatalogBackendBadger
	case CatalogBackendBadger, CatalogBackendMongo:
		c.Backend = strings.ToLower(c.Backend)
	default:
		return nil, fmt.Errorf("%w: unknown catalog backend %q (want badger or mongo)", utils.ErrConfigValidation, c.Backend)
	}

	if c.Backend == CatalogBackendMongo {
		if c.MongoURI == "" {
			return nil, fmt.Errorf("%w: catalog backend mongo needs mongo_uri", utils.ErrConfigValidation)
		}
		if c.MongoDatabase == "" {
			warnings = append(warnings, "mongo_database is empty, defaulting to 'catalog'")
			c.MongoDatabase = "catalog"
		}
		if c.MongoCollection == "" {
			c.MongoCollection = "titles"
		}
	}

	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Minute
	}
	return warnings, nil
}

// Validate applies engine defaults. Out-of-range values are replaced and reported as warnings.
func (c *SyncConfig) Validate() (warnings []string) {
	if c.PolitenessMinDelay <= 0 {
		c.PolitenessMinDelay = 1500 * time.Millisecond
	}
	if c.PolitenessMaxDelay <= 0 {
		c.PolitenessMaxDelay = 2500 * time.Millisecond
	}
	if c.PolitenessMinDelay > c.PolitenessMaxDelay {
		warnings = append(warnings, fmt.Sprintf(
			"politeness_min_delay (%v) > politeness_max_delay (%v), using min for both",
			c.PolitenessMinDelay, c.PolitenessMaxDelay))
		c.PolitenessMaxDelay = c.PolitenessMinDelay
	}

	if c.PageTimeout <= 0 {
		c.PageTimeout = 45 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 8 * time.Second
	}

	if c.MaxItemAttempts <= 0 {
		c.MaxItemAttempts = 3
	}

	if c.AutoStopThreshold <= 0 {
		c.AutoStopThreshold = 30
	}

	if c.UpdateWindow <= 0 {
		c.UpdateWindow = time.Hour
	}

	if c.ETAWindow <= 0 {
		c.ETAWindow = 10
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			warnings = append(warnings, fmt.Sprintf("timezone %q cannot be loaded (%v), using UTC", c.Timezone, err))
			c.Timezone = ""
		}
	}

	if c.MaxPages < 0 {
		warnings = append(warnings, "max_pages cannot be negative, setting to 0 (until exhaustion)")
		c.MaxPages = 0
	}

	if c.MaxSeasonPages <= 0 {
		c.MaxSeasonPages = 20
	}

	if c.CompletenessTolerance != nil && *c.CompletenessTolerance < 0 {
		warnings = append(warnings, "completeness_tolerance cannot be negative, using 1")
		one := 1
		c.CompletenessTolerance = &one
	}

	return warnings
}

// Validate checks SourceConfig fields and applies defaults.
// Returns collected warnings and any fatal error.
func (c *SourceConfig) Validate() (warnings []string, err error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("%w: source has no base_url", utils.ErrConfigValidation)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: base_url %q is not an absolute URL", utils.ErrConfigValidation, c.BaseURL)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.Listing.SingleVideo == "" && c.Listing.Episodic == "" {
		return nil, fmt.Errorf("%w: source needs at least one listing template", utils.ErrConfigValidation)
	}
	for name, tmpl := range map[string]string{"single_video": c.Listing.SingleVideo, "episodic": c.Listing.Episodic} {
		if tmpl != "" && strings.Count(tmpl, "%d") != 1 {
			return nil, fmt.Errorf("%w: listing.%s must contain exactly one %%d verb", utils.ErrConfigValidation, name)
		}
	}
	if c.Listing.FirstPage != nil && *c.Listing.FirstPage < 0 {
		warnings = append(warnings, "listing.first_page cannot be negative, using 1")
		one := 1
		c.Listing.FirstPage = &one
	}

	locWarnings, err := c.Locators.Validate()
	if err != nil {
		return warnings, err
	}
	warnings = append(warnings, locWarnings...)

	return warnings, nil
}

// Validate checks that required locators are present, that every pattern compiles and applies defaults.
func (l *Locators) Validate() (warnings []string, err error) {
	if l.ListingLinkSelector == "" {
		return nil, fmt.Errorf("%w: locators need listing_link_selector", utils.ErrConfigValidation)
	}
	if l.TitleSelector == "" {
		return nil, fmt.Errorf("%w: locators need title_selector", utils.ErrConfigValidation)
	}
	if l.IDPattern == "" {
		return nil, fmt.Errorf("%w: locators need id_pattern", utils.ErrConfigValidation)
	}
	if l.SingleVideoPathPattern == "" && l.EpisodicPathPattern == "" {
		return nil, fmt.Errorf("%w: locators need single_video_path_pattern or episodic_path_pattern", utils.ErrConfigValidation)
	}

	patterns := map[string]string{
		"id_pattern":                 l.IDPattern,
		"single_video_path_pattern":  l.SingleVideoPathPattern,
		"episodic_path_pattern":      l.EpisodicPathPattern,
		"season_id_pattern":          l.SeasonIDPattern,
		"episode_id_pattern":         l.EpisodeIDPattern,
		"episode_label_pattern":      l.EpisodeLabelPattern,
		"episode_identifier_pattern": l.EpisodeIdentifierPattern,
		"decoder.payload_pattern":    l.Decoder.PayloadPattern,
	}
	for name, p := range patterns {
		if _, err := utils.CompileOptionalRegex(name, p); err != nil {
			return nil, err
		}
	}
	if _, err := utils.CompileRegexPatterns(l.Decoder.TrailerPatterns); err != nil {
		return nil, err
	}

	if l.PlaylistURLTemplate != "" && strings.Count(l.PlaylistURLTemplate, "%s") != 1 {
		return nil, fmt.Errorf("%w: playlist_url_template must contain exactly one %%s verb", utils.ErrConfigValidation)
	}
	if l.PlaylistURLTemplate != "" && l.EpisodeIdentifierPattern == "" {
		warnings = append(warnings, "playlist_url_template is set without episode_identifier_pattern, playlist shortcut disabled")
	}

	if l.ImageAttr == "" {
		l.ImageAttr = "src"
	}
	if l.ScriptSelector == "" {
		l.ScriptSelector = "script"
	}
	if l.CanonicalSelector == "" {
		l.CanonicalSelector = `link[rel="canonical"]`
	}
	if len(l.DateLayouts) == 0 {
		l.DateLayouts = []string{"02.01.2006, 15:04", "02.01.2006 15:04", "02.01.2006", "2006-01-02 15:04", "2006-01-02"}
	}
	if len(l.YesterdayWords) == 0 {
		l.YesterdayWords = []string{"yesterday"}
	}
	if len(l.TodayWords) == 0 {
		l.TodayWords = []string{"today"}
	}

	if len(l.Decoder.Extensions) == 0 {
		l.Decoder.Extensions = []string{".mp4", ".m3u8", ".mpd"}
	}
	if l.Decoder.OptionDelimiter == "" {
		l.Decoder.OptionDelimiter = " or "
	}
	if len(l.Decoder.JunkTokens) > 0 && l.Decoder.Separator == "" {
		warnings = append(warnings, "decoder.junk_tokens set without decoder.separator, tokens are matched without a leading separator")
	}

	return warnings, nil
}
