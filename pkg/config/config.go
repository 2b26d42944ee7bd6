package config

import "time"

// AppConfig holds the global application configuration
type AppConfig struct {
	DefaultUserAgent   string                  `yaml:"default_user_agent"`
	StateDir           string                  `yaml:"state_dir"`
	MaxRetries         int                     `yaml:"max_retries,omitempty"`
	InitialRetryDelay  time.Duration           `yaml:"initial_retry_delay,omitempty"`
	MaxRetryDelay      time.Duration           `yaml:"max_retry_delay,omitempty"`
	GlobalSyncTimeout  time.Duration           `yaml:"global_sync_timeout,omitempty"`
	HTTPClientSettings HTTPClientConfig        `yaml:"http_client_settings,omitempty"`
	Catalog            CatalogConfig           `yaml:"catalog"`
	Sync               SyncConfig              `yaml:"sync"`
	Sources            map[string]SourceConfig `yaml:"sources"`
}

// HTTPClientConfig holds settings for the shared HTTP client
type HTTPClientConfig struct {
	Timeout               time.Duration `yaml:"timeout,omitempty"`                 // Overall request timeout
	MaxIdleConns          int           `yaml:"max_idle_conns,omitempty"`          // Max total idle connections
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host,omitempty"` // Max idle connections per host
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout,omitempty"`       // Timeout for idle connections
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout,omitempty"`   // Timeout for TLS handshake
	ExpectContinueTimeout time.Duration `yaml:"expect_continue_timeout,omitempty"` // Timeout for 100-continue
	ForceAttemptHTTP2     *bool         `yaml:"force_attempt_http2,omitempty"`     // nil=default, true=force, false=disable
	DialerTimeout         time.Duration `yaml:"dialer_timeout,omitempty"`          // Connection dial timeout
	DialerKeepAlive       time.Duration `yaml:"dialer_keep_alive,omitempty"`       // TCP keep-alive interval
}

// Catalog backends
const (
	CatalogBackendBadger = "badger"
	CatalogBackendMongo  = "mongo"
)

// CatalogConfig selects and configures the local catalog store
type CatalogConfig struct {
	Backend         string        `yaml:"backend"`                    // badger | mongo
	MongoURI        string        `yaml:"mongo_uri,omitempty"`        // e.g. mongodb://localhost:27017
	MongoDatabase   string        `yaml:"mongo_database,omitempty"`   // database name
	MongoCollection string        `yaml:"mongo_collection,omitempty"` // collection prefix; source key is appended
	GCInterval      time.Duration `yaml:"gc_interval,omitempty"`      // badger value-log GC interval
}

// SyncConfig holds the crawl-engine tunables shared by every source
type SyncConfig struct {
	PolitenessMinDelay    time.Duration `yaml:"politeness_min_delay,omitempty"`
	PolitenessMaxDelay    time.Duration `yaml:"politeness_max_delay,omitempty"`
	PageTimeout           time.Duration `yaml:"page_timeout,omitempty"`  // listing and detail pages
	ProbeTimeout          time.Duration `yaml:"probe_timeout,omitempty"` // playlist and first-episode probes
	MaxItemAttempts       int           `yaml:"max_item_attempts,omitempty"`
	AutoStopThreshold     int           `yaml:"auto_stop_threshold,omitempty"`
	UpdateWindow          time.Duration `yaml:"update_window,omitempty"`
	ETAWindow             int           `yaml:"eta_window,omitempty"`
	Timezone              string        `yaml:"timezone,omitempty"`
	ForceUpdate           bool          `yaml:"force_update,omitempty"`
	MaxPages              int           `yaml:"max_pages,omitempty"` // 0 = until exhaustion
	MaxSeasonPages        int           `yaml:"max_season_pages,omitempty"`
	CompletenessTolerance *int          `yaml:"completeness_tolerance,omitempty"`
}

// SourceConfig holds configuration specific to a single catalog source
type SourceConfig struct {
	BaseURL       string            `yaml:"base_url"`
	Listing       ListingConfig     `yaml:"listing"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	UserAgent     string            `yaml:"user_agent,omitempty"`
	RespectRobots bool              `yaml:"respect_robots,omitempty"`
	Locators      Locators          `yaml:"locators"`
}

// ListingConfig describes the paginated listings, one path template per content type.
// Templates take the page number through a single %d verb.
type ListingConfig struct {
	SingleVideo string `yaml:"single_video"`
	Episodic    string `yaml:"episodic"`
	FirstPage   *int   `yaml:"first_page,omitempty"` // page number of page index 0, default 1
}

// Locators is the site-specific contract the engine is driven by
type Locators struct {
	ListingLinkSelector    string `yaml:"listing_link_selector"`
	CanonicalSelector      string `yaml:"canonical_selector,omitempty"`
	TitleSelector          string `yaml:"title_selector"`
	OriginalTitleSelector  string `yaml:"original_title_selector,omitempty"`
	ImageSelector          string `yaml:"image_selector,omitempty"`
	ImageAttr              string `yaml:"image_attr,omitempty"`
	MetadataLineSelector   string `yaml:"metadata_line_selector,omitempty"`
	DescriptionSelector    string `yaml:"description_selector,omitempty"`
	LikesSelector          string `yaml:"likes_selector,omitempty"`
	DislikesSelector       string `yaml:"dislikes_selector,omitempty"`
	ScriptSelector         string `yaml:"script_selector,omitempty"`
	DeclaredTotalSelector  string `yaml:"declared_total_selector,omitempty"`
	IDPattern              string `yaml:"id_pattern"`
	SingleVideoPathPattern string `yaml:"single_video_path_pattern"`
	EpisodicPathPattern    string `yaml:"episodic_path_pattern"`

	SeasonLinkSelector       string `yaml:"season_link_selector,omitempty"`
	SeasonIDPattern          string `yaml:"season_id_pattern,omitempty"`
	SeasonNextPageSelector   string `yaml:"season_next_page_selector,omitempty"`
	EpisodeLinkSelector      string `yaml:"episode_link_selector,omitempty"`
	EpisodeIDPattern         string `yaml:"episode_id_pattern,omitempty"`
	EpisodeLabelPattern      string `yaml:"episode_label_pattern,omitempty"`
	EpisodePosterSelector    string `yaml:"episode_poster_selector,omitempty"`
	EpisodeIdentifierPattern string `yaml:"episode_identifier_pattern,omitempty"`
	PlaylistURLTemplate      string `yaml:"playlist_url_template,omitempty"` // single %s verb for the identifier

	DateLayouts    []string      `yaml:"date_layouts,omitempty"`
	YesterdayWords []string      `yaml:"yesterday_words,omitempty"`
	TodayWords     []string      `yaml:"today_words,omitempty"`
	Labels         Labels        `yaml:"labels"`
	Decoder        DecoderConfig `yaml:"decoder"`
}

// Labels lists the localized prefixes of each metadata line
type Labels struct {
	Year          []string `yaml:"year,omitempty"`
	Updated       []string `yaml:"updated,omitempty"`
	Added         []string `yaml:"added,omitempty"`
	OriginalTitle []string `yaml:"original_title,omitempty"`
	Translation   []string `yaml:"translation,omitempty"`
	Duration      []string `yaml:"duration,omitempty"`
	Age           []string `yaml:"age,omitempty"`
	Country       []string `yaml:"country,omitempty"`
	Genre         []string `yaml:"genre,omitempty"`
	Quality       []string `yaml:"quality,omitempty"`
	Director      []string `yaml:"director,omitempty"`
	Actor         []string `yaml:"actor,omitempty"`
	Rating        []string `yaml:"rating,omitempty"`
}

// DecoderConfig describes the player payload obfuscation of a source
type DecoderConfig struct {
	JunkTokens      []string `yaml:"junk_tokens,omitempty"`
	Separator       string   `yaml:"separator,omitempty"`
	Prefix          string   `yaml:"prefix,omitempty"`
	PayloadPattern  string   `yaml:"payload_pattern,omitempty"` // group 1 = encoded payload inside a script
	LooseMarker     string   `yaml:"loose_marker,omitempty"`
	TrailerPatterns []string `yaml:"trailer_patterns,omitempty"`
	Extensions      []string `yaml:"extensions,omitempty"`
	OptionDelimiter string   `yaml:"option_delimiter,omitempty"`
}

// GetEffectiveUserAgent determines the user agent for a source
func GetEffectiveUserAgent(srcCfg SourceConfig, appCfg AppConfig) string {
	if srcCfg.UserAgent != "" {
		return srcCfg.UserAgent
	}
	return appCfg.DefaultUserAgent
}

// GetEffectiveFirstPage returns the page number requested for page index 0
func GetEffectiveFirstPage(srcCfg SourceConfig) int {
	if srcCfg.Listing.FirstPage != nil {
		return *srcCfg.Listing.FirstPage
	}
	return 1
}

// GetEffectiveCompletenessTolerance returns the allowed gap between assembled and declared episode totals
func GetEffectiveCompletenessTolerance(syncCfg SyncConfig) int {
	if syncCfg.CompletenessTolerance != nil {
		return *syncCfg.CompletenessTolerance
	}
	return 1
}

// Location resolves the configured timezone, falling back to UTC
func (c SyncConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
