package models

import (
	"strings"
	"time"
)

// TitleRecord is one catalog entry as extracted from a source detail page
type TitleRecord struct {
	LocalID          string         `json:"local_id" bson:"_id"`                  // Assigned on insert
	SourceID         int64          `json:"source_id" bson:"source_id"`           // Numeric id parsed from the page path
	Title            string         `json:"title" bson:"title"`                   // Display title
	OriginalTitle    string         `json:"original_title,omitempty" bson:"original_title,omitempty"`
	Type             ContentType    `json:"type" bson:"type"`
	Path             string         `json:"path" bson:"path"`                     // Normalized source page path
	Image            string         `json:"image,omitempty" bson:"image,omitempty"` // Image path, used for duplicate detection
	Meta             MetadataBlock  `json:"meta" bson:"meta"`
	MediaRefs        []MediaRef     `json:"media_refs,omitempty" bson:"media_refs,omitempty"` // Single video only
	Seasons          []SeasonRecord `json:"seasons,omitempty" bson:"seasons,omitempty"`       // Episodic only
	DeclaredEpisodes int            `json:"declared_episodes,omitempty" bson:"declared_episodes,omitempty"`
	SyncedAt         time.Time      `json:"synced_at" bson:"synced_at"`
}

// MetadataBlock holds the descriptive fields of a title
type MetadataBlock struct {
	Year        int       `json:"year,omitempty" bson:"year,omitempty"`
	Quality     string    `json:"quality,omitempty" bson:"quality,omitempty"`
	Translation string    `json:"translation,omitempty" bson:"translation,omitempty"`
	Duration    int       `json:"duration_seconds,omitempty" bson:"duration_seconds,omitempty"`
	AgeRating   string    `json:"age_rating,omitempty" bson:"age_rating,omitempty"`
	Countries   []string  `json:"countries,omitempty" bson:"countries,omitempty"`
	Genres      []string  `json:"genres,omitempty" bson:"genres,omitempty"`
	Directors   []string  `json:"directors,omitempty" bson:"directors,omitempty"`
	Actors      []string  `json:"actors,omitempty" bson:"actors,omitempty"`
	Likes       int       `json:"likes" bson:"likes"`
	Dislikes    int       `json:"dislikes" bson:"dislikes"`
	RatingA     *Rating   `json:"rating_a,omitempty" bson:"rating_a,omitempty"`
	RatingB     *Rating   `json:"rating_b,omitempty" bson:"rating_b,omitempty"`
	Description string    `json:"description,omitempty" bson:"description,omitempty"`
	LastUpdated time.Time `json:"last_updated" bson:"last_updated"` // Source-side update time in the configured timezone
}

// Rating is one "score/scale" pair
type Rating struct {
	Score float64 `json:"score" bson:"score"`
	Scale float64 `json:"scale" bson:"scale"`
}

// MediaRef is one playable stream of a single video, labeled by quality
type MediaRef struct {
	Quality string `json:"quality,omitempty" bson:"quality,omitempty"`
	URL     string `json:"url" bson:"url"`
}

// SeasonRecord groups the episodes of one season
type SeasonRecord struct {
	ID       int             `json:"id" bson:"id"`
	Episodes []EpisodeRecord `json:"episodes" bson:"episodes"`
}

// EpisodeRecord is one playable episode. Label may be a range such as "12-14".
type EpisodeRecord struct {
	ID           int    `json:"id" bson:"id"`
	Label        string `json:"label" bson:"label"`
	Title        string `json:"title,omitempty" bson:"title,omitempty"`
	PrimaryURL   string `json:"primary_url,omitempty" bson:"primary_url,omitempty"`
	SecondaryURL string `json:"secondary_url,omitempty" bson:"secondary_url,omitempty"`
	Poster       string `json:"poster,omitempty" bson:"poster,omitempty"`
}

// HasURL reports whether the episode carries at least one playable URL
func (e EpisodeRecord) HasURL() bool {
	return strings.TrimSpace(e.PrimaryURL) != "" || strings.TrimSpace(e.SecondaryURL) != ""
}

// MediaComplete reports whether the media part of a stored record is usable.
// Single videos need one reference; episodic titles need non-empty seasons whose episodes all carry a URL.
func (r *TitleRecord) MediaComplete() bool {
	switch r.Type {
	case ContentTypeSingleVideo:
		return len(r.MediaRefs) > 0
	case ContentTypeEpisodic:
		if len(r.Seasons) == 0 {
			return false
		}
		for _, s := range r.Seasons {
			if len(s.Episodes) == 0 {
				return false
			}
			for _, e := range s.Episodes {
				if !e.HasURL() {
					return false
				}
			}
		}
		return true
	}
	return false
}

// EpisodeCount returns the number of episode records across all seasons
func (r *TitleRecord) EpisodeCount() int {
	n := 0
	for _, s := range r.Seasons {
		n += len(s.Episodes)
	}
	return n
}

// RunReport summarizes one sync run of a source. Written as YAML next to the catalog.
type RunReport struct {
	SourceKey      string         `yaml:"source_key" json:"source_key"`
	BaseURL        string         `yaml:"base_url" json:"base_url"`
	FullSync       bool           `yaml:"full_sync" json:"full_sync"`
	StartTime      time.Time      `yaml:"start_time" json:"start_time"`
	EndTime        time.Time      `yaml:"end_time" json:"end_time"`
	PagesVisited   int            `yaml:"pages_visited" json:"pages_visited"`
	LinksSeen      int            `yaml:"links_seen" json:"links_seen"`
	Inserted       int            `yaml:"inserted" json:"inserted"`
	Updated        int            `yaml:"updated" json:"updated"`
	Skipped        int            `yaml:"skipped" json:"skipped"`
	Ignored        int            `yaml:"ignored" json:"ignored"` // 404 detail pages
	Failed         int            `yaml:"failed" json:"failed"`
	ErrorsByType   map[string]int `yaml:"errors_by_type,omitempty" json:"errors_by_type,omitempty"`
	StopReason     string         `yaml:"stop_reason,omitempty" json:"stop_reason,omitempty"`
	CatalogEntries int            `yaml:"catalog_entries" json:"catalog_entries"`
}
