package models

// ContentType classifies a title
type ContentType string

const (
	ContentTypeUnknown     ContentType = ""             // Zero value = unclassified
	ContentTypeSingleVideo ContentType = "single_video" // Film-like title with one set of media refs
	ContentTypeEpisodic    ContentType = "episodic"     // Series with seasons and episodes
)

// String implements fmt.Stringer for logging
func (t ContentType) String() string {
	if t == "" {
		return "unknown"
	}
	return string(t)
}

// IsValid returns true if the type is a known classification
func (t ContentType) IsValid() bool {
	switch t {
	case ContentTypeSingleVideo, ContentTypeEpisodic:
		return true
	}
	return false
}

// Other returns the content type a full sync switches to after this one is exhausted
func (t ContentType) Other() ContentType {
	if t == ContentTypeEpisodic {
		return ContentTypeSingleVideo
	}
	return ContentTypeEpisodic
}

// ParseContentType maps a user-facing name to a ContentType
func ParseContentType(s string) ContentType {
	switch s {
	case "single_video", "single", "film", "movie":
		return ContentTypeSingleVideo
	case "episodic", "series", "serial":
		return ContentTypeEpisodic
	}
	return ContentTypeUnknown
}

// Decision is the outcome of the per-title decision table
type Decision string

const (
	DecisionUnset  Decision = ""       // Zero value = not decided
	DecisionInsert Decision = "insert" // Title not in catalog
	DecisionUpdate Decision = "update" // Stored copy is stale or incomplete
	DecisionSkip   Decision = "skip"   // Stored copy is current
	DecisionIgnore Decision = "ignore" // Source page is gone (404)
)

// String implements fmt.Stringer for logging
func (d Decision) String() string {
	if d == "" {
		return "unset"
	}
	return string(d)
}

// Writes reports whether the decision results in a catalog write
func (d Decision) Writes() bool {
	return d == DecisionInsert || d == DecisionUpdate
}
