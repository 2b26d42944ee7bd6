package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"catalog-sync/pkg/config"
	"catalog-sync/pkg/models"
	"catalog-sync/pkg/parse"
	"catalog-sync/pkg/utils"
)

// Extractor parses listing and detail pages of one source into catalog records.
// It is driven entirely by the source's Locators.
type Extractor struct {
	loc        *config.Locators
	idRe       *regexp.Regexp
	singleRe   *regexp.Regexp
	episodicRe *regexp.Regexp
	payloadRe  *regexp.Regexp
	dates      DateParser
	converter  *md.Converter
	now        func() time.Time
	log        *logrus.Entry
}

// New compiles the locator patterns. loc must have been validated.
func New(loc *config.Locators, tz *time.Location, log *logrus.Entry) (*Extractor, error) {
	idRe, err := utils.CompileOptionalRegex("id_pattern", loc.IDPattern)
	if err != nil {
		return nil, err
	}
	singleRe, err := utils.CompileOptionalRegex("single_video_path_pattern", loc.SingleVideoPathPattern)
	if err != nil {
		return nil, err
	}
	episodicRe, err := utils.CompileOptionalRegex("episodic_path_pattern", loc.EpisodicPathPattern)
	if err != nil {
		return nil, err
	}
	payloadRe, err := utils.CompileOptionalRegex("decoder.payload_pattern", loc.Decoder.PayloadPattern)
	if err != nil {
		return nil, err
	}
	return &Extractor{
		loc:        loc,
		idRe:       idRe,
		singleRe:   singleRe,
		episodicRe: episodicRe,
		payloadRe:  payloadRe,
		dates: DateParser{
			Layouts:        loc.DateLayouts,
			YesterdayWords: loc.YesterdayWords,
			TodayWords:     loc.TodayWords,
			Location:       tz,
		},
		converter: md.NewConverter("", true, nil),
		now:       time.Now,
		log:       log,
	}, nil
}

// WithClock replaces the clock used for relative dates
func (e *Extractor) WithClock(now func() time.Time) *Extractor {
	e.now = now
	return e
}

// ListingLinks returns the detail links of a listing page in page order, de-duplicated, same host as base
func (e *Extractor) ListingLinks(doc *goquery.Document, base *url.URL) []string {
	return e.links(doc, e.loc.ListingLinkSelector, base)
}

// SeasonLinks returns the season links of an episodic title page
func (e *Extractor) SeasonLinks(doc *goquery.Document, base *url.URL) []string {
	if e.loc.SeasonLinkSelector == "" {
		return nil
	}
	return e.links(doc, e.loc.SeasonLinkSelector, base)
}

func (e *Extractor) links(doc *goquery.Document, selector string, base *url.URL) []string {
	var out []string
	seen := make(map[string]bool)
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		abs := parse.ResolveReference(base, href)
		if abs == nil || (base != nil && !strings.EqualFold(abs.Host, base.Host)) {
			return
		}
		key := parse.NormalizeURL(abs)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, abs.String())
	})
	return out
}

// TypeFromPath classifies a page path with the configured path patterns
func (e *Extractor) TypeFromPath(path string) models.ContentType {
	switch {
	case e.episodicRe != nil && e.episodicRe.MatchString(path):
		return models.ContentTypeEpisodic
	case e.singleRe != nil && e.singleRe.MatchString(path):
		return models.ContentTypeSingleVideo
	}
	return models.ContentTypeUnknown
}

// SourceID extracts the numeric id from a page path
func (e *Extractor) SourceID(path string) (int64, bool) {
	m := e.idRe.FindStringSubmatch(path)
	if len(m) < 2 {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// PlayerScript returns the text of the first script carrying a player payload
func (e *Extractor) PlayerScript(doc *goquery.Document) (string, bool) {
	var found string
	doc.Find(e.loc.ScriptSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if (e.payloadRe != nil && e.payloadRe.MatchString(text)) ||
			(e.loc.Decoder.LooseMarker != "" && strings.Contains(text, e.loc.Decoder.LooseMarker)) {
			found = text
			return false
		}
		return true
	})
	return found, found != ""
}

// Extract builds the metadata part of a title record from a detail page.
// Media references and seasons are resolved by the caller.
func (e *Extractor) Extract(doc *goquery.Document, pageURL *url.URL) (*models.TitleRecord, error) {
	path := e.canonicalPath(doc, pageURL)

	sourceID, ok := e.SourceID(path)
	if !ok {
		return nil, fmt.Errorf("%w: no numeric id in path %q", utils.ErrParsing, path)
	}

	contentType := e.TypeFromPath(path)
	if contentType == models.ContentTypeUnknown {
		return nil, fmt.Errorf("%w: path %q matches no content type pattern", utils.ErrParsing, path)
	}

	title := normalizeSpace(doc.Find(e.loc.TitleSelector).First().Text())
	if title == "" {
		return nil, fmt.Errorf("%w: HTML title not found on %s", utils.ErrParsing, path)
	}

	rec := &models.TitleRecord{
		SourceID: sourceID,
		Title:    title,
		Type:     contentType,
		Path:     path,
	}

	if e.loc.OriginalTitleSelector != "" {
		rec.OriginalTitle = normalizeSpace(doc.Find(e.loc.OriginalTitleSelector).First().Text())
	}
	if e.loc.ImageSelector != "" {
		img := doc.Find(e.loc.ImageSelector).First()
		src, _ := img.Attr(e.loc.ImageAttr)
		if src == "" {
			src, _ = img.Attr("data-src")
		}
		rec.Image = parse.PathOf(src)
	}

	e.readMetadataLines(doc, rec)

	rec.Meta.Likes = e.counter(doc, e.loc.LikesSelector)
	rec.Meta.Dislikes = e.counter(doc, e.loc.DislikesSelector)

	if e.loc.DescriptionSelector != "" {
		rec.Meta.Description = e.description(doc.Find(e.loc.DescriptionSelector).First())
	}

	if contentType == models.ContentTypeEpisodic && e.loc.DeclaredTotalSelector != "" {
		if n, ok := FirstInt(doc.Find(e.loc.DeclaredTotalSelector).First().Text()); ok {
			rec.DeclaredEpisodes = n
		}
	}

	return rec, nil
}

func (e *Extractor) canonicalPath(doc *goquery.Document, pageURL *url.URL) string {
	if href, ok := doc.Find(e.loc.CanonicalSelector).First().Attr("href"); ok {
		if abs := parse.ResolveReference(pageURL, href); abs != nil {
			return parse.NormalizePath(abs.Path)
		}
	}
	return parse.NormalizePath(pageURL.Path)
}

// readMetadataLines fills MetadataBlock fields from "Label: value" lines
func (e *Extractor) readMetadataLines(doc *goquery.Document, rec *models.TitleRecord) {
	if e.loc.MetadataLineSelector == "" {
		return
	}
	labels := e.labelTable()
	var added time.Time

	doc.Find(e.loc.MetadataLineSelector).Each(func(_ int, s *goquery.Selection) {
		field, value, ok := matchLabel(labels, normalizeSpace(s.Text()))
		if !ok || value == "" {
			return
		}
		meta := &rec.Meta
		switch field {
		case "year":
			if n, ok := FirstInt(value); ok {
				meta.Year = n
			}
		case "updated", "added":
			t, err := e.dates.Parse(value, e.now())
			if err != nil {
				e.log.WithField("path", rec.Path).Debugf("Ignoring %s date: %v", field, err)
				return
			}
			if field == "updated" {
				meta.LastUpdated = t
			} else {
				added = t
			}
		case "original_title":
			if rec.OriginalTitle == "" {
				rec.OriginalTitle = value
			}
		case "translation":
			meta.Translation = value
		case "duration":
			meta.Duration = ParseDuration(value)
		case "age":
			meta.AgeRating = value
		case "country":
			meta.Countries = SplitList(value)
		case "genre":
			meta.Genres = SplitList(value)
		case "quality":
			meta.Quality = value
		case "director":
			meta.Directors = SplitList(value)
		case "actor":
			meta.Actors = SplitList(value)
		case "rating":
			meta.RatingA, meta.RatingB = ParseRatings(value)
		}
	})

	if rec.Meta.LastUpdated.IsZero() {
		rec.Meta.LastUpdated = added
	}
}

type labelEntry struct {
	field  string
	prefix string
}

func (e *Extractor) labelTable() []labelEntry {
	l := e.loc.Labels
	groups := []struct {
		field    string
		prefixes []string
	}{
		{"year", l.Year}, {"updated", l.Updated}, {"added", l.Added},
		{"original_title", l.OriginalTitle}, {"translation", l.Translation},
		{"duration", l.Duration}, {"age", l.Age}, {"country", l.Country},
		{"genre", l.Genre}, {"quality", l.Quality}, {"director", l.Director},
		{"actor", l.Actor}, {"rating", l.Rating},
	}
	var table []labelEntry
	for _, g := range groups {
		for _, p := range g.prefixes {
			if p = strings.TrimSpace(p); p != "" {
				table = append(table, labelEntry{field: g.field, prefix: strings.ToLower(p)})
			}
		}
	}
	return table
}

// matchLabel picks the longest matching label prefix so "Updated" never shadows "Updated series"
func matchLabel(table []labelEntry, line string) (field, value string, ok bool) {
	lower := strings.ToLower(line)
	best := -1
	for i, entry := range table {
		if strings.HasPrefix(lower, entry.prefix) && (best < 0 || len(entry.prefix) > len(table[best].prefix)) {
			best = i
		}
	}
	if best < 0 {
		return "", "", false
	}
	value = strings.TrimSpace(line[len(table[best].prefix):])
	value = strings.TrimSpace(strings.TrimLeft(value, ":-–"))
	return table[best].field, value, true
}

func (e *Extractor) counter(doc *goquery.Document, selector string) int {
	if selector == "" {
		return 0
	}
	n, _ := FirstInt(doc.Find(selector).First().Text())
	return n
}

func (e *Extractor) description(sel *goquery.Selection) string {
	html, err := sel.Html()
	if err != nil || strings.TrimSpace(html) == "" {
		return normalizeSpace(sel.Text())
	}
	text, err := e.converter.ConvertString(html)
	if err != nil {
		e.log.Warnf("%v: %v", utils.ErrDescriptionRender, err)
		return normalizeSpace(sel.Text())
	}
	return strings.TrimSpace(text)
}
