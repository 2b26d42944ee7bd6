package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"catalog-sync/pkg/models"
	"catalog-sync/pkg/utils"
)

var (
	clockRe     = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	bareClockRe = regexp.MustCompile(`^\d{1,2}:\d{2}$`)
	ratingRe    = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*/\s*(\d+(?:[.,]\d+)?)`)
	hmsRe       = regexp.MustCompile(`(\d+):(\d{2})(?::(\d{2}))?`)
	intRe       = regexp.MustCompile(`\d+`)
	spaceRe     = regexp.MustCompile(`\s+`)
)

// DateParser turns the three source date forms into one timezone:
// an absolute date-time, "<yesterday word> HH:mm" and a bare "HH:mm" meaning today.
type DateParser struct {
	Layouts        []string
	YesterdayWords []string
	TodayWords     []string
	Location       *time.Location
}

// Parse interprets s relative to now
func (p DateParser) Parse(s string, now time.Time) (time.Time, error) {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	s = normalizeSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", utils.ErrParsing)
	}
	lower := strings.ToLower(s)
	localNow := now.In(loc)

	for _, w := range p.YesterdayWords {
		if w != "" && strings.HasPrefix(lower, strings.ToLower(w)) {
			return atClock(localNow.AddDate(0, 0, -1), s[len(w):], loc)
		}
	}
	for _, w := range p.TodayWords {
		if w != "" && strings.HasPrefix(lower, strings.ToLower(w)) {
			return atClock(localNow, s[len(w):], loc)
		}
	}
	if bareClockRe.MatchString(s) {
		return atClock(localNow, s, loc)
	}

	for _, layout := range p.Layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized date %q", utils.ErrParsing, s)
}

func atClock(day time.Time, rest string, loc *time.Location) (time.Time, error) {
	m := clockRe.FindStringSubmatch(rest)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: no HH:mm in %q", utils.ErrParsing, rest)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("%w: clock out of range in %q", utils.ErrParsing, rest)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc), nil
}

// ParseRatings reads "a/b | c/d". Either side may be missing or unparsable, yielding nil for it.
func ParseRatings(s string) (first, second *models.Rating) {
	parts := strings.SplitN(s, "|", 2)
	first = parseRating(parts[0])
	if len(parts) == 2 {
		second = parseRating(parts[1])
	}
	return first, second
}

func parseRating(s string) *models.Rating {
	m := ratingRe.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	score, err1 := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	scale, err2 := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", "."), 64)
	if err1 != nil || err2 != nil || scale <= 0 {
		return nil
	}
	return &models.Rating{Score: score, Scale: scale}
}

// ParseDuration converts "1:45:00", "1:45" (h:mm) or "105 min" (minutes) to seconds. 0 when absent.
func ParseDuration(s string) int {
	if m := hmsRe.FindStringSubmatch(s); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		if m[3] != "" {
			c, _ := strconv.Atoi(m[3])
			return a*3600 + b*60 + c
		}
		return a*3600 + b*60
	}
	if n, ok := FirstInt(s); ok {
		return n * 60
	}
	return 0
}

// FirstInt returns the first integer in s, ignoring thousands separators made of spaces
func FirstInt(s string) (int, bool) {
	compact := strings.NewReplacer(" ", "", "\u00a0", "", "\u2009", "").Replace(s)
	m := intRe.FindString(compact)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SplitList splits a comma separated metadata value, trimming blanks
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
