package episodes

import (
	"strconv"
	"strings"

	"catalog-sync/pkg/models"
)

// DefaultTolerance is how far the assembled episode count may fall short of the declared total
const DefaultTolerance = 1

// LabelCount returns how many episodes a label stands for: "12-14" is three, anything else one
func LabelCount(label string) int {
	label = strings.TrimSpace(label)
	for _, dash := range []string{"-", "–"} {
		from, to, ok := strings.Cut(label, dash)
		if !ok {
			continue
		}
		a, errA := strconv.Atoi(strings.TrimSpace(from))
		b, errB := strconv.Atoi(strings.TrimSpace(to))
		if errA != nil || errB != nil || b < a {
			return 1
		}
		return b - a + 1
	}
	return 1
}

// AssembledTotal sums the label counts of every episode
func AssembledTotal(seasons []models.SeasonRecord) int {
	total := 0
	for _, s := range seasons {
		for _, e := range s.Episodes {
			total += LabelCount(e.Label)
		}
	}
	return total
}

// IsComplete applies DefaultTolerance
func IsComplete(seasons []models.SeasonRecord, declared int) bool {
	return IsCompleteWithin(seasons, declared, DefaultTolerance)
}

// IsCompleteWithin reports whether a season set is usable: season ids are unique, every season
// has episodes with unique ids and a URL each, and the assembled total is within tolerance of
// the declared total or above it.
func IsCompleteWithin(seasons []models.SeasonRecord, declared, tolerance int) bool {
	if len(seasons) == 0 {
		return false
	}
	ids := make(map[int]bool, len(seasons))
	for _, s := range seasons {
		if ids[s.ID] || len(s.Episodes) == 0 {
			return false
		}
		ids[s.ID] = true
		episodeIDs := make(map[int]bool, len(s.Episodes))
		for _, e := range s.Episodes {
			if episodeIDs[e.ID] || !e.HasURL() {
				return false
			}
			episodeIDs[e.ID] = true
		}
	}

	assembled := AssembledTotal(seasons)
	if assembled > declared {
		return true
	}
	return declared-assembled <= tolerance
}
