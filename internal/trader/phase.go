package trader

import (
	"fmt"
	"strings"
	"time"
)

// phase is one trading window within the day, in seconds of day. Windows
// never span midnight; a night session is configured as two phases.
type phase struct {
	start int
	end   int
}

type phases []phase

// parsePhases parses windows of the form "09:00:00-11:30:00".
func parsePhases(windows []string) (phases, error) {
	out := make(phases, 0, len(windows))
	for _, w := range windows {
		from, to, found := strings.Cut(w, "-")
		if !found {
			return nil, fmt.Errorf("trading phase %q: want HH:MM:SS-HH:MM:SS", w)
		}
		start, err := secondOfDay(from)
		if err != nil {
			return nil, fmt.Errorf("trading phase %q: %w", w, err)
		}
		end, err := secondOfDay(to)
		if err != nil {
			return nil, fmt.Errorf("trading phase %q: %w", w, err)
		}
		if end <= start {
			return nil, fmt.Errorf("trading phase %q: end before start", w)
		}
		out = append(out, phase{start: start, end: end})
	}
	return out, nil
}

func secondOfDay(s string) (int, error) {
	t, err := time.Parse("15:04:05", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
}

// open reports whether t falls inside any phase. No phases means always
// open.
func (ps phases) open(t time.Time) bool {
	if len(ps) == 0 {
		return true
	}
	sec := t.Hour()*3600 + t.Minute()*60 + t.Second()
	for _, p := range ps {
		if sec >= p.start && sec < p.end {
			return true
		}
	}
	return false
}
