package schedule

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

// UnsetCron is the "every second" expression used by configuration forms to
// mean that no cron expression was chosen.
const UnsetCron = "* * * * * ?"

// Six field cron (sec min hour dom month dow), "?" allowed in the day fields,
// plus descriptors such as "@hourly" or "@every 30s".
var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var (
	parsedMu sync.RWMutex
	parsed   = map[string]cron.Schedule{}
)

// IsUnsetCron reports whether expr carries no usable cron schedule.
func IsUnsetCron(expr string) bool {
	expr = strings.TrimSpace(expr)
	return expr == "" || expr == UnsetCron
}

// ParseCron parses expr, caching the result. Parsing is deterministic so the
// cache never changes what callers observe.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	parsedMu.RLock()
	s, ok := parsed[expr]
	parsedMu.RUnlock()
	if ok {
		return s, nil
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron %q", expr)
	}
	parsedMu.Lock()
	parsed[expr] = s
	parsedMu.Unlock()
	return s, nil
}

// ValidateCron returns an error when expr is unset or cannot be parsed.
func ValidateCron(expr string) error {
	if IsUnsetCron(expr) {
		return errors.Newf("cron expression required, got %q", expr)
	}
	_, err := ParseCron(expr)
	return err
}

// NextCron returns the first occurrence of expr strictly after from, in UTC.
// The second return value is false when there is none.
func NextCron(expr string, from time.Time) (time.Time, bool) {
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, false
	}
	next := s.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
