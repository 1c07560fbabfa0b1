package schedule

import (
	"time"
)

// SchedulingType selects how a job's next execution time is computed.
type SchedulingType string

const (
	OnceASAP   SchedulingType = "ONCE_ASAP"
	FixedDelay SchedulingType = "FIXED_DELAY"
	Cron       SchedulingType = "CRON"
)

func (t SchedulingType) Valid() bool {
	switch t {
	case OnceASAP, FixedDelay, Cron:
		return true
	}
	return false
}

// Trigger is the input of the trigger calculation. It is built fresh for every
// query and holds no state of its own.
type Trigger struct {
	Type           SchedulingType
	LastExecuted   *time.Time
	CronExpression string
	// Delay in seconds, only used by FixedDelay.
	Delay int
}

// NextExecutionTime computes when the trigger is next due.
//
// now is truncated to whole seconds. maxCronDelay bounds how late a missed cron
// occurrence may still be fired; older occurrences are skipped. The second
// return value is false when the trigger never fires.
func (t Trigger) NextExecutionTime(now time.Time, maxCronDelay time.Duration) (time.Time, bool) {
	now = now.UTC().Truncate(time.Second)
	switch t.Type {
	case OnceASAP:
		return now, true
	case FixedDelay:
		if t.Delay <= 0 {
			return time.Time{}, false
		}
		if t.LastExecuted == nil {
			return now, true
		}
		next := t.LastExecuted.UTC().Add(time.Duration(t.Delay) * time.Second)
		return next.Truncate(time.Second), true
	case Cron:
		return t.nextCron(now, maxCronDelay)
	}
	return time.Time{}, false
}

func (t Trigger) nextCron(now time.Time, maxCronDelay time.Duration) (time.Time, bool) {
	if IsUnsetCron(t.CronExpression) {
		return time.Time{}, false
	}
	if maxCronDelay < 0 {
		maxCronDelay = 0
	}
	// NextCron is exclusive of since.
	var since time.Time
	if t.LastExecuted == nil {
		since = now.Add(-maxCronDelay)
	} else {
		since = t.LastExecuted.UTC().Truncate(time.Second).Add(time.Second)
	}
	next, ok := NextCron(t.CronExpression, since)
	for ok && now.After(next.Add(maxCronDelay)) {
		// Everything before now-maxCronDelay is stale; jump there instead of
		// walking through every skipped occurrence.
		from := next
		if floor := now.Add(-maxCronDelay - time.Second); floor.After(from) {
			from = floor
		}
		next, ok = NextCron(t.CronExpression, from)
	}
	return next, ok
}

// IsDueBetween reports whether the trigger fires strictly before then.
func (t Trigger) IsDueBetween(now, then time.Time, maxCronDelay time.Duration) bool {
	next, ok := t.NextExecutionTime(now, maxCronDelay)
	return ok && next.Before(then)
}
