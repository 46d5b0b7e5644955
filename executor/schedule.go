package executor

import (
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
// Exported so definitions can be validated at deploy time.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// scheduleCache caches parsed cron expressions for repeating jobs.
type scheduleCache struct {
	mu     sync.RWMutex
	parsed map[string]cronlib.Schedule
}

func newScheduleCache() *scheduleCache {
	return &scheduleCache{parsed: make(map[string]cronlib.Schedule)}
}

// Next returns the first occurrence of the expression after the given
// time.
func (c *scheduleCache) Next(expr string, after time.Time) (time.Time, error) {
	c.mu.RLock()
	sched, ok := c.parsed[expr]
	c.mu.RUnlock()
	if !ok {
		var err error
		sched, err = ParseSchedule(expr)
		if err != nil {
			return time.Time{}, err
		}
		c.mu.Lock()
		c.parsed[expr] = sched
		c.mu.Unlock()
	}
	return sched.Next(after), nil
}
