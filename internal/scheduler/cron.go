package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard 5-field crontab shape (minute, hour,
// day-of-month, month, day-of-week).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron rejects empty or unparseable expressions.
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("cron expression is empty")
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun computes the next fire time strictly after now, as epoch
// milliseconds. It returns 0 for an empty expression (one-off tasks) and for
// expressions that fail to parse.
func NextRun(expr string, now time.Time) int64 {
	if strings.TrimSpace(expr) == "" {
		return 0
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	return sched.Next(now).UnixMilli()
}

// PreviewRuns returns the next n fire times strictly after now.
func PreviewRuns(expr string, n int, now time.Time) ([]time.Time, error) {
	if n <= 0 {
		return nil, nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	out := make([]time.Time, 0, n)
	next := now
	for i := 0; i < n; i++ {
		next = sched.Next(next)
		out = append(out, next)
	}
	return out, nil
}
