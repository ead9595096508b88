package storage

import (
	"fmt"
	"strings"
	"time"
)

// ReportKey is the object key for a run report: <queue>/<yyyy>/<mm>/<dd>/<run-id>.json.
// The date is taken in UTC.
func ReportKey(queueName string, startedAt time.Time, runID string) string {
	d := startedAt.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", sanitize(queueName), d.Year(), d.Month(), d.Day(), sanitize(runID))
}

func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "?", "_", "#", "_")
	return r.Replace(s)
}
