package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionConfig controls Cleanup. Zero days keeps everything.
type RetentionConfig struct {
	MetricsDays    int `yaml:"metrics_days"`
	HeartbeatsDays int `yaml:"heartbeats_days"`
	AuditDays      int `yaml:"audit_days"`
}

// Cleanup deletes rows older than the retention thresholds and returns the
// number of rows removed.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig, now time.Time) (int64, error) {
	// Table names are constants; nothing here comes from input.
	targets := []struct {
		table string
		days  int
	}{
		{"metrics_timeseries", cfg.MetricsDays},
		{"worker_heartbeats", cfg.HeartbeatsDays},
		{"audit_log", cfg.AuditDays},
	}

	var total int64
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days).UnixMilli()
		res, err := db.ExecContext(ctx, "DELETE FROM "+t.table+" WHERE timestamp < ?", cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
