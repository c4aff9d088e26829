package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/widgetd/dbopen"
	"github.com/hazyhaar/widgetd/widget"
)

// DefaultHistoryLimit bounds history queries that do not set a limit.
const DefaultHistoryLimit = 500

// HistoryQuery filters ExtractionHistory.
type HistoryQuery struct {
	WidgetID string // empty means every widget
	Limit    int    // <= 0 means DefaultHistoryLimit
}

// AppendExtraction appends one record to the extraction history. It never
// consults the widgets table: results for deleted widgets are kept.
func (s *Store) AppendExtraction(ctx context.Context, r *widget.ExtractionRecord) error {
	if r.Timestamp == 0 {
		r.Timestamp = s.nowMilli()
	}
	res, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO extractions (widget_id, incarnation_id, value, error, timestamp, received_at)
		VALUES (?,?,?,?,?,?)`,
		r.WidgetID, r.Incarnation, nullStr(r.Value), nullStr(r.Error), r.Timestamp, s.nowMilli())
	if err != nil {
		return fmt.Errorf("store: append extraction: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// ExtractionHistory returns records newest first. Records from an earlier
// incarnation of a widget that still exists are flagged Stale.
func (s *Store) ExtractionHistory(ctx context.Context, q HistoryQuery) ([]widget.ExtractionRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	query := `
		SELECT e.id, e.widget_id, e.incarnation_id, e.value, e.error, e.timestamp,
		       w.widget_id IS NOT NULL AND w.incarnation_id != e.incarnation_id
		FROM extractions e
		LEFT JOIN widgets w ON w.widget_id = e.widget_id`
	var args []any
	if q.WidgetID != "" {
		query += ` WHERE e.widget_id = ?`
		args = append(args, q.WidgetID)
	}
	query += ` ORDER BY e.timestamp DESC, e.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: extraction history: %w", err)
	}
	defer rows.Close()
	return scanExtractions(rows)
}

// LatestExtractions returns the most recent record per widget id. For a
// widget that exists, only records of its current incarnation qualify; a
// deleted widget keeps its last record.
func (s *Store) LatestExtractions(ctx context.Context) ([]widget.ExtractionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, widget_id, incarnation_id, value, error, timestamp, 0
		FROM (
			SELECT e.*, ROW_NUMBER() OVER (
				PARTITION BY e.widget_id ORDER BY e.timestamp DESC, e.id DESC
			) AS rn
			FROM extractions e
			LEFT JOIN widgets w ON w.widget_id = e.widget_id
			WHERE w.widget_id IS NULL OR w.incarnation_id = e.incarnation_id
		)
		WHERE rn = 1
		ORDER BY widget_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: latest extractions: %w", err)
	}
	defer rows.Close()
	return scanExtractions(rows)
}

func scanExtractions(rows *sql.Rows) ([]widget.ExtractionRecord, error) {
	var out []widget.ExtractionRecord
	for rows.Next() {
		var r widget.ExtractionRecord
		var value, errStr sql.NullString
		var stale int
		if err := rows.Scan(&r.ID, &r.WidgetID, &r.Incarnation, &value, &errStr, &r.Timestamp, &stale); err != nil {
			return nil, fmt.Errorf("store: scan extraction: %w", err)
		}
		r.Value = value.String
		r.Error = errStr.String
		r.Stale = stale != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
