package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/widgetd/idgen"
)

// AuditEntry records one Control API call.
type AuditEntry struct {
	EntryID      string    `json:"entry_id"`
	Timestamp    time.Time `json:"timestamp"`
	Operation    string    `json:"operation"` // e.g. "create_widget", "add_modifier"
	WidgetID     string    `json:"widget_id,omitempty"`
	Transport    string    `json:"transport"` // "http", "mcp"
	TraceID      string    `json:"trace_id,omitempty"`
	Parameters   string    `json:"parameters"` // JSON
	Status       string    `json:"status"`     // "success", "error"
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

// NewAuditEntry builds an entry from a call's request and outcome. params is
// marshalled to JSON.
func NewAuditEntry(operation, widgetID string, params any, err error, duration time.Duration) *AuditEntry {
	e := &AuditEntry{
		Timestamp:  time.Now(),
		Operation:  operation,
		WidgetID:   widgetID,
		Parameters: "{}",
		Status:     "success",
		DurationMs: duration.Milliseconds(),
	}
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = "error"
		e.ErrorMessage = err.Error()
	}
	return e
}

// AuditLogger persists audit entries from a buffered channel.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *AuditEntry
	stop   chan struct{}
	done   chan struct{}
}

// NewAuditLogger starts an async audit logger. Recommended bufferSize: 256.
func NewAuditLogger(db *sql.DB, bufferSize int, logger *slog.Logger) *AuditLogger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("audit_", idgen.NanoID(16)),
		logger: logger,
		ch:     make(chan *AuditEntry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, e)
}

// LogAsync queues an entry. When the buffer is full it falls back to a
// synchronous insert.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("observability: audit buffer full, sync fallback", "operation", e.Operation)
		if err := a.insert(context.Background(), e); err != nil {
			a.logger.Error("observability: audit sync fallback failed", "error", err)
		}
	}
}

// AuditFilter selects audit entries. Zero fields are unbounded.
type AuditFilter struct {
	WidgetID  string
	Operation string
	Limit     int // default 100
}

// Query returns entries newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, operation, widget_id, transport, trace_id,
		parameters, status, error_message, duration_ms
		FROM audit_log WHERE 1=1`
	var args []any
	if f.WidgetID != "" {
		q += " AND widget_id = ?"
		args = append(args, f.WidgetID)
	}
	if f.Operation != "" {
		q += " AND operation = ?"
		args = append(args, f.Operation)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		var widgetID, traceID, errMsg sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&e.EntryID, &ts, &e.Operation, &widgetID, &e.Transport, &traceID,
			&e.Parameters, &e.Status, &errMsg, &duration); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.WidgetID = widgetID.String
		e.TraceID = traceID.String
		e.ErrorMessage = errMsg.String
		e.DurationMs = duration.Int64
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close drains the buffer and stops the writer goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		if e.ErrorMessage != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

func (a *AuditLogger) loop() {
	defer close(a.done)
	for {
		select {
		case e := <-a.ch:
			a.write(e)
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					a.write(e)
				default:
					return
				}
			}
		}
	}
}

func (a *AuditLogger) write(e *AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.insert(ctx, e); err != nil {
		a.logger.Error("observability: audit insert", "error", err, "entry_id", e.EntryID)
	}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, operation, widget_id, transport, trace_id,
		 parameters, status, error_message, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.Operation, nullable(e.WidgetID), e.Transport, nullable(e.TraceID),
		e.Parameters, e.Status, nullable(e.ErrorMessage), e.DurationMs)
	return err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
