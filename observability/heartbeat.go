package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// Gauges are point-in-time service readings written with every heartbeat.
type Gauges struct {
	OpenWidgets int
	QueueDepth  int
}

// HeartbeatWriter writes periodic liveness rows to worker_heartbeats.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	pid        int
	interval   time.Duration
	gauges     func() Gauges
	logger     *slog.Logger
	done       chan struct{}
}

// NewHeartbeatWriter creates a writer. gauges may be nil.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration, gauges func() Gauges, logger *slog.Logger) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		pid:        os.Getpid(),
		interval:   interval,
		gauges:     gauges,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run writes one heartbeat immediately, then one per interval until ctx is
// cancelled.
func (hw *HeartbeatWriter) Run(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()
	for {
		if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
			hw.logger.Error("observability: heartbeat write failed", "error", err, "worker", hw.workerName)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Done is closed when Run returns.
func (hw *HeartbeatWriter) Done() <-chan struct{} { return hw.done }

// WriteHeartbeat writes a single heartbeat row.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	var g Gauges
	if hw.gauges != nil {
		g = hw.gauges()
	}
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, open_widgets, queue_depth
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.pid, time.Now().UnixMilli(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, g.OpenWidgets, g.QueueDepth)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// HeartbeatStatus is the latest heartbeat of a worker with a staleness
// verdict.
type HeartbeatStatus struct {
	WorkerName    string    `json:"worker_name"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	Timestamp     time.Time `json:"timestamp"`
	Goroutines    int       `json:"goroutines_count"`
	MemoryAllocMB float64   `json:"memory_alloc_mb"`
	OpenWidgets   int       `json:"open_widgets"`
	QueueDepth    int       `json:"queue_depth"`
	Alive         bool      `json:"alive"`
}

// LatestHeartbeat returns the most recent heartbeat for workerName, or nil
// if none was written. A beat older than staleAfter is not alive.
func LatestHeartbeat(ctx context.Context, db *sql.DB, workerName string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	var hs HeartbeatStatus
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp,
		       goroutines_count, memory_alloc_mb, open_widgets, queue_depth
		FROM worker_heartbeats
		WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, workerName).Scan(
		&hs.WorkerName, &hs.Hostname, &hs.PID, &ts,
		&hs.Goroutines, &hs.MemoryAllocMB, &hs.OpenWidgets, &hs.QueueDepth)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest heartbeat: %w", err)
	}
	hs.Timestamp = time.UnixMilli(ts)
	hs.Alive = time.Since(hs.Timestamp) <= staleAfter
	return &hs, nil
}
