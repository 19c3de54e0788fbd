// Package logging wires logrus to the database: a hook buffers every
// entry in memory and a short-cadence persister flushes the buffer
// into the logs table, which get_logs reads back.
package logging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chanwatch/backend/internal/database"
)

const (
	flushInterval = 5 * time.Second
	// bufferLimit caps memory if the database is down; oldest entries
	// are dropped first.
	bufferLimit = 10000

	// skipField marks entries that must not be persisted; the
	// persister tags its own failure logs with it to avoid feedback.
	skipField = "nopersist"
)

// Setup configures the process-wide logrus instance.
func Setup(debug bool) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

type bufferedEntry struct {
	time    time.Time
	level   string
	message string
}

// Persister is the logrus hook plus its flush loop.
type Persister struct {
	db *database.Database

	mu     sync.Mutex
	buffer []bufferedEntry

	working atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func NewPersister(db *database.Database) *Persister {
	return &Persister{
		db:   db,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Levels implements logrus.Hook: persist Info and louder.
func (p *Persister) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel,
		logrus.WarnLevel, logrus.InfoLevel,
	}
}

// Fire implements logrus.Hook.
func (p *Persister) Fire(entry *logrus.Entry) error {
	if _, skip := entry.Data[skipField]; skip {
		return nil
	}

	message := entry.Message
	if len(entry.Data) > 0 {
		var sb strings.Builder
		sb.WriteString(message)
		for k, v := range entry.Data {
			fmt.Fprintf(&sb, " %s=%v", k, v)
		}
		message = sb.String()
	}

	p.mu.Lock()
	if len(p.buffer) >= bufferLimit {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, bufferedEntry{
		time:    entry.Time,
		level:   entry.Level.String(),
		message: message,
	})
	p.mu.Unlock()
	return nil
}

// Start registers the hook and launches the flush loop.
func (p *Persister) Start(ctx context.Context) {
	logrus.AddHook(p)
	p.working.Store(true)
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for p.working.Load() {
			select {
			case <-ticker.C:
				p.Flush(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and flushes what remains.
func (p *Persister) Stop(ctx context.Context) {
	if p.working.CompareAndSwap(true, false) {
		close(p.stop)
	}
	<-p.done
	p.Flush(ctx)
}

// Flush writes the buffered entries in one multi-row insert. On
// failure the entries go back to the front of the buffer.
func (p *Persister) Flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO logs (log_time, log_level, message) VALUES `)
	args := make([]interface{}, 0, len(batch)*3)
	for i, e := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, e.time, e.level, e.message)
	}

	if _, err := p.db.DB().ExecContext(ctx, sb.String(), args...); err != nil {
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		p.mu.Unlock()
		logrus.WithError(err).WithField(skipField, true).Error("failed to persist log batch")
	}
}

// LogLine is one persisted log row.
type LogLine struct {
	ID      int64  `json:"id"`
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Tail reads up to num lines, newest first. A non-zero lastID pages
// backwards: only lines older than it are returned.
func (p *Persister) Tail(ctx context.Context, num int, lastID int64) ([]LogLine, error) {
	query := `SELECT id_generated, log_time, log_level, message FROM logs`
	args := []interface{}{}
	if lastID > 0 {
		query += ` WHERE id_generated < $1`
		args = append(args, lastID)
	}
	query += fmt.Sprintf(` ORDER BY id_generated DESC LIMIT %d`, num)

	rows, err := p.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var line LogLine
		var logTime time.Time
		if err := rows.Scan(&line.ID, &logTime, &line.Level, &line.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log line: %w", err)
		}
		line.Time = logTime.UTC().Format(time.RFC3339)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}
