// Package historian is the sqlite-backed DataFrame archiver named in
// §4: a FrameBus subscriber that durably persists every acked data
// point to a single table, with periodic retention pruning. It
// replaces the Postgres repo documented in original_source/'s
// infra/pg-repo — Postgres has no grounding anywhere in the teacher or
// pack stack, while sqlite does (mattn/go-sqlite3, modernc.org/sqlite
// are both already required).
package historian

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/gateway-rust-go/internal/config"
	"github.com/nugget/gateway-rust-go/internal/frame"
	"github.com/nugget/gateway-rust-go/internal/framebus"
	"github.com/nugget/gateway-rust-go/internal/value"
)

// Record is one archived point, as returned by Query.
type Record struct {
	Tag       string      `json:"tag"`
	Value     value.Value `json:"value"`
	QoS       string      `json:"qos"`
	Timestamp uint64      `json:"ts"`
}

// Historian archives acked DataFrames to sqlite and prunes rows older
// than RetainDays.
type Historian struct {
	cfg    config.HistorianConfig
	bus    *framebus.Bus
	logger *slog.Logger
	db     *sql.DB

	mu      sync.Mutex
	pending []frame.DataFrame

	done chan struct{}
}

// New opens (creating if necessary) the sqlite database at cfg.Path
// and runs its schema migration.
func New(cfg config.HistorianConfig, bus *framebus.Bus, logger *slog.Logger) (*Historian, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(sqlDriver, cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("historian: open %s: %w", cfg.Path, err)
	}

	h := &Historian{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		db:     db,
		done:   make(chan struct{}),
	}

	if err := h.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *Historian) migrate() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tag TEXT NOT NULL,
			ts INTEGER NOT NULL,
			qos TEXT NOT NULL,
			value_json TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_points_tag_ts ON points(tag, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_points_ts ON points(ts);
	`)
	if err != nil {
		return fmt.Errorf("historian: migrate: %w", err)
	}
	return nil
}

// Start subscribes to the frame bus and begins archiving data frames
// in the background. It returns once the subscription is established;
// call Stop to flush and close the store.
func (h *Historian) Start(ctx context.Context) {
	sub := h.bus.Subscribe("historian", framebus.DataOnly(), true)
	go h.archiveLoop(ctx, sub)
	go h.retentionLoop(ctx)
}

// Stop flushes any buffered points and closes the database.
func (h *Historian) Stop() error {
	close(h.done)
	h.flush()
	return h.db.Close()
}

func (h *Historian) archiveLoop(ctx context.Context, sub *framebus.Subscription) {
	ticker := time.NewTicker(h.cfg.FlushIntervalDuration())
	defer ticker.Stop()

	recv := make(chan frame.DataFrame)
	go func() {
		defer close(recv)
		for {
			env, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			df, err := env.IntoData()
			if err != nil {
				continue
			}
			select {
			case recv <- df:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case df, ok := <-recv:
			if !ok {
				return
			}
			h.mu.Lock()
			h.pending = append(h.pending, df)
			h.mu.Unlock()
		case <-ticker.C:
			h.flush()
		}
	}
}

// flush writes every buffered data frame to sqlite in one transaction.
func (h *Historian) flush() {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	tx, err := h.db.Begin()
	if err != nil {
		h.logger.Error("historian: begin tx failed", "error", err)
		return
	}

	stmt, err := tx.Prepare(`INSERT INTO points (tag, ts, qos, value_json) VALUES (?, ?, ?, ?)`)
	if err != nil {
		h.logger.Error("historian: prepare failed", "error", err)
		tx.Rollback()
		return
	}
	defer stmt.Close()

	for _, df := range batch {
		valueJSON, err := json.Marshal(df.Value)
		if err != nil {
			h.logger.Warn("historian: skip point with unmarshalable value", "tag", df.Tag, "error", err)
			continue
		}
		if _, err := stmt.Exec(df.Tag, df.Timestamp, df.QoS.String(), string(valueJSON)); err != nil {
			h.logger.Error("historian: insert failed", "tag", df.Tag, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		h.logger.Error("historian: commit failed", "error", err)
		return
	}
	h.logger.Debug("historian: flushed batch", "count", len(batch))
}

// retentionLoop prunes rows older than RetainDays once per hour.
func (h *Historian) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.prune(time.Now()); err != nil {
				h.logger.Error("historian: prune failed", "error", err)
			}
		}
	}
}

// prune deletes rows older than cfg.RetainDays relative to now and logs
// how many rows it deleted; a RetainDays of zero or less disables it.
func (h *Historian) prune(now time.Time) error {
	if h.cfg.RetainDays <= 0 {
		return nil
	}
	cutoff := now.Add(-time.Duration(h.cfg.RetainDays) * 24 * time.Hour).UnixNano()
	result, err := h.db.Exec(`DELETE FROM points WHERE ts < ?`, uint64(cutoff))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		h.logger.Info("historian: pruned old points", "count", n, "retainDays", h.cfg.RetainDays)
	}
	return nil
}

// Query returns archived points for tag within [from, to], newest
// first, capped at limit rows.
func (h *Historian) Query(tag string, from, to time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := h.db.Query(`
		SELECT tag, ts, qos, value_json FROM points
		WHERE tag = ? AND ts >= ? AND ts <= ?
		ORDER BY ts DESC
		LIMIT ?
	`, tag, uint64(from.UnixNano()), uint64(to.UnixNano()), limit)
	if err != nil {
		return nil, fmt.Errorf("historian: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var valueJSON string
		if err := rows.Scan(&rec.Tag, &rec.Timestamp, &rec.QoS, &valueJSON); err != nil {
			return nil, fmt.Errorf("historian: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &rec.Value); err != nil {
			return nil, fmt.Errorf("historian: unmarshal value: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
