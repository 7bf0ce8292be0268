package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ambiware-labs/murmur/internal/config"
	"github.com/ambiware-labs/murmur/internal/protocol"
	_ "modernc.org/sqlite"
)

// Store keeps finished transcriptions and fallback switches in SQLite.
// With retention_mode ephemeral every write is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

// SetClock overrides time for tests.
func (s *Store) SetClock(clock func() time.Time) { s.clock = clock }

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS transcripts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    text TEXT NOT NULL,
    provider TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS fallback_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    from_provider TEXT NOT NULL,
    to_provider TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_created ON transcripts(created_at);
CREATE INDEX IF NOT EXISTS idx_fallback_created ON fallback_events(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveTranscript records one finished transcription.
func (s *Store) SaveTranscript(ctx context.Context, t protocol.TranscriptReady) error {
	if s.db == nil {
		return nil
	}
	ts := t.Timestamp
	if ts.IsZero() {
		ts = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts(request_id, text, provider, duration_ms, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		t.RequestID, t.Text, t.Provider, t.DurationMS, ts)
	return err
}

// SaveFallback records a local-to-remote provider switch.
func (s *Store) SaveFallback(ctx context.Context, ev protocol.FallbackEvent) error {
	if s.db == nil {
		return nil
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fallback_events(request_id, reason, from_provider, to_provider, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		ev.RequestID, ev.Reason, ev.From, ev.To, ts)
	return err
}

// ListTranscripts returns the most recent transcripts, newest first.
func (s *Store) ListTranscripts(ctx context.Context, limit int) ([]protocol.TranscriptReady, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, text, provider, duration_ms, created_at
		 FROM transcripts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.TranscriptReady
	for rows.Next() {
		var t protocol.TranscriptReady
		var created string
		if err := rows.Scan(&t.RequestID, &t.Text, &t.Provider, &t.DurationMS, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.Timestamp = ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListFallbacks returns the most recent fallback events, newest first.
func (s *Store) ListFallbacks(ctx context.Context, limit int) ([]protocol.FallbackEvent, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, reason, from_provider, to_provider, created_at
		 FROM fallback_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []protocol.FallbackEvent
	for rows.Next() {
		var ev protocol.FallbackEvent
		var created string
		if err := rows.Scan(&ev.RequestID, &ev.Reason, &ev.From, &ev.To, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			ev.Timestamp = ts
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune applies configured retention. Called on startup; safe to schedule.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM fallback_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM transcripts WHERE id IN (
			SELECT id FROM transcripts ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM fallback_events WHERE id IN (
			SELECT id FROM fallback_events ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
