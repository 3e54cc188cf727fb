package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	_ "modernc.org/sqlite"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionPersistent = "persistent"
)

// Chapter event statuses.
const (
	StatusSkipped     = "skipped"
	StatusGenerated   = "generated"
	StatusFailed      = "failed"
	StatusChunkFailed = "chunk_failed"
)

// Run is one invocation of the batch driver.
type Run struct {
	ID         string
	Voice      string
	Rate       string
	Attempted  int
	Produced   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ChapterEvent records what happened to one chapter (or one chunk of it) in a run.
type ChapterEvent struct {
	ID        int64
	RunID     string
	Chapter   string
	Status    string
	Detail    string
	Bytes     int64
	CreatedAt time.Time
}

// Journal is a SQLite-backed history of narration runs. With ephemeral
// retention it holds no database and every method is a no-op.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Journal{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := j.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}
	return j, nil
}

// Timestamps are unix milliseconds so retention comparisons are numeric.
func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    voice TEXT,
    rate TEXT,
    attempted INTEGER NOT NULL DEFAULT 0,
    produced INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS chapter_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    chapter TEXT NOT NULL,
    status TEXT NOT NULL,
    detail TEXT,
    bytes INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chapter_events_run ON chapter_events(run_id, id);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

func (j *Journal) enabled() bool {
	return j.cfg.RetentionMode != RetentionEphemeral && j.db != nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// StartRun allocates a run ID and records the run. The ID is returned even
// when the journal is ephemeral so it can still tag progress events.
func (j *Journal) StartRun(ctx context.Context, voice, rate string) (string, error) {
	id := uuid.NewString()
	if !j.enabled() {
		return id, nil
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, voice, rate, started_at) VALUES(?, ?, ?, ?)`,
		id, voice, rate, j.clock().UnixMilli())
	if err != nil {
		return id, fmt.Errorf("record run start: %w", err)
	}
	return id, nil
}

func (j *Journal) RecordChapter(ctx context.Context, evt ChapterEvent) error {
	if !j.enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = j.clock()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO chapter_events(run_id, chapter, status, detail, bytes, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		evt.RunID, evt.Chapter, evt.Status, evt.Detail, evt.Bytes, evt.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record chapter event: %w", err)
	}
	return nil
}

func (j *Journal) FinishRun(ctx context.Context, runID string, attempted, produced int) error {
	if !j.enabled() {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET attempted = ?, produced = ?, finished_at = ? WHERE run_id = ?`,
		attempted, produced, j.clock().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if !j.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, voice, rate, attempted, produced, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Voice, &r.Rate, &r.Attempted, &r.Produced, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListChapterEvents returns a run's events in the order they were recorded.
func (j *Journal) ListChapterEvents(ctx context.Context, runID string) ([]ChapterEvent, error) {
	if !j.enabled() {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, chapter, status, detail, bytes, created_at
		 FROM chapter_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ChapterEvent
	for rows.Next() {
		var e ChapterEvent
		var detail sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Chapter, &e.Status, &detail, &e.Bytes, &created); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops runs older than RetentionDays and all but the newest MaxRuns.
// Chapter events go with their run.
func (j *Journal) Prune(ctx context.Context) (err error) {
	if !j.enabled() || j.cfg.RetentionMode != RetentionPersistent {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if j.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
