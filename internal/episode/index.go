package episode

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/arbor/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Index is the SQLite lookup cache over episode records. It mirrors the
// append-only episodic log so fingerprint-prefix queries stay cheap as the
// log grows; the log remains the durable source of truth.
type Index struct {
	db     *sql.DB
	dbPath string
}

// OpenIndex opens the episode index database, creating the schema if needed.
func OpenIndex(dbPath string) (*Index, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open episode index: %w", err)
	}

	// busy_timeout first so the remaining pragmas wait on locks held by a
	// concurrently initializing process.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init episode schema: %w", err)
	}

	return &Index{db: db, dbPath: dbPath}, nil
}

// execWithRetry retries a statement with exponential backoff on
// "database is locked" errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection.
func (ix *Index) Close() error {
	if ix.db != nil {
		return ix.db.Close()
	}
	return nil
}

// Record inserts an episode into the index. Inserting the same episode id
// again is a no-op, matching the idempotency of the episodic log append.
func (ix *Index) Record(ctx context.Context, rec models.EpisodeRecord) error {
	query := `INSERT OR IGNORE INTO episodes
		(episode_id, fingerprint, tree_shape, outcome, duration_ms, diagnostic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := ix.db.ExecContext(ctx, query,
		rec.EpisodeID,
		rec.Fingerprint,
		rec.TreeShape,
		string(rec.Outcome),
		rec.DurationMS,
		rec.Diagnostic,
		ts,
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// FindByFingerprint returns episodes whose fingerprint starts with prefix,
// most recent first. limit <= 0 returns every match.
func (ix *Index) FindByFingerprint(ctx context.Context, prefix string, limit int) ([]models.EpisodeRecord, error) {
	query := `SELECT episode_id, fingerprint, tree_shape, outcome, duration_ms, diagnostic, created_at
		FROM episodes
		WHERE fingerprint LIKE ?
		ORDER BY created_at DESC, episode_id DESC`

	args := []any{prefix + "%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var episodes []models.EpisodeRecord
	for rows.Next() {
		var rec models.EpisodeRecord
		var outcome string
		if err := rows.Scan(
			&rec.EpisodeID,
			&rec.Fingerprint,
			&rec.TreeShape,
			&outcome,
			&rec.DurationMS,
			&rec.Diagnostic,
			&rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan episode row: %w", err)
		}
		rec.Outcome = models.RunOutcome(outcome)
		episodes = append(episodes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episode rows: %w", err)
	}
	return episodes, nil
}

// OutcomeStats aggregates terminal outcomes for one fingerprint.
type OutcomeStats struct {
	Completed     int
	Aborted       int
	AvgDurationMS int64
}

// Stats returns the aggregated outcomes recorded for a fingerprint.
func (ix *Index) Stats(ctx context.Context, fingerprint string) (*OutcomeStats, error) {
	query := `SELECT
		COUNT(CASE WHEN outcome = ? THEN 1 END),
		COUNT(CASE WHEN outcome = ? THEN 1 END),
		COALESCE(AVG(duration_ms), 0)
		FROM episodes WHERE fingerprint = ?`

	stats := &OutcomeStats{}
	var avg sql.NullFloat64
	err := ix.db.QueryRowContext(ctx, query,
		string(models.OutcomeCompleted), string(models.OutcomeAborted), fingerprint,
	).Scan(&stats.Completed, &stats.Aborted, &avg)
	if err != nil {
		return nil, fmt.Errorf("query episode stats: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = int64(avg.Float64)
	}
	return stats, nil
}
