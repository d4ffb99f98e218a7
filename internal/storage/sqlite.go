package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	cp.TaskID = strings.TrimSpace(cp.TaskID)
	if cp.TaskID == "" {
		return errors.New("checkpoint task id is required")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(task_id, principal, source_feed, target_feed, start_id, end_id, last_id, processed, failed, skipped, status, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   principal=excluded.principal,
		   source_feed=excluded.source_feed,
		   target_feed=excluded.target_feed,
		   start_id=excluded.start_id,
		   end_id=excluded.end_id,
		   last_id=excluded.last_id,
		   processed=excluded.processed,
		   failed=excluded.failed,
		   skipped=excluded.skipped,
		   status=excluded.status,
		   updated_at=excluded.updated_at`,
		cp.TaskID, nullStr(cp.Principal), cp.SourceFeed, cp.TargetFeed,
		cp.StartID, cp.EndID, cp.LastID, cp.Processed, cp.Failed, cp.Skipped,
		cp.Status, cp.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadCheckpoint(ctx context.Context, taskID string) (Checkpoint, bool, error) {
	if s == nil || s.db == nil {
		return Checkpoint{}, false, ErrDisabled
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Checkpoint{}, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, principal, source_feed, target_feed, start_id, end_id, last_id, processed, failed, skipped, status, updated_at
		 FROM checkpoints WHERE task_id = ?`, taskID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *sqliteStore) ListCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, principal, source_feed, target_feed, start_id, end_id, last_id, processed, failed, skipped, status, updated_at
		 FROM checkpoints ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteCheckpoint(ctx context.Context, taskID string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(r rowScanner) (Checkpoint, error) {
	var cp Checkpoint
	var principal sql.NullString
	var updated string
	err := r.Scan(&cp.TaskID, &principal, &cp.SourceFeed, &cp.TargetFeed,
		&cp.StartID, &cp.EndID, &cp.LastID, &cp.Processed, &cp.Failed, &cp.Skipped,
		&cp.Status, &updated)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Principal = principal.String
	if t, perr := time.Parse(time.RFC3339Nano, updated); perr == nil {
		cp.UpdatedAt = t
	}
	return cp, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
