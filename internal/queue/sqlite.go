package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"hostagent/internal/domain"
)

var ErrEmpty = errors.New("no stored results")

// Open opens (creating if needed) the SQLite store at path.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS repository (
  row_id INTEGER PRIMARY KEY AUTOINCREMENT,
  activity_id TEXT NOT NULL,
  inserted_at INTEGER NOT NULL,
  result BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_repository_activity ON repository(activity_id);
CREATE TABLE IF NOT EXISTS erroneous_repository (
  row_id INTEGER PRIMARY KEY AUTOINCREMENT,
  activity_id TEXT NOT NULL,
  inserted_at INTEGER NOT NULL,
  result BLOB NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the durable result store. The pending table is a FIFO by
// row id; the erroneous table is append-only and never read back for retry.
type Repository interface {
	Insert(ctx context.Context, activityID string, result []byte) (int64, error)
	InsertErroneous(ctx context.Context, activityID string, result []byte) error
	MoveToErroneous(ctx context.Context, rowID int64) error
	Oldest(ctx context.Context) (domain.StoredResult, error)
	Delete(ctx context.Context, rowID int64) error
	DeleteByActivity(ctx context.Context, activityID string) (int, error)
	Count(ctx context.Context) (int, error)
	CountErroneous(ctx context.Context) (int, error)
	Close() error
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

func (r *sqliteRepo) Insert(ctx context.Context, activityID string, result []byte) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO repository (activity_id, inserted_at, result) VALUES (?,?,?)`,
		activityID, r.now().UnixMilli(), result)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *sqliteRepo) InsertErroneous(ctx context.Context, activityID string, result []byte) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO erroneous_repository (activity_id, inserted_at, result) VALUES (?,?,?)`,
		activityID, r.now().UnixMilli(), result)
	return err
}

// MoveToErroneous copies a pending row to the erroneous table and deletes it
// in one transaction. A row that is already gone is a no-op.
func (r *sqliteRepo) MoveToErroneous(ctx context.Context, rowID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO erroneous_repository (activity_id, inserted_at, result)
SELECT activity_id, ?, result FROM repository WHERE row_id=?`,
		r.now().UnixMilli(), rowID); err != nil {
		return fmt.Errorf("copy row %d: %w", rowID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM repository WHERE row_id=?", rowID); err != nil {
		return fmt.Errorf("delete row %d: %w", rowID, err)
	}
	return tx.Commit()
}

func (r *sqliteRepo) Oldest(ctx context.Context) (domain.StoredResult, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT row_id, activity_id, inserted_at, result
FROM repository
ORDER BY row_id ASC
LIMIT 1`)
	var s domain.StoredResult
	var insertedAt int64
	err := row.Scan(&s.RowID, &s.ActivityID, &insertedAt, &s.Result)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StoredResult{}, ErrEmpty
	}
	if err != nil {
		return domain.StoredResult{}, err
	}
	s.InsertedAt = time.UnixMilli(insertedAt)
	return s, nil
}

func (r *sqliteRepo) Delete(ctx context.Context, rowID int64) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM repository WHERE row_id=?", rowID)
	return err
}

func (r *sqliteRepo) DeleteByActivity(ctx context.Context, activityID string) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM repository WHERE activity_id=?", activityID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Count(ctx context.Context) (int, error) {
	return r.count(ctx, "repository")
}

func (r *sqliteRepo) CountErroneous(ctx context.Context) (int, error) {
	return r.count(ctx, "erroneous_repository")
}

func (r *sqliteRepo) count(ctx context.Context, table string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}

func (r *sqliteRepo) Close() error { return r.db.Close() }
