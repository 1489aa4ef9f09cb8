package snapshot

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver ("pgx")
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLStore keeps sessions in SQLite or Postgres.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ Service = (*SQLStore)(nil)

// OpenSQL opens driver ("sqlite" or "pgx") at dsn and applies migrations.
// Use ":memory:" with sqlite for tests.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	dialect := "postgres"
	if driver == "sqlite" {
		// 内存库每个连接都是独立的数据库
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
		dialect = "sqlite3"
	}

	if err := runMigrations(db.DB, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &SQLStore{db: db, now: time.Now}, nil
}

func runMigrations(db *sql.DB, dialect string) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Fetch(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, s.db.Rebind(
		`SELECT id, current_code, current_language, status, updated_at FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("fetch session %s: %w", id, err)
	}
	return sess, nil
}

// Save applies patch. Completed sessions reject writes with ErrSessionClosed.
func (s *SQLStore) Save(ctx context.Context, id string, patch Patch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load session %s: %w", id, err)
	}
	if status == StatusCompleted {
		return ErrSessionClosed
	}
	if patch.Empty() {
		return nil
	}

	now := s.now().UnixMilli()
	if patch.Code != nil {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE sessions SET current_code = ?, updated_at = ? WHERE id = ?`), *patch.Code, now, id); err != nil {
			return fmt.Errorf("save code: %w", err)
		}
	}
	if patch.Language != nil {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE sessions SET current_language = ?, updated_at = ? WHERE id = ?`), *patch.Language, now, id); err != nil {
			return fmt.Errorf("save language: %w", err)
		}
	}
	return tx.Commit()
}

// Create inserts a new active session.
func (s *SQLStore) Create(ctx context.Context, sess Session) (Session, error) {
	if sess.ID == "" {
		return Session{}, errors.New("snapshot: session id required")
	}
	sess.Status = StatusActive
	sess.UpdatedAt = s.now().UnixMilli()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO sessions (id, current_code, current_language, status, updated_at)
		 VALUES (:id, :current_code, :current_language, :status, :updated_at)`, sess)
	if err != nil {
		return Session{}, fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return sess, nil
}

// Complete marks a session completed.
func (s *SQLStore) Complete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`), StatusCompleted, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
