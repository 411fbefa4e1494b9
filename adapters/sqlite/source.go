package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"go-dispatch-lite/core"
)

//go:embed migrations/*
var Migrations embed.FS

const jobColumns = `id, name, payload, queue, priority, attempts, max_attempts,
	created_at, available_at, reserved_at, completed_at, failed_at, error, metadata`

const pending = `completed_at IS NULL AND failed_at IS NULL`

// rawJob mirrors the table layout. Times are unix milliseconds.
type rawJob struct {
	ID          string         `db:"id"`
	Name        string         `db:"name"`
	Payload     string         `db:"payload"`
	Queue       string         `db:"queue"`
	Priority    int            `db:"priority"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	CreatedAt   int64          `db:"created_at"`
	AvailableAt int64          `db:"available_at"`
	ReservedAt  sql.NullInt64  `db:"reserved_at"`
	CompletedAt sql.NullInt64  `db:"completed_at"`
	FailedAt    sql.NullInt64  `db:"failed_at"`
	Error       sql.NullString `db:"error"`
	Metadata    string         `db:"metadata"`
}

func (r rawJob) model() (*core.Job, error) {
	job := &core.Job{
		ID:          r.ID,
		Name:        r.Name,
		Payload:     []byte(r.Payload),
		Queue:       r.Queue,
		Priority:    core.Priority(r.Priority),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		CreatedAt:   fromMillis(r.CreatedAt),
		AvailableAt: fromMillis(r.AvailableAt),
		ReservedAt:  nullTime(r.ReservedAt),
		CompletedAt: nullTime(r.CompletedAt),
		FailedAt:    nullTime(r.FailedAt),
	}
	if r.Error.Valid {
		msg := r.Error.String
		job.Error = &msg
	}
	if err := job.Metadata.Scan(r.Metadata); err != nil {
		return nil, err
	}
	return job, nil
}

type Source struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSQLiteSource opens the database file at dsn. A single connection is
// used; SQLite serialises writers anyway and this avoids SQLITE_BUSY.
func NewSQLiteSource(ctx context.Context, dsn string) (*Source, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, core.Storage("open", err)
	}
	db.SetMaxOpenConns(1)

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, core.Storage("ping", err)
	}

	return &Source{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Source) Up() error {
	migrationFS, err := fs.Sub(Migrations, "migrations")
	if err != nil {
		return err
	}

	driver, err := sqlite3.WithInstance(s.db.DB, &sqlite3.Config{})
	if err != nil {
		return err
	}

	migrationSrc, err := iofs.New(migrationFS, ".")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance(
		"iofs",
		migrationSrc,
		"sqlite3",
		driver,
	)
	if err != nil {
		return err
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

func (s *Source) Push(ctx context.Context, job *core.Job) error {
	query := `
		INSERT INTO jobs (
			id, name, payload, queue, priority, attempts, max_attempts,
			created_at, available_at, metadata
		) VALUES (
			:id, :name, :payload, :queue, :priority, :attempts, :max_attempts,
			:created_at, :available_at, :metadata
		);
	`

	_, err := s.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":           job.ID,
		"name":         job.Name,
		"payload":      string(job.Payload),
		"queue":        job.Queue,
		"priority":     int(job.Priority),
		"attempts":     job.Attempts,
		"max_attempts": job.MaxAttempts,
		"created_at":   job.CreatedAt.UnixMilli(),
		"available_at": job.AvailableMillis(),
		"metadata":     job.Metadata,
	})

	return core.Storage("push", err)
}

// Pop reserves with a single UPDATE ... RETURNING, which SQLite executes
// atomically under its database write lock.
func (s *Source) Pop(ctx context.Context, queue string) (*core.Job, error) {
	query := `
		UPDATE jobs
		SET reserved_at = ?2, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = ?1 AND reserved_at IS NULL AND ` + pending + ` AND available_at <= ?2
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING ` + jobColumns + `;
	`

	var raw rawJob
	err := s.db.QueryRowxContext(ctx, query, queue, s.now().UnixMilli()).StructScan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, core.Storage("pop", err)
	}

	job, err := raw.model()
	return job, core.Storage("pop", err)
}

func (s *Source) Complete(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, completed_at = ?
		WHERE id = ?;
	`
	res, err := s.db.ExecContext(ctx, query, s.now().UnixMilli(), id)
	return affected("complete", res, err)
}

func (s *Source) Fail(ctx context.Context, id string, message string) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, failed_at = ?, error = ?
		WHERE id = ?;
	`
	res, err := s.db.ExecContext(ctx, query, s.now().UnixMilli(), message, id)
	return affected("fail", res, err)
}

func (s *Source) Release(ctx context.Context, id string, delay time.Duration) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, available_at = ?
		WHERE id = ? AND ` + pending + `;
	`
	res, err := s.db.ExecContext(ctx, query, core.CeilMillis(s.now().Add(delay)), id)
	if err = affected("release", res, err); !errors.Is(err, core.ErrJobNotFound) {
		return err
	}

	var count int
	if err = s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs WHERE id = ?;`, id); err != nil {
		return core.Storage("release", err)
	}
	if count == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *Source) Get(ctx context.Context, id string) (*core.Job, error) {
	var raw rawJob
	if err := s.db.GetContext(ctx, &raw, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, core.Storage("get", err)
	}

	job, err := raw.model()
	return job, core.Storage("get", err)
}

func (s *Source) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, id)
	return affected("delete", res, err)
}

func (s *Source) Size(ctx context.Context, queue string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM jobs
		WHERE queue = ? AND ` + pending + `;
	`
	var count int
	err := s.db.GetContext(ctx, &count, query, queue)
	return count, core.Storage("size", err)
}

func (s *Source) Clear(ctx context.Context, queue string) error {
	query := `
		DELETE FROM jobs
		WHERE queue = ? AND ` + pending + `;
	`
	_, err := s.db.ExecContext(ctx, query, queue)
	return core.Storage("clear", err)
}

func (s *Source) HasUniqueKey(ctx context.Context, key string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM job_unique_keys
		WHERE unique_key = ? AND expires_at > ?;
	`
	var count int
	if err := s.db.GetContext(ctx, &count, query, key, s.now().UnixMilli()); err != nil {
		return false, core.Storage("has_unique_key", err)
	}
	return count > 0, nil
}

func (s *Source) SetUniqueKey(ctx context.Context, key, jobID string, ttl time.Duration) error {
	query := `
		INSERT INTO job_unique_keys (unique_key, job_id, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (unique_key) DO UPDATE
		SET job_id = excluded.job_id, expires_at = excluded.expires_at;
	`
	_, err := s.db.ExecContext(ctx, query, key, jobID, s.now().Add(ttl).UnixMilli())
	return core.Storage("set_unique_key", err)
}

// ReleaseStale returns expired reservations to pending. Reservations made
// on the last attempt are failed instead.
func (s *Source) ReleaseStale(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, core.Storage("release_stale", err)
	}
	defer tx.Rollback()

	now := s.now()
	cutoff := now.Add(-olderThan).UnixMilli()
	failQuery := `
		UPDATE jobs
		SET reserved_at = NULL, failed_at = ?, error = ?
		WHERE queue = ? AND reserved_at <= ? AND attempts >= max_attempts AND ` + pending + `;
	`
	if _, err = tx.ExecContext(ctx, failQuery, now.UnixMilli(), core.StaleFinalAttemptMessage, queue, cutoff); err != nil {
		return 0, core.Storage("release_stale", err)
	}

	releaseQuery := `
		UPDATE jobs
		SET reserved_at = NULL, available_at = ?
		WHERE queue = ? AND reserved_at <= ? AND ` + pending + `;
	`
	res, err := tx.ExecContext(ctx, releaseQuery, now.UnixMilli(), queue, cutoff)
	if err != nil {
		return 0, core.Storage("release_stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.Storage("release_stale", err)
	}
	return int(n), core.Storage("release_stale", tx.Commit())
}

func (s *Source) Close() error {
	return s.db.Close()
}

func affected(op string, res sql.Result, err error) error {
	if err != nil {
		return core.Storage(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Storage(op, err)
	}
	if n == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
