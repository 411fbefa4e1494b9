package mysql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	mysql2 "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"go-dispatch-lite/core"
)

//go:embed migrations/*
var Migrations embed.FS

const jobColumns = `id, name, payload, queue, priority, attempts, max_attempts,
	created_at, available_at, reserved_at, completed_at, failed_at, error, metadata`

const pending = `completed_at IS NULL AND failed_at IS NULL`

type Source struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMySQLSource opens dsn with parseTime forced on and UTC as the session
// location, so DATETIME columns scan into time.Time.
func NewMySQLSource(ctx context.Context, dsn string) (*Source, error) {
	cfg, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return nil, core.Storage("open", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, core.Storage("open", err)
	}
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

	driver, err := mysql2.WithInstance(s.db.DB, &mysql2.Config{})
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
		"mysql",
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
		"created_at":   job.CreatedAt.UTC(),
		"available_at": job.AvailableAt.UTC(),
		"metadata":     job.Metadata,
	})
	return core.Storage("push", err)
}

// Pop selects and reserves inside one transaction. SKIP LOCKED (MySQL 8+)
// lets concurrent workers pass over rows another transaction is claiming.
func (s *Source) Pop(ctx context.Context, queue string) (*core.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, core.Storage("pop", err)
	}
	defer tx.Rollback()

	now := s.now()
	query := `
		SELECT id
		FROM jobs
		WHERE queue = ? AND reserved_at IS NULL AND ` + pending + ` AND available_at <= ?
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED;
	`

	var id string
	if err = tx.GetContext(ctx, &id, query, queue, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, core.Storage("pop", err)
	}

	updateQuery := `
		UPDATE jobs
		SET reserved_at = ?, attempts = attempts + 1
		WHERE id = ?;
	`
	if _, err = tx.ExecContext(ctx, updateQuery, now, id); err != nil {
		return nil, core.Storage("pop", err)
	}

	var job core.Job
	if err = tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id); err != nil {
		return nil, core.Storage("pop", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, core.Storage("pop", err)
	}

	return &job, nil
}

func (s *Source) Complete(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, completed_at = ?
		WHERE id = ?;
	`
	res, err := s.db.ExecContext(ctx, query, s.now(), id)
	return s.affected(ctx, "complete", id, res, err)
}

func (s *Source) Fail(ctx context.Context, id string, message string) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, failed_at = ?, error = ?
		WHERE id = ?;
	`
	res, err := s.db.ExecContext(ctx, query, s.now(), message, id)
	return s.affected(ctx, "fail", id, res, err)
}

func (s *Source) Release(ctx context.Context, id string, delay time.Duration) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, available_at = ?
		WHERE id = ? AND ` + pending + `;
	`
	res, err := s.db.ExecContext(ctx, query, s.now().Add(delay), id)
	return s.affected(ctx, "release", id, res, err)
}

func (s *Source) Get(ctx context.Context, id string) (*core.Job, error) {
	var job core.Job
	if err := s.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, core.Storage("get", err)
	}
	return &job, nil
}

func (s *Source) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?;`, id)
	if err != nil {
		return core.Storage("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Storage("delete", err)
	}
	if n == 0 {
		return core.ErrJobNotFound
	}
	return nil
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
	if err := s.db.GetContext(ctx, &count, query, key, s.now()); err != nil {
		return false, core.Storage("has_unique_key", err)
	}
	return count > 0, nil
}

func (s *Source) SetUniqueKey(ctx context.Context, key, jobID string, ttl time.Duration) error {
	query := `
		INSERT INTO job_unique_keys (unique_key, job_id, expires_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE job_id = VALUES(job_id), expires_at = VALUES(expires_at);
	`
	_, err := s.db.ExecContext(ctx, query, key, jobID, s.now().Add(ttl))
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
	failQuery := `
		UPDATE jobs
		SET reserved_at = NULL, failed_at = ?, error = ?
		WHERE queue = ? AND reserved_at <= ? AND attempts >= max_attempts AND ` + pending + `;
	`
	if _, err = tx.ExecContext(ctx, failQuery, now, core.StaleFinalAttemptMessage, queue, now.Add(-olderThan)); err != nil {
		return 0, core.Storage("release_stale", err)
	}

	releaseQuery := `
		UPDATE jobs
		SET reserved_at = NULL, available_at = ?
		WHERE queue = ? AND reserved_at <= ? AND ` + pending + `;
	`
	res, err := tx.ExecContext(ctx, releaseQuery, now, queue, now.Add(-olderThan))
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

// affected maps a zero-row update to ErrJobNotFound when the row is missing.
// MySQL reports matched-but-unchanged rows as zero, so existence is checked
// separately; an existing terminal job is a no-op.
func (s *Source) affected(ctx context.Context, op, id string, res sql.Result, err error) error {
	if err != nil {
		return core.Storage(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return core.Storage(op, err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err = s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs WHERE id = ?;`, id); err != nil {
		return core.Storage(op, err)
	}
	if count == 0 {
		return core.ErrJobNotFound
	}
	return nil
}
