package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"go-dispatch-lite/core"
)

//go:embed migrations/*
var Migrations embed.FS

const jobColumns = `id, name, payload, queue, priority, attempts, max_attempts,
	created_at, available_at, reserved_at, completed_at, failed_at, error, metadata`

const pending = `completed_at IS NULL AND failed_at IS NULL`

type PostgresSource struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPostgresSource opens dsn and verifies the connection.
func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, core.Storage("open", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, core.Storage("ping", err)
	}
	return &PostgresSource{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PostgresSource) Up() error {
	migrationFS, err := fs.Sub(Migrations, "migrations")
	if err != nil {
		return err
	}

	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
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
		"postgres",
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

func (s *PostgresSource) Push(ctx context.Context, job *core.Job) error {
	query := `
		INSERT INTO jobs (
			id, name, payload, queue, priority, attempts, max_attempts,
			created_at, available_at, reserved_at, completed_at, failed_at, error, metadata
		) VALUES (
			:id, :name, :payload, :queue, :priority, :attempts, :max_attempts,
			:created_at, :available_at, NULL, NULL, NULL, NULL, :metadata
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

// Pop reserves one job in a single statement. FOR UPDATE SKIP LOCKED keeps
// concurrent workers, in any process, from claiming the same row.
func (s *PostgresSource) Pop(ctx context.Context, queue string) (*core.Job, error) {
	query := `
		UPDATE jobs
		SET reserved_at = $2, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND reserved_at IS NULL AND ` + pending + ` AND available_at <= $2
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns + `;
	`

	var job core.Job
	err := s.db.QueryRowxContext(ctx, query, queue, s.now()).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, core.Storage("pop", err)
	}

	return &job, nil
}

func (s *PostgresSource) Complete(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, completed_at = $2
		WHERE id = $1;
	`
	res, err := s.db.ExecContext(ctx, query, id, s.now())
	return affected("complete", res, err)
}

func (s *PostgresSource) Fail(ctx context.Context, id string, message string) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, failed_at = $2, error = $3
		WHERE id = $1;
	`
	res, err := s.db.ExecContext(ctx, query, id, s.now(), message)
	return affected("fail", res, err)
}

func (s *PostgresSource) Release(ctx context.Context, id string, delay time.Duration) error {
	query := `
		UPDATE jobs
		SET reserved_at = NULL, available_at = $2
		WHERE id = $1 AND ` + pending + `;
	`
	res, err := s.db.ExecContext(ctx, query, id, s.now().Add(delay))
	if err = affected("release", res, err); !errors.Is(err, core.ErrJobNotFound) {
		return err
	}

	// terminal jobs are left untouched
	var count int
	if err = s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM jobs WHERE id = $1;`, id); err != nil {
		return core.Storage("release", err)
	}
	if count == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

func (s *PostgresSource) Get(ctx context.Context, id string) (*core.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	var job core.Job
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, core.Storage("get", err)
	}

	return &job, nil
}

func (s *PostgresSource) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1;`, id)
	return affected("delete", res, err)
}

func (s *PostgresSource) Size(ctx context.Context, queue string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM jobs
		WHERE queue = $1 AND ` + pending + `;
	`
	var count int
	err := s.db.GetContext(ctx, &count, query, queue)
	return count, core.Storage("size", err)
}

func (s *PostgresSource) Clear(ctx context.Context, queue string) error {
	query := `
		DELETE FROM jobs
		WHERE queue = $1 AND ` + pending + `;
	`
	_, err := s.db.ExecContext(ctx, query, queue)
	return core.Storage("clear", err)
}

func (s *PostgresSource) HasUniqueKey(ctx context.Context, key string) (bool, error) {
	query := `
		SELECT COUNT(*)
		FROM job_unique_keys
		WHERE unique_key = $1 AND expires_at > $2;
	`
	var count int
	if err := s.db.GetContext(ctx, &count, query, key, s.now()); err != nil {
		return false, core.Storage("has_unique_key", err)
	}
	return count > 0, nil
}

func (s *PostgresSource) SetUniqueKey(ctx context.Context, key, jobID string, ttl time.Duration) error {
	query := `
		INSERT INTO job_unique_keys (unique_key, job_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (unique_key) DO UPDATE
		SET job_id = EXCLUDED.job_id, expires_at = EXCLUDED.expires_at;
	`
	_, err := s.db.ExecContext(ctx, query, key, jobID, s.now().Add(ttl))
	return core.Storage("set_unique_key", err)
}

// ReleaseStale returns expired reservations to pending. Reservations made
// on the last attempt are failed instead.
func (s *PostgresSource) ReleaseStale(ctx context.Context, queue string, olderThan time.Duration) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, core.Storage("release_stale", err)
	}
	defer tx.Rollback()

	now := s.now()
	failQuery := `
		UPDATE jobs
		SET reserved_at = NULL, failed_at = $3, error = $4
		WHERE queue = $1 AND reserved_at <= $2 AND attempts >= max_attempts AND ` + pending + `;
	`
	if _, err = tx.ExecContext(ctx, failQuery, queue, now.Add(-olderThan), now, core.StaleFinalAttemptMessage); err != nil {
		return 0, core.Storage("release_stale", err)
	}

	releaseQuery := `
		UPDATE jobs
		SET reserved_at = NULL, available_at = $3
		WHERE queue = $1 AND reserved_at <= $2 AND ` + pending + `;
	`
	res, err := tx.ExecContext(ctx, releaseQuery, queue, now.Add(-olderThan), now)
	if err != nil {
		return 0, core.Storage("release_stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, core.Storage("release_stale", err)
	}
	return int(n), core.Storage("release_stale", tx.Commit())
}

func (s *PostgresSource) Close() error {
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
