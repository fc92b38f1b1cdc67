package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/nimburion/jobqueue/pkg/jobs"
)

type failedRecord struct {
	UUID       string    `db:"uuid"`
	Connection string    `db:"connection"`
	Queue      string    `db:"queue"`
	Payload    string    `db:"payload"`
	Exception  string    `db:"exception"`
	FailedAt   time.Time `db:"failed_at"`
}

func (r failedRecord) toFailedJob() *jobs.FailedJob {
	return &jobs.FailedJob{
		ID:         r.UUID,
		Connection: r.Connection,
		Queue:      r.Queue,
		Payload:    []byte(r.Payload),
		Exception:  r.Exception,
		FailedAt:   r.FailedAt.UTC(),
	}
}

// FailedJobStore keeps failed jobs in a relational table. MySQL DSNs need
// parseTime=true so failed_at scans into time.Time.
type FailedJobStore struct {
	db    *sqlx.DB
	table string
	now   func() time.Time
}

// NewFailedJobStore creates a store over table (default "failed_jobs").
func NewFailedJobStore(db *sqlx.DB, table string) (*FailedJobStore, error) {
	if db == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "database handle is required")
	}
	if strings.TrimSpace(table) == "" {
		table = defaultFailedTable
	}
	if !identifierPattern.MatchString(table) {
		return nil, jobs.Errorf(jobs.ErrValidation, "invalid failed jobs table name %q", table)
	}
	return &FailedJobStore{
		db:    db,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *FailedJobStore) Log(ctx context.Context, connection, queue string, payload []byte, cause error) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (uuid, connection, queue, payload, exception, failed_at) VALUES (?, ?, ?, ?, ?, ?)`, s.table)),
		id, connection, queue, string(payload), jobs.FailureMessage(cause), s.now(),
	)
	if err != nil {
		return "", jobs.Retryable("insert failed job", err)
	}
	return id, nil
}

// List returns records newest first.
func (s *FailedJobStore) List(ctx context.Context) ([]*jobs.FailedJob, error) {
	var records []failedRecord
	err := s.db.SelectContext(ctx, &records, fmt.Sprintf(
		`SELECT uuid, connection, queue, payload, exception, failed_at FROM %s ORDER BY id DESC`, s.table))
	if err != nil {
		return nil, jobs.Retryable("list failed jobs", err)
	}
	out := make([]*jobs.FailedJob, 0, len(records))
	for _, record := range records {
		out = append(out, record.toFailedJob())
	}
	return out, nil
}

func (s *FailedJobStore) Find(ctx context.Context, id string) (*jobs.FailedJob, error) {
	var record failedRecord
	err := s.db.GetContext(ctx, &record, s.db.Rebind(fmt.Sprintf(
		`SELECT uuid, connection, queue, payload, exception, failed_at FROM %s WHERE uuid = ?`, s.table)),
		strings.TrimSpace(id),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.Errorf(jobs.ErrNotFound, "failed job %q not found", id)
	}
	if err != nil {
		return nil, jobs.Retryable("find failed job", err)
	}
	return record.toFailedJob(), nil
}

func (s *FailedJobStore) Forget(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE uuid = ?`, s.table)), strings.TrimSpace(id))
	if err != nil {
		return false, jobs.Retryable("forget failed job", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, jobs.Retryable("forget failed job", err)
	}
	return affected > 0, nil
}

func (s *FailedJobStore) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return jobs.Retryable("flush failed jobs", err)
	}
	return nil
}
