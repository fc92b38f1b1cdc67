package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/nimburion/jobqueue/pkg/jobs"
)

// SchemaStatements returns the DDL creating the jobs and failed jobs tables for the
// given sqlx driver name.
func SchemaStatements(driver, jobsTable, failedTable string) ([]string, error) {
	if strings.TrimSpace(jobsTable) == "" {
		jobsTable = defaultTable
	}
	if strings.TrimSpace(failedTable) == "" {
		failedTable = defaultFailedTable
	}
	if !identifierPattern.MatchString(jobsTable) || !identifierPattern.MatchString(failedTable) {
		return nil, jobs.Errorf(jobs.ErrValidation, "invalid table names %q %q", jobsTable, failedTable)
	}

	switch driver {
	case "postgres", "pgx":
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	queue VARCHAR(255) NOT NULL,
	payload TEXT NOT NULL,
	attempts SMALLINT NOT NULL DEFAULT 0,
	reserved_at BIGINT NULL,
	available_at BIGINT NOT NULL,
	created_at BIGINT NOT NULL
)`, jobsTable),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_queue_index ON %s (queue)`, strings.ReplaceAll(jobsTable, ".", "_"), jobsTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	uuid VARCHAR(36) NOT NULL UNIQUE,
	connection TEXT NOT NULL,
	queue TEXT NOT NULL,
	payload TEXT NOT NULL,
	exception TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, failedTable),
		}, nil
	case "mysql":
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	queue VARCHAR(255) NOT NULL,
	payload LONGTEXT NOT NULL,
	attempts TINYINT UNSIGNED NOT NULL DEFAULT 0,
	reserved_at BIGINT NULL,
	available_at BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	INDEX jobs_queue_index (queue)
)`, jobsTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	uuid VARCHAR(36) NOT NULL UNIQUE,
	connection TEXT NOT NULL,
	queue TEXT NOT NULL,
	payload LONGTEXT NOT NULL,
	exception LONGTEXT NOT NULL,
	failed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, failedTable),
		}, nil
	default:
		return nil, jobs.Errorf(jobs.ErrUnsupported, "no schema for driver %q", driver)
	}
}

// CreateSchema creates the tables used by Queue and FailedJobStore when missing.
func CreateSchema(ctx context.Context, db *sqlx.DB, jobsTable, failedTable string) error {
	statements, err := SchemaStatements(db.DriverName(), jobsTable, failedTable)
	if err != nil {
		return err
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("create jobs schema: %w", err)
		}
	}
	return nil
}
