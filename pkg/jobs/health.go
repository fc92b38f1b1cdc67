package jobs

import (
	"strings"
	"time"

	"github.com/nimburion/jobqueue/pkg/health"
)

const (
	defaultConnectorHealthCheckName = "jobs-connector"
	defaultWorkerHealthCheckName    = "jobs-worker"
)

// NewConnectorHealthChecker creates a health checker for a queue connection.
func NewConnectorHealthChecker(name string, connector Connector, timeout time.Duration) health.Checker {
	return health.NewAdapterChecker(normalizeHealthCheckName(name, defaultConnectorHealthCheckName), connector, timeout)
}

// NewWorkerHealthChecker creates a health checker for a running worker.
func NewWorkerHealthChecker(name string, worker *Worker, timeout time.Duration) health.Checker {
	return health.NewAdapterChecker(normalizeHealthCheckName(name, defaultWorkerHealthCheckName), worker, timeout)
}

func normalizeHealthCheckName(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
