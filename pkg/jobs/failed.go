package jobs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailedJob is one record of a job that will not be retried.
type FailedJob struct {
	ID         string
	Connection string
	Queue      string
	Payload    []byte
	Exception  string
	FailedAt   time.Time
}

// FailedJobStore keeps failed jobs for inspection and manual replay.
type FailedJobStore interface {
	Log(ctx context.Context, connection, queue string, payload []byte, cause error) (string, error)
	List(ctx context.Context) ([]*FailedJob, error)
	Find(ctx context.Context, id string) (*FailedJob, error)
	Forget(ctx context.Context, id string) (bool, error)
	Flush(ctx context.Context) error
}

// MemoryFailedJobStore is an in-process FailedJobStore.
type MemoryFailedJobStore struct {
	mu      sync.RWMutex
	records map[string]*FailedJob
	now     func() time.Time
}

// NewMemoryFailedJobStore creates an empty store.
func NewMemoryFailedJobStore() *MemoryFailedJobStore {
	return &MemoryFailedJobStore{
		records: map[string]*FailedJob{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Log records a failed job and returns its generated ID.
func (s *MemoryFailedJobStore) Log(_ context.Context, connection, queue string, payload []byte, cause error) (string, error) {
	record := &FailedJob{
		ID:         uuid.NewString(),
		Connection: connection,
		Queue:      queue,
		Payload:    cloneBytes(payload),
		Exception:  FailureMessage(cause),
		FailedAt:   s.now(),
	}
	s.mu.Lock()
	s.records[record.ID] = record
	s.mu.Unlock()
	return record.ID, nil
}

// List returns records newest first.
func (s *MemoryFailedJobStore) List(context.Context) ([]*FailedJob, error) {
	s.mu.RLock()
	out := make([]*FailedJob, 0, len(s.records))
	for _, record := range s.records {
		copied := *record
		out = append(out, &copied)
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	return out, nil
}

// Find returns a copy of the record. Unknown IDs wrap ErrNotFound.
func (s *MemoryFailedJobStore) Find(_ context.Context, id string) (*FailedJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return nil, Errorf(ErrNotFound, "failed job %q not found", id)
	}
	copied := *record
	return &copied, nil
}

// Forget removes the record and reports whether it existed.
func (s *MemoryFailedJobStore) Forget(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

// Flush removes every record.
func (s *MemoryFailedJobStore) Flush(context.Context) error {
	s.mu.Lock()
	s.records = map[string]*FailedJob{}
	s.mu.Unlock()
	return nil
}

// FailureMessage renders cause for the exception column.
func FailureMessage(cause error) string {
	if cause == nil {
		return "unknown failure"
	}
	return cause.Error()
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
