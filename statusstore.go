package nbexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// StatusStore is the durable, shared record of one execution's current
// state, backed by a single object per execution. The executor is the sole
// writer during a run; pollers are read-only. Every Put is a whole-record
// overwrite, so last-write-wins is safe under the single-writer invariant
// and no locking is required.
type StatusStore struct {
	objects ObjectStore
}

// NewStatusStore returns a status store over the given object store.
func NewStatusStore(objects ObjectStore) *StatusStore {
	return &StatusStore{objects: objects}
}

// Put overwrites the status record for record.ExecutionID.
func (s *StatusStore) Put(ctx context.Context, record *StatusRecord) error {
	if record.ExecutionID == "" {
		return fmt.Errorf("status record has no execution id")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}
	if err := s.objects.Put(ctx, StatusKey(record.ExecutionID), data); err != nil {
		return fmt.Errorf("failed to write status record: %w", err)
	}
	return nil
}

// Get returns the current status record for an execution. A missing record
// is synthesized as PENDING: the record may legitimately not exist yet
// immediately after launch, before the compute host has started.
func (s *StatusStore) Get(ctx context.Context, executionID string) (*StatusRecord, error) {
	data, err := s.objects.Get(ctx, StatusKey(executionID))
	if errors.Is(err, ErrNotFound) {
		return NewPendingRecord(executionID, "", ""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status record: %w", err)
	}
	var record StatusRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status record: %w", err)
	}
	return &record, nil
}

// Exists reports whether a status record has been written for an execution.
// Lets callers distinguish "not started yet" from an unknown execution ID.
func (s *StatusStore) Exists(ctx context.Context, executionID string) (bool, error) {
	return s.objects.Exists(ctx, StatusKey(executionID))
}
