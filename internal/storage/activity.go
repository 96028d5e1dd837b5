package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

// DefaultMaxResponseSize is the default maximum size for stored tool payloads (64KB)
const DefaultMaxResponseSize = 64 * 1024

var errDatabaseClosed = errors.New("database is closed")

// activityKey generates a BBolt key for a record.
// Key format: {timestamp_ns}_{id} for natural chronological ordering.
// Using 20-digit nanosecond timestamp ensures consistent ordering.
func activityKey(timestamp time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", timestamp.UnixNano(), id))
}

// parseActivityKey extracts the id from an activity key.
// Returns empty string if key format is invalid.
func parseActivityKey(key []byte) string {
	keyStr := string(key)
	// Key format: {20-digit timestamp}_{id}
	if len(keyStr) < 22 {
		return ""
	}
	return keyStr[21:]
}

// SaveActivity stores an activity record, replacing any earlier version of
// it. Records are keyed by start time and id, so the terminal update of an
// activity overwrites its running record in place.
func (m *Manager) SaveActivity(record *ActivityRecord) error {
	if record == nil {
		return fmt.Errorf("activity record cannot be nil")
	}
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	record.Input = m.truncator.String(record.Input)
	if m.truncator.ShouldTruncate(record.Output) {
		record.Output = m.truncator.String(record.Output)
		record.OutputTruncated = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return errDatabaseClosed
	}

	err := m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(ActivityRecordsBucket))
		if err != nil {
			return fmt.Errorf("failed to create activity bucket: %w", err)
		}

		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal activity record: %w", err)
		}

		key := activityKey(record.Timestamp, record.ID)
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("failed to store activity record: %w", err)
		}

		return nil
	})
	m.record("save_activity", err)
	return err
}

// GetActivity retrieves an activity record by ID.
// Returns nil if the record is not found.
func (m *Manager) GetActivity(id string) (*ActivityRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("activity ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, errDatabaseClosed
	}

	var record *ActivityRecord

	err := m.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ActivityRecordsBucket))
		if bucket == nil {
			return nil
		}

		// Scan to find the record by ID (ID is in the key suffix)
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if parseActivityKey(k) == id {
				record = &ActivityRecord{}
				if err := record.UnmarshalBinary(v); err != nil {
					return fmt.Errorf("failed to unmarshal activity record: %w", err)
				}
				return nil
			}
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return record, nil
}

// ListActivities returns paginated activity records matching the filter.
// Records are returned in reverse chronological order (newest first).
// Returns the records, total matching count, and any error.
func (m *Manager) ListActivities(filter ActivityFilter) ([]*ActivityRecord, int, error) {
	filter.Validate()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, 0, errDatabaseClosed
	}

	var records []*ActivityRecord
	var total int

	err := m.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ActivityRecordsBucket))
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		skipped := 0

		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			record := &ActivityRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				m.logger.Warnw("Failed to unmarshal activity record",
					"key", string(k),
					"error", err)
				continue
			}

			if !filter.Matches(record) {
				continue
			}

			total++

			if skipped < filter.Offset {
				skipped++
				continue
			}

			if len(records) < filter.Limit {
				records = append(records, record)
			}
		}

		return nil
	})
	m.record("list_activities", err)

	return records, total, err
}

// CountActivities returns the total number of activity records.
func (m *Manager) CountActivities() (int, error) {
	return m.count(ActivityRecordsBucket)
}

// CountExecutions returns the total number of execution records.
func (m *Manager) CountExecutions() (int, error) {
	return m.count(ExecutionRecordsBucket)
}

func (m *Manager) count(bucketName string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return 0, errDatabaseClosed
	}

	var count int
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})

	return count, err
}

// SaveExecution stores the outcome of one execution under a fresh ULID.
func (m *Manager) SaveExecution(record *ExecutionRecord) error {
	if record == nil {
		return fmt.Errorf("execution record cannot be nil")
	}
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	record.Message = m.truncator.String(record.Message)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return errDatabaseClosed
	}

	err := m.db.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(ExecutionRecordsBucket))
		if err != nil {
			return fmt.Errorf("failed to create execution bucket: %w", err)
		}
		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal execution record: %w", err)
		}
		return bucket.Put(activityKey(record.Timestamp, record.ID), data)
	})
	m.record("save_execution", err)
	return err
}

// ListExecutions returns up to limit execution records, newest first,
// optionally restricted to one session.
func (m *Manager) ListExecutions(sessionID string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, errDatabaseClosed
	}

	var records []*ExecutionRecord
	err := m.db.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ExecutionRecordsBucket))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(records) < limit; k, v = cursor.Prev() {
			record := &ExecutionRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				m.logger.Warnw("Failed to unmarshal execution record",
					"key", string(k),
					"error", err)
				continue
			}
			if sessionID != "" && record.SessionID != sessionID {
				continue
			}
			records = append(records, record)
		}
		return nil
	})
	m.record("list_executions", err)
	return records, err
}

// PruneOldActivities deletes activity and execution records older than
// maxAge. Returns the number of records deleted.
func (m *Manager) PruneOldActivities(maxAge time.Duration) (int, error) {
	cutoffKey := string(activityKey(time.Now().UTC().Add(-maxAge), ""))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return 0, errDatabaseClosed
	}

	var deleted int

	err := m.db.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ActivityRecordsBucket, ExecutionRecordsBucket} {
			bucket := tx.Bucket([]byte(name))
			if bucket == nil {
				continue
			}

			var keysToDelete [][]byte
			cursor := bucket.Cursor()

			// Keys before cutoff (older records have smaller keys)
			for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
				if string(k) >= cutoffKey {
					break
				}
				keysToDelete = append(keysToDelete, append([]byte{}, k...))
			}

			for _, key := range keysToDelete {
				if err := bucket.Delete(key); err != nil {
					return fmt.Errorf("failed to delete old record: %w", err)
				}
				deleted++
			}
		}
		return nil
	})
	m.record("prune", err)

	if err != nil {
		return deleted, err
	}

	if deleted > 0 {
		m.logger.Infow("Pruned old activity records",
			"deleted", deleted,
			"max_age", maxAge.String())
	}

	return deleted, nil
}
