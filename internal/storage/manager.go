// Package storage persists the tool activity audit log in bbolt.
package storage

import (
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpagent-go/internal/observability"
	"github.com/smart-mcp-proxy/mcpagent-go/internal/truncate"
)

// Manager provides a unified interface for storage operations
type Manager struct {
	db        *BoltDB
	mu        sync.RWMutex
	logger    *zap.SugaredLogger
	truncator *truncate.Truncator
	obs       *observability.Manager
}

// NewManager creates a new storage manager. Tool inputs and outputs longer
// than maxResponseSize bytes are truncated before they are stored.
func NewManager(dataDir string, maxResponseSize int, logger *zap.SugaredLogger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if maxResponseSize <= 0 {
		maxResponseSize = DefaultMaxResponseSize
	}

	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:        db,
		logger:    logger,
		truncator: truncate.NewTruncator(maxResponseSize),
	}, nil
}

// SetObservability makes storage operations count towards the storage
// metrics. Call it before the manager is shared.
func (m *Manager) SetObservability(obs *observability.Manager) {
	m.obs = obs
}

// Close closes the storage manager
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}

// GetDB returns the underlying BBolt database for direct access
func (m *Manager) GetDB() *bbolt.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.db != nil {
		return m.db.db
	}
	return nil
}

// Backup writes a consistent copy of the database to destPath
func (m *Manager) Backup(destPath string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return errDatabaseClosed
	}
	return m.db.Backup(destPath)
}

// GetSchemaVersion returns the schema version stored in the database
func (m *Manager) GetSchemaVersion() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return 0, errDatabaseClosed
	}
	return m.db.GetSchemaVersion()
}

// GetStats returns record counts and bbolt transaction statistics
func (m *Manager) GetStats() (map[string]interface{}, error) {
	activities, err := m.CountActivities()
	if err != nil {
		return nil, err
	}
	executions, err := m.CountExecutions()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.db == nil {
		return nil, errDatabaseClosed
	}
	stats := m.db.Stats()
	return map[string]interface{}{
		"activities":   activities,
		"executions":   executions,
		"tx_count":     stats.TxN,
		"open_tx":      stats.OpenTxN,
		"free_pages":   stats.FreePageN,
		"pending_free": stats.PendingPageN,
	}, nil
}

// record reports one storage operation to the metrics
func (m *Manager) record(operation string, err error) {
	m.obs.RecordStorageOperation(operation, err)
}
