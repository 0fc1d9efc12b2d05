// Package statemanager keeps an eviction-bounded in-memory record of the
// coordination operations a node performs (flush cycles, publishes,
// perspective runs) and serves them over the ops HTTP surface.
package statemanager

import (
	"sync"
	"time"

	"github.com/workhubhq/workhub/coordinator"
	"github.com/workhubhq/workhub/message"
)

// Manager tracks recent operations up to a fixed capacity. Records are
// kept in start order; once full, starting a new operation drops the
// oldest one.
type Manager struct {
	mu       sync.RWMutex
	byID     map[string]*OperationState
	order    []string // ids in start order, oldest first
	capacity int
	service  string
}

// Config for creating a new Manager
type Config struct {
	ServiceName   string
	MaxOperations int // Keep last N operations, default 1000
}

// New creates a new state manager
func New(cfg Config) *Manager {
	capacity := cfg.MaxOperations
	if capacity == 0 {
		capacity = 1000
	}
	return &Manager{
		byID:     make(map[string]*OperationState, capacity),
		capacity: capacity,
		service:  cfg.ServiceName,
	}
}

// StartOperation creates a new operation in running state
func (m *Manager) StartOperation(id, operation string, metadata map[string]interface{}) *OperationState {
	m.mu.Lock()
	defer m.mu.Unlock()

	op := &OperationState{
		ID:          id,
		ServiceName: m.service,
		Operation:   operation,
		Status:      StatusRunning,
		StartedAt:   time.Now(),
		Metadata:    metadata,
	}

	// Restarting an id keeps its queue slot; only new ids can evict.
	if _, known := m.byID[id]; !known {
		if len(m.order) >= m.capacity {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.byID, oldest)
		}
		m.order = append(m.order, id)
	}
	m.byID[id] = op
	return op
}

// CompleteOperation marks an operation as completed or failed
func (m *Manager) CompleteOperation(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, known := m.byID[id]
	if !known {
		return
	}
	now := time.Now()
	op.CompletedAt = &now
	op.Duration = now.Sub(op.StartedAt).String()
	op.Status = StatusCompleted
	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
	}
}

// UpdateMetadata adds/updates metadata for an operation
func (m *Manager) UpdateMetadata(id string, key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, known := m.byID[id]
	if !known {
		return
	}
	if op.Metadata == nil {
		op.Metadata = make(map[string]interface{})
	}
	op.Metadata[key] = value
}

// GetOperation retrieves an operation by ID. Callers get a copy.
func (m *Manager) GetOperation(id string) *OperationState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, known := m.byID[id]
	if !known {
		return nil
	}
	copied := *op
	return &copied
}

// ListOperations returns copies of all tracked operations, oldest first.
func (m *Manager) ListOperations() []*OperationState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]*OperationState, 0, len(m.order))
	for _, id := range m.order {
		copied := *m.byID[id]
		ops = append(ops, &copied)
	}
	return ops
}

// GetStats returns aggregated statistics
func (m *Manager) GetStats() *OperationStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &OperationStats{
		TotalOperations: len(m.byID),
		ByStatus:        make(map[Status]int),
		ByOperation:     make(map[string]int),
	}

	var finished time.Duration
	var finishedCount int
	for _, op := range m.byID {
		stats.ByStatus[op.Status]++
		stats.ByOperation[op.Operation]++
		if op.CompletedAt != nil {
			finished += op.CompletedAt.Sub(op.StartedAt)
			finishedCount++
		}
	}
	if finishedCount > 0 {
		stats.AverageDuration = (finished / time.Duration(finishedCount)).String()
	}
	return stats
}

// ObserveBatch records one completed flush cycle with the batch's work
// counts, wired to the node's batch callback.
func (m *Manager) ObserveBatch(batch *coordinator.WorkBatch) {
	if batch == nil || batch.Empty() && len(batch.Errors) == 0 {
		return
	}
	id := message.NewID().String()
	m.StartOperation(id, OpFlush, map[string]interface{}{
		"outbox":       len(batch.Outbox),
		"inbox":        len(batch.Inbox),
		"perspectives": len(batch.Perspectives),
		"errors":       len(batch.Errors),
	})
	m.CompleteOperation(id, nil)
}
