package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/autoflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	workflows map[string]types.Record
	logs      []types.LogEntry
	ids       generator.Generator
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance. Log row IDs come
// from ids; nil selects a snowflake generator.
func NewMemoryStorage(ids generator.Generator) *MemoryStorage {
	if ids == nil {
		ids = generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	}
	return &MemoryStorage{
		workflows: make(map[string]types.Record),
		ids:       ids,
	}
}

// CreateWorkflow stores a new workflow row.
func (s *MemoryStorage) CreateWorkflow(ctx context.Context, rec types.Record) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.workflows[rec.ID]; ok {
			return fmt.Errorf("%w: id=%s", ErrWorkflowExists, rec.ID)
		}
		s.workflows[rec.ID] = rec
		return nil
	})
}

// UpdateWorkflow replaces name, description and definition.
func (s *MemoryStorage) UpdateWorkflow(ctx context.Context, rec types.Record) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.workflows[rec.ID]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, rec.ID)
		}
		cur.Name = rec.Name
		cur.Description = rec.Description
		cur.Definition = rec.Definition
		cur.UpdatedAt = rec.UpdatedAt
		s.workflows[rec.ID] = cur
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id string) (types.Record, error) {
	return withContext(ctx, func() (types.Record, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		rec, ok := s.workflows[id]
		if !ok {
			return types.Record{}, fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
		}
		return rec, nil
	})
}

// ListWorkflows returns the tenant's workflows, newest first.
func (s *MemoryStorage) ListWorkflows(ctx context.Context, tenantID string) ([]types.Record, error) {
	return withContext(ctx, func() ([]types.Record, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Record
		for _, rec := range s.workflows {
			if rec.TenantID == tenantID {
				out = append(out, rec)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
		return out, nil
	})
}

// Transition updates the status and appends the log row under one lock.
func (s *MemoryStorage) Transition(ctx context.Context, id string, status types.Status, lastRunURL string, entry types.LogEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.workflows[id]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrWorkflowNotFound, id)
		}
		entry.WorkflowID = id
		stamped, err := s.stamp(entry)
		if err != nil {
			return err
		}
		rec.Status = status
		if lastRunURL != "" {
			rec.LastRunURL = lastRunURL
		}
		rec.UpdatedAt = stamped.ExecutedAt
		s.workflows[id] = rec
		s.logs = append(s.logs, stamped)
		return nil
	})
}

// AppendLog appends a log row.
func (s *MemoryStorage) AppendLog(ctx context.Context, entry types.LogEntry) (types.LogEntry, error) {
	return withContext(ctx, func() (types.LogEntry, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		stamped, err := s.stamp(entry)
		if err != nil {
			return types.LogEntry{}, err
		}
		s.logs = append(s.logs, stamped)
		return stamped, nil
	})
}

// ListLogs returns matching rows in append order.
func (s *MemoryStorage) ListLogs(ctx context.Context, filter LogFilter) ([]types.LogEntry, error) {
	return withContext(ctx, func() ([]types.LogEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.LogEntry
		for _, entry := range s.logs {
			if matches(entry, filter) {
				out = append(out, entry)
			}
			if filter.Limit > 0 && len(out) == filter.Limit {
				break
			}
		}
		return out, nil
	})
}

// stamp assigns the ID and timestamp of a new row. Callers hold mu.
func (s *MemoryStorage) stamp(entry types.LogEntry) (types.LogEntry, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return types.LogEntry{}, fmt.Errorf("failed to generate log id: %w", err)
	}
	entry.ID = int64(id)
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = time.Now().UTC()
	}
	return entry, nil
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryKV is a process-local KeyValueStore with TTL support.
type MemoryKV struct {
	items map[string]memoryItem
	now   func() time.Time
	mu    sync.Mutex
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]memoryItem), now: time.Now}
}

// getLocked returns a live item, evicting it when expired. Callers hold mu.
func (m *MemoryKV) getLocked(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (m *MemoryKV) setLocked(key string, value []byte, ttl time.Duration) {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = item
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	return withContext(ctx, func() ([]byte, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		item, ok := m.getLocked(key)
		if !ok {
			return nil, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		}
		return append([]byte(nil), item.value...), nil
	})
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.setLocked(key, value, ttl)
		return nil
	})
}

func (m *MemoryKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.getLocked(key); ok {
			return false, nil
		}
		m.setLocked(key, value, ttl)
		return true, nil
	})
}

func (m *MemoryKV) Exists(ctx context.Context, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.getLocked(key)
		return ok, nil
	})
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.items, key)
		return nil
	})
}

func (m *MemoryKV) Ping(ctx context.Context) error {
	return ctx.Err()
}
