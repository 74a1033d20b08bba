package httpapi

import (
	"sync"

	"pkt.systems/sandboxwatch/schema"
)

// Store keeps sandboxes and their commands in memory.
type Store struct {
	mu        sync.RWMutex
	sandboxes map[schema.SandboxID]*sandboxEntry
}

type sandboxEntry struct {
	info     schema.ConnectionInfo
	commands []schema.CommandRecord
	index    map[schema.CommandID]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sandboxes: make(map[schema.SandboxID]*sandboxEntry)}
}

// PutSandbox creates or replaces a sandbox, keeping its commands.
func (s *Store) PutSandbox(info schema.ConnectionInfo) error {
	if err := schema.ValidateSandboxID(info.SandboxID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.sandboxes[info.SandboxID]
	if entry == nil {
		entry = &sandboxEntry{index: make(map[schema.CommandID]int)}
		s.sandboxes[info.SandboxID] = entry
	}
	entry.info = info
	return nil
}

// Sandbox returns the sandbox info.
func (s *Store) Sandbox(id schema.SandboxID) (schema.ConnectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry := s.sandboxes[id]
	if entry == nil {
		return schema.ConnectionInfo{}, schema.ErrSandboxNotFound
	}
	return entry.info, nil
}

// PutCommand inserts a command or replaces the stored version.
func (s *Store) PutCommand(id schema.SandboxID, record schema.CommandRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.sandboxes[id]
	if entry == nil {
		return schema.ErrSandboxNotFound
	}
	if pos, ok := entry.index[record.ID]; ok {
		entry.commands[pos] = record
		return nil
	}
	entry.index[record.ID] = len(entry.commands)
	entry.commands = append(entry.commands, record)
	return nil
}

// Commands returns commands in execution order. A zero limit returns
// everything after offset.
func (s *Store) Commands(id schema.SandboxID, limit, offset int) ([]schema.CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry := s.sandboxes[id]
	if entry == nil {
		return nil, schema.ErrSandboxNotFound
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entry.commands) {
		return []schema.CommandRecord{}, nil
	}
	end := len(entry.commands)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	return append([]schema.CommandRecord(nil), entry.commands[offset:end]...), nil
}

// Recent returns the last n commands, or all of them when n is zero.
func (s *Store) Recent(id schema.SandboxID, n int) ([]schema.CommandRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry := s.sandboxes[id]
	if entry == nil {
		return nil, schema.ErrSandboxNotFound
	}
	start := 0
	if n > 0 && len(entry.commands) > n {
		start = len(entry.commands) - n
	}
	return append([]schema.CommandRecord(nil), entry.commands[start:]...), nil
}
