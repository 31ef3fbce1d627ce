package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 将会话保存在进程内存中。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

type memorySession struct {
	session Session
	logs    []LogEvent
}

// NewMemoryStore 创建内存会话存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession), now: time.Now}
}

// GetOrCreate 实现 Store。
func (s *MemoryStore) GetOrCreate(ctx context.Context, id string) (*Session, error) {
	id = normalizeID(id)
	if id == "" {
		id = NewID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		entry = &memorySession{session: Session{ID: id, CreatedAt: s.now().UTC()}}
		s.sessions[id] = entry
	}
	return copySession(&entry.session), nil
}

// Exists 实现 Store。
func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[normalizeID(id)]
	return ok, nil
}

// AppendMessage 实现 Store。
func (s *MemoryStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[normalizeID(id)]
	if !ok {
		return ErrNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	entry.session.Messages = append(entry.session.Messages, msg)
	return nil
}

// AppendLog 实现 Store。
func (s *MemoryStore) AppendLog(ctx context.Context, id string, event LogEvent) error {
	id = normalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	event.SessionID = id
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	event.Details = cloneDetails(event.Details)
	entry.logs = append(entry.logs, event)
	return nil
}

// GetLogs 实现 Store。
func (s *MemoryStore) GetLogs(ctx context.Context, id string) ([]LogEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[normalizeID(id)]
	if !ok {
		return []LogEvent{}, nil
	}
	out := make([]LogEvent, len(entry.logs))
	for i, event := range entry.logs {
		event.Details = cloneDetails(event.Details)
		out[i] = event
	}
	return out, nil
}

// Delete 实现 Store。
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, normalizeID(id))
	return nil
}

func copySession(in *Session) *Session {
	out := *in
	out.Messages = append([]Message(nil), in.Messages...)
	return &out
}

func cloneDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
