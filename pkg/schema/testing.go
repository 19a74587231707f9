package schema

import (
	"context"
	"sync"
	"time"
)

// StaticSource serves a fixed table list. Used by tests and by the CLI when
// schemas come from a file.
type StaticSource struct {
	mu       sync.Mutex
	tables   []TableSchema
	modified time.Time
	err      error
	calls    int
}

func NewStaticSource(tables []TableSchema, modified time.Time) *StaticSource {
	return &StaticSource{tables: tables, modified: modified}
}

func (s *StaticSource) ListTables(context.Context) ([]TableSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]TableSchema, len(s.tables))
	copy(out, s.tables)
	return out, nil
}

func (s *StaticSource) LastModified(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modified, s.err
}

func (s *StaticSource) SetModified(t time.Time) {
	s.mu.Lock()
	s.modified = t
	s.mu.Unlock()
}

func (s *StaticSource) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *StaticSource) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
