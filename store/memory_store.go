package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. State is lost on restart.
type MemoryStore struct {
	runs        map[string]*RunRecord
	breakpoints map[string]*BreakpointRecord
	kv          map[string]map[string][]byte // runID -> namespace/key -> value
	mu          sync.RWMutex
	closed      bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*RunRecord),
		breakpoints: make(map[string]*BreakpointRecord),
		kv:          make(map[string]map[string][]byte),
	}
}

func (s *MemoryStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp := *rec
	cp.StateBlob = cloneBytes(rec.StateBlob)
	cp.Output = cloneBytes(rec.Output)
	s.runs[rec.RunID] = &cp
	return nil
}

func (s *MemoryStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.StateBlob = cloneBytes(rec.StateBlob)
	cp.Output = cloneBytes(rec.Output)
	return &cp, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveBreakpoint(ctx context.Context, rec *BreakpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp := *rec
	cp.CapturedState = cloneBytes(rec.CapturedState)
	cp.NextCandidates = append([]string(nil), rec.NextCandidates...)
	s.breakpoints[rec.RunID] = &cp
	return nil
}

func (s *MemoryStore) LoadBreakpoint(ctx context.Context, runID string) (*BreakpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.breakpoints[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.CapturedState = cloneBytes(rec.CapturedState)
	cp.NextCandidates = append([]string(nil), rec.NextCandidates...)
	return &cp, nil
}

func (s *MemoryStore) DeleteBreakpoint(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.breakpoints, runID)
	return nil
}

func (s *MemoryStore) Set(ctx context.Context, runID, namespace, key string, value []byte) error {
	if err := validateKey(runID, namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	bucket, ok := s.kv[runID]
	if !ok {
		bucket = make(map[string][]byte)
		s.kv[runID] = bucket
	}
	bucket[namespace+"/"+key] = cloneBytes(value)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, runID, namespace, key string) ([]byte, error) {
	if err := validateKey(runID, namespace, key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	bucket, ok := s.kv[runID]
	if !ok {
		return nil, ErrNotFound
	}
	value, ok := bucket[namespace+"/"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(value), nil
}

func (s *MemoryStore) Delete(ctx context.Context, runID, namespace, key string) error {
	if err := validateKey(runID, namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if bucket, ok := s.kv[runID]; ok {
		delete(bucket, namespace+"/"+key)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}
