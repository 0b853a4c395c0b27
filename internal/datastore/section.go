package datastore

import (
	"sync"
	"sync/atomic"
)

// section 保存单个实体的缓存数据；lastAccess 为相对 Store 纪元的单调纳秒数。
type section struct {
	mu         sync.RWMutex
	values     map[string]map[string]string
	lastAccess atomic.Int64
}

func newSection(at int64) *section {
	sec := &section{values: make(map[string]map[string]string)}
	sec.lastAccess.Store(at)
	return sec
}

func (s *section) get(namespace, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.values[namespace]
	if !ok {
		return "", false
	}
	value, ok := ns[key]
	return value, ok
}

func (s *section) set(namespace, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.values[namespace]
	if !ok {
		ns = make(map[string]string)
		s.values[namespace] = ns
	}
	ns[key] = value
}

func (s *section) entries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ns := range s.values {
		n += len(ns)
	}
	return n
}

func (s *section) touch(at int64) {
	s.lastAccess.Store(at)
}

func (s *section) age(at int64) int64 {
	return at - s.lastAccess.Load()
}
