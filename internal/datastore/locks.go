package datastore

import "sync"

type entityLock struct {
	mu   sync.Mutex
	refs int
}

// lockEntity 串行化同一实体的存储写入与缓存回填，空闲后释放锁对象。
func (s *Store) lockEntity(entityID string) func() {
	s.locksMu.Lock()
	lock := s.locks[entityID]
	if lock == nil {
		lock = &entityLock{}
		s.locks[entityID] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, entityID)
		}
		s.locksMu.Unlock()
	}
}
