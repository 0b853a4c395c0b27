package datastore

import (
	"context"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/database"
	"github.com/ghast-core/ghast-core/internal/events"
	"github.com/ghast-core/ghast-core/internal/logging"
	"github.com/ghast-core/ghast-core/internal/metrics"
)

// Backend 是 Store 依赖的持久化接口，database.Provider 满足该接口。
type Backend interface {
	Lookup(ctx context.Context, entityID, namespace, key string) (string, bool, error)
	Upsert(ctx context.Context, rec database.Record) error
}

// Options 控制缓存行为。
type Options struct {
	CachingEnabled bool
	TTL            time.Duration
	Clock          func() time.Time
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
}

// Stats 是缓存状态快照。
type Stats struct {
	CachingEnabled bool          `json:"caching_enabled"`
	TTL            time.Duration `json:"ttl"`
	Sections       int           `json:"sections"`
	Entries        int           `json:"entries"`
}

// Store 提供 (entity, namespace, key) 维度的读写。
type Store struct {
	backend Backend
	caching bool
	ttl     int64
	now     func() time.Time
	epoch   time.Time
	logger  *logrus.Logger
	metrics *metrics.Metrics

	sections cmap.ConcurrentMap[string, *section]

	locksMu sync.Mutex
	locks   map[string]*entityLock
}

// New 创建 Store；TTL 非正时回退为 5 分钟。
func New(backend Backend, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	return &Store{
		backend:  backend,
		caching:  opts.CachingEnabled,
		ttl:      int64(opts.TTL),
		now:      opts.Clock,
		epoch:    opts.Clock(),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sections: cmap.New[*section](),
		locks:    make(map[string]*entityLock),
	}
}

// Get 读取一个值；ok=false 表示存储中不存在。
func (s *Store) Get(ctx context.Context, entityID, namespace, key string) (string, bool, error) {
	if err := validate("get", entityID, namespace, key); err != nil {
		return "", false, err
	}
	if !s.caching {
		return s.lookup(ctx, entityID, namespace, key)
	}

	if value, ok := s.cached(entityID, namespace, key); ok {
		s.metrics.CacheHit()
		return value, true, nil
	}
	s.metrics.CacheMiss()

	unlock := s.lockEntity(entityID)
	defer unlock()

	// 等锁期间可能已有写入或回填。
	if value, ok := s.cached(entityID, namespace, key); ok {
		return value, true, nil
	}

	value, ok, err := s.lookup(ctx, entityID, namespace, key)
	if err != nil || !ok {
		return value, ok, err
	}
	s.sectionFor(entityID).set(namespace, key, value)
	return value, true, nil
}

// Put 先写存储，成功后更新缓存；失败时缓存保持原状。
func (s *Store) Put(ctx context.Context, entityID, namespace, key, value string) error {
	if err := validate("put", entityID, namespace, key); err != nil {
		return err
	}

	unlock := s.lockEntity(entityID)
	defer unlock()

	rec := database.Record{EntityID: entityID, Namespace: namespace, Key: key, Value: value}
	if err := s.backend.Upsert(ctx, rec); err != nil {
		s.metrics.StorageError("put")
		s.logger.WithFields(logging.StorageFields("datastore_put", entityID, namespace, key, false)).
			WithError(err).Warn("写入存储失败")
		return &StorageError{Op: "put", Entity: entityID, Namespace: namespace, Key: key, Err: err}
	}

	if s.caching {
		s.sectionFor(entityID).set(namespace, key, value)
	}
	return nil
}

// Invalidate 丢弃实体的缓存分段，存储不受影响。
func (s *Store) Invalidate(entityID string) bool {
	removed := s.sections.RemoveCb(entityID, func(_ string, _ *section, exists bool) bool {
		return exists
	})
	if removed {
		s.metrics.CacheEvicted("invalidate", 1)
		s.metrics.SetCacheSections(s.sections.Count())
		s.logger.WithFields(logrus.Fields{
			"action": "datastore_invalidate",
			"entity": entityID,
		}).Debug("实体缓存已失效")
	}
	return removed
}

// Reset 丢弃全部缓存分段，返回丢弃数量。
func (s *Store) Reset() int {
	removed := 0
	for _, entityID := range s.sections.Keys() {
		if _, ok := s.sections.Pop(entityID); ok {
			removed++
		}
	}
	s.metrics.CacheEvicted("reset", removed)
	s.metrics.SetCacheSections(s.sections.Count())
	return removed
}

// Touch 刷新实体分段的访问时间，分段不存在时忽略。
func (s *Store) Touch(entityID string) {
	if sec, ok := s.sections.Get(entityID); ok {
		sec.touch(s.elapsed())
	}
}

// Sweep 移除访问年龄达到 TTL 的分段，返回移除数量。
func (s *Store) Sweep() int {
	now := s.elapsed()
	removed := 0
	for _, entityID := range s.sections.Keys() {
		ok := s.sections.RemoveCb(entityID, func(_ string, sec *section, exists bool) bool {
			return exists && s.expired(sec, now)
		})
		if ok {
			removed++
		}
	}
	if removed > 0 {
		s.metrics.CacheEvicted("ttl", removed)
		s.logger.WithFields(logrus.Fields{
			"action":  "datastore_sweep",
			"removed": removed,
		}).Debug("过期缓存分段已清理")
	}
	s.metrics.SetCacheSections(s.sections.Count())
	return removed
}

// Subscribe 订阅实体事件：下线时失效缓存，上线时刷新访问时间。
func (s *Store) Subscribe(source events.Source) func() {
	return source.Subscribe(func(evt events.Event) {
		switch evt.Kind {
		case events.KindDisconnect:
			s.Invalidate(evt.EntityID)
		case events.KindConnect:
			s.Touch(evt.EntityID)
		}
	})
}

// Stats 返回缓存状态快照。
func (s *Store) Stats() Stats {
	stats := Stats{
		CachingEnabled: s.caching,
		TTL:            time.Duration(s.ttl),
	}
	for _, sec := range s.sections.Items() {
		stats.Sections++
		stats.Entries += sec.entries()
	}
	return stats
}

// TTL 返回缓存分段的存活时间。
func (s *Store) TTL() time.Duration {
	return time.Duration(s.ttl)
}

func (s *Store) lookup(ctx context.Context, entityID, namespace, key string) (string, bool, error) {
	value, ok, err := s.backend.Lookup(ctx, entityID, namespace, key)
	if err != nil {
		s.metrics.StorageError("get")
		s.logger.WithFields(logging.StorageFields("datastore_get", entityID, namespace, key, false)).
			WithError(err).Warn("读取存储失败")
		return "", false, &StorageError{Op: "get", Entity: entityID, Namespace: namespace, Key: key, Err: err}
	}
	return value, ok, nil
}

// cached 仅在分段未过期时返回命中，并刷新访问时间。
func (s *Store) cached(entityID, namespace, key string) (string, bool) {
	sec, ok := s.sections.Get(entityID)
	if !ok {
		return "", false
	}
	now := s.elapsed()
	if s.expired(sec, now) {
		return "", false
	}
	value, ok := sec.get(namespace, key)
	if ok {
		sec.touch(now)
	}
	return value, ok
}

// sectionFor 返回实体当前的有效分段，缺失或过期时替换为新分段。调用方需持有实体锁。
func (s *Store) sectionFor(entityID string) *section {
	now := s.elapsed()
	sec := s.sections.Upsert(entityID, nil, func(exist bool, current, _ *section) *section {
		if exist && current != nil && !s.expired(current, now) {
			return current
		}
		return newSection(now)
	})
	sec.touch(now)
	s.metrics.SetCacheSections(s.sections.Count())
	return sec
}

func (s *Store) expired(sec *section, now int64) bool {
	return sec.age(now) >= s.ttl
}

func (s *Store) elapsed() int64 {
	return int64(s.now().Sub(s.epoch))
}

func validate(op, entityID, namespace, key string) error {
	if entityID == "" || namespace == "" || key == "" {
		return &StorageError{Op: op, Entity: entityID, Namespace: namespace, Key: key, Err: ErrInvalidKey}
	}
	return nil
}
