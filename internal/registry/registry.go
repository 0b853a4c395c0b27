// Package registry 记录当前已加载的扩展及其使用元数据，名称大小写不敏感。
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ErrNameRequired 表示描述符缺少名称。
var ErrNameRequired = errors.New("extension name is required")

// Descriptor 是扩展的身份信息。
type Descriptor struct {
	Name      string   `json:"name"`
	Authors   []string `json:"authors,omitempty"`
	Version   string   `json:"version"`
	Namespace string   `json:"namespace"`
}

// Metadata 记录扩展的加载与使用时间；Sequence 单调递增，用于确定性排序。
type Metadata struct {
	LoadedAt   time.Time `json:"loaded_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Active     bool      `json:"active"`
	Sequence   uint64    `json:"sequence"`
}

// Entry 是注册表中一条记录的副本。
type Entry struct {
	Descriptor Descriptor `json:"descriptor"`
	Metadata   Metadata   `json:"metadata"`
}

type record struct {
	mu    sync.Mutex
	entry Entry
}

func (r *record) snapshot() Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entry
	entry.Descriptor.Authors = append([]string(nil), r.entry.Descriptor.Authors...)
	return entry
}

// Option 调整 Registry 行为。
type Option func(*Registry)

// WithClock 注入时钟，便于测试空闲回收。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry 是并发安全的扩展注册表，所有读取均返回副本。
type Registry struct {
	entries cmap.ConcurrentMap[string, *record]
	seq     atomic.Uint64
	now     func() time.Time
}

// New 创建空注册表。
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: cmap.New[*record](),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NormalizeName 返回注册表使用的规范化名称。
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register 插入或覆盖一条记录，覆盖时分配新的 Sequence。
func (r *Registry) Register(desc Descriptor) (Entry, error) {
	key := NormalizeName(desc.Name)
	if key == "" {
		return Entry{}, ErrNameRequired
	}
	desc.Name = strings.TrimSpace(desc.Name)
	if desc.Namespace == "" {
		desc.Namespace = key
	}
	desc.Authors = append([]string(nil), desc.Authors...)

	now := r.now()
	rec := &record{entry: Entry{
		Descriptor: desc,
		Metadata: Metadata{
			LoadedAt:   now,
			LastUsedAt: now,
			Active:     true,
			Sequence:   r.seq.Add(1),
		},
	}}
	r.entries.Set(key, rec)
	return rec.snapshot(), nil
}

// Unregister 删除记录，返回是否存在。
func (r *Registry) Unregister(name string) bool {
	return r.entries.RemoveCb(NormalizeName(name), func(_ string, _ *record, exists bool) bool {
		return exists
	})
}

// Touch 将 LastUsedAt 刷新为当前时间。
func (r *Registry) Touch(name string) bool {
	rec, ok := r.entries.Get(NormalizeName(name))
	if !ok {
		return false
	}
	now := r.now()
	rec.mu.Lock()
	if now.After(rec.entry.Metadata.LastUsedAt) {
		rec.entry.Metadata.LastUsedAt = now
	}
	rec.mu.Unlock()
	return true
}

// Lookup 返回记录副本。
func (r *Registry) Lookup(name string) (Entry, bool) {
	rec, ok := r.entries.Get(NormalizeName(name))
	if !ok {
		return Entry{}, false
	}
	return rec.snapshot(), true
}

// Contains 判断名称是否已注册。
func (r *Registry) Contains(name string) bool {
	return r.entries.Has(NormalizeName(name))
}

// List 返回按 Sequence 排序的快照。
func (r *Registry) List() []Entry {
	items := r.entries.Items()
	result := make([]Entry, 0, len(items))
	for _, rec := range items {
		result = append(result, rec.snapshot())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Metadata.Sequence < result[j].Metadata.Sequence
	})
	return result
}

// Names 返回按 Sequence 排序的规范化名称。
func (r *Registry) Names() []string {
	entries := r.List()
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = NormalizeName(entry.Descriptor.Name)
	}
	return names
}

// Count 返回记录数量。
func (r *Registry) Count() int {
	return r.entries.Count()
}

// ActiveCount 返回 Active 记录数量。
func (r *Registry) ActiveCount() int {
	n := 0
	for _, rec := range r.entries.Items() {
		if rec.snapshot().Metadata.Active {
			n++
		}
	}
	return n
}
