package extension

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/config"
	"github.com/ghast-core/ghast-core/internal/logging"
	"github.com/ghast-core/ghast-core/internal/metrics"
	"github.com/ghast-core/ghast-core/internal/registry"
)

// Options 控制 Manager 的扫描与回收策略。
type Options struct {
	Directory        string
	PackageExtension string
	ContinueOnError  bool
	RecursiveScan    bool
	MaxScanDepth     int
	AsyncScan        bool
	MaxLoaded        int
	UnloadAfter      time.Duration
	HostVersion      string
}

// OptionsFromConfig 将 [extensions] 段转换为 Manager 参数。
func OptionsFromConfig(cfg config.ExtensionsConfig, hostVersion string) Options {
	return Options{
		Directory:        cfg.Directory,
		PackageExtension: cfg.PackageExtension,
		ContinueOnError:  cfg.ContinueOnError,
		RecursiveScan:    cfg.RecursiveScan,
		MaxScanDepth:     cfg.MaxScanDepth,
		AsyncScan:        cfg.AsyncScan,
		MaxLoaded:        cfg.MaxLoaded,
		UnloadAfter:      cfg.UnloadAfter(),
		HostVersion:      hostVersion,
	}
}

// Dependencies 是 Manager 的协作者。Pool 为空时异步扫描退化为同步。
type Dependencies struct {
	Loader   Loader
	Store    DataStore
	Registry *registry.Registry
	Pool     Submitter
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

type loadedExtension struct {
	ext       Extension
	candidate Candidate
	caps      *boundCapabilities
}

// Manager 负责扩展的发现、加载、卸载与回收。加载与卸载在 lifecycle 锁下串行执行，
// 待加载集合与注册表始终不相交。
type Manager struct {
	opts     Options
	loader   Loader
	store    DataStore
	registry *registry.Registry
	pool     Submitter
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	pending cmap.ConcurrentMap[string, Candidate]
	loaded  cmap.ConcurrentMap[string, *loadedExtension]

	lifecycle sync.Mutex
	scanMu    sync.Mutex
	seq       atomic.Uint64
	shutdown  atomic.Bool
	scanning  atomic.Bool
}

// NewManager 创建 Manager；Loader、Store 与 Registry 必须提供。
func NewManager(opts Options, deps Dependencies) (*Manager, error) {
	if deps.Loader == nil {
		return nil, errors.New("extension loader is required")
	}
	if deps.Store == nil {
		return nil, errors.New("extension data store is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("extension registry is required")
	}
	if opts.MaxLoaded <= 0 {
		return nil, fmt.Errorf("max loaded must be positive, got %d", opts.MaxLoaded)
	}
	if opts.PackageExtension == "" {
		opts.PackageExtension = ".gext"
	}
	if opts.MaxScanDepth <= 0 {
		opts.MaxScanDepth = 1
	}
	if opts.UnloadAfter <= 0 {
		opts.UnloadAfter = 30 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Manager{
		opts:     opts,
		loader:   deps.Loader,
		store:    deps.Store,
		registry: deps.Registry,
		pool:     deps.Pool,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      deps.Clock,
		pending:  cmap.New[Candidate](),
		loaded:   cmap.New[*loadedExtension](),
	}, nil
}

// Options 返回生效的配置。
func (m *Manager) Options() Options {
	return m.opts
}

// LoadAll 按发现顺序加载全部待加载扩展，每次成功加载后执行上限控制。
// ContinueOnError=false 时遇到第一个失败即中止并返回该错误，之前成功的扩展保持加载，
// 之后的候选留在待加载集合中。失败的候选同样保留，可再次显式加载。
func (m *Manager) LoadAll(ctx context.Context) (Report, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	report := Report{BatchID: uuid.NewString(), Loaded: []string{}}
	if m.shutdown.Load() {
		return report, ErrShuttingDown
	}

	for _, cand := range m.pendingSnapshot() {
		if m.shutdown.Load() {
			report.Aborted = true
			return report, ErrShuttingDown
		}
		if !m.pending.Has(cand.Key()) {
			// 本批次中因上限被卸载后回到待加载集合的扩展不会被重新加载。
			continue
		}
		if m.registry.Contains(cand.Key()) {
			report.Skipped = append(report.Skipped, cand.Name)
			continue
		}

		if err := m.loadCandidate(ctx, cand); err != nil {
			report.Failed = append(report.Failed, Failure{Name: cand.Name, Path: cand.Path, Error: err.Error()})
			if !m.opts.ContinueOnError {
				report.Aborted = true
				m.logBatch(report)
				return report, err
			}
			continue
		}
		report.Loaded = append(report.Loaded, cand.Name)
		report.Evicted = append(report.Evicted, m.enforceCeilingLocked(ctx)...)
	}

	m.logBatch(report)
	return report, nil
}

// Load 加载单个待加载扩展；已加载时返回 StatusAlreadyLoaded。
func (m *Manager) Load(ctx context.Context, name string) (Result, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	result := Result{Name: name}
	if m.shutdown.Load() {
		return result, ErrShuttingDown
	}

	key := registry.NormalizeName(name)
	if m.registry.Contains(key) {
		result.Status = StatusAlreadyLoaded
		m.logger.WithFields(logging.ExtensionFields("extension_load", name, "", "")).Info("扩展已加载，忽略重复请求")
		return result, nil
	}

	cand, ok := m.pending.Get(key)
	if !ok {
		return result, fmt.Errorf("%s: %w", name, ErrNotPending)
	}
	result.Name = cand.Name

	if err := m.loadCandidate(ctx, cand); err != nil {
		result.Status = StatusFailed
		return result, err
	}
	result.Status = StatusLoaded
	result.Evicted = m.enforceCeilingLocked(ctx)
	return result, nil
}

// Unload 禁用并注销扩展；未加载时返回 false。Disable 的错误或 panic 不会阻止注销，
// 会作为第二个返回值报告。
func (m *Manager) Unload(ctx context.Context, name string) (bool, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.unloadLocked(ctx, registry.NormalizeName(name), ReasonExplicit)
}

// SweepIdle 卸载空闲时间超过阈值的扩展，随后执行上限控制，返回被卸载的名称。
func (m *Manager) SweepIdle(ctx context.Context) []string {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.shutdown.Load() {
		return nil
	}

	now := m.now()
	var unloaded []string
	for _, entry := range m.registry.List() {
		if !entry.Metadata.Active || now.Sub(entry.Metadata.LastUsedAt) <= m.opts.UnloadAfter {
			continue
		}
		key := registry.NormalizeName(entry.Descriptor.Name)
		if ok, _ := m.unloadLocked(ctx, key, ReasonIdle); ok {
			unloaded = append(unloaded, entry.Descriptor.Name)
		}
	}
	return append(unloaded, m.enforceCeilingLocked(ctx)...)
}

// EnforceCeiling 在已加载数量超过上限时按 LastUsedAt 升序（同值按注册顺序）卸载多余扩展。
func (m *Manager) EnforceCeiling(ctx context.Context) []string {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.enforceCeilingLocked(ctx)
}

// Invoke 调用已加载扩展的导出函数，并刷新其使用时间。
func (m *Manager) Invoke(ctx context.Context, name, fn string, args ...any) (result any, err error) {
	key := registry.NormalizeName(name)
	le, ok := m.loaded.Get(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotLoaded)
	}
	invoker, ok := le.ext.(Invoker)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotInvocable)
	}
	m.registry.Touch(key)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s.%s: %w", name, fn, panicError(r))
			m.logger.WithFields(logging.ExtensionFields("extension_invoke", name, "", "")).
				WithError(err).Error("扩展函数 panic")
		}
	}()
	return invoker.Invoke(ctx, fn, args...)
}

// Touch 刷新扩展使用时间。
func (m *Manager) Touch(name string) bool {
	return m.registry.Touch(name)
}

// Loaded 返回已加载扩展的注册表快照。
func (m *Manager) Loaded() []registry.Entry {
	return m.registry.List()
}

// Pending 返回按发现顺序排列的待加载集合快照。
func (m *Manager) Pending() []Candidate {
	return m.pendingSnapshot()
}

// Describe 返回单个扩展的状态。
func (m *Manager) Describe(name string) (Description, bool) {
	key := registry.NormalizeName(name)
	if entry, ok := m.registry.Lookup(key); ok {
		desc := Description{Name: entry.Descriptor.Name, State: StateLoaded, Entry: &entry}
		if le, ok := m.loaded.Get(key); ok {
			cand := le.candidate
			desc.Candidate = &cand
		}
		return desc, true
	}
	if cand, ok := m.pending.Get(key); ok {
		return Description{Name: cand.Name, State: StatePending, Candidate: &cand}, true
	}
	return Description{}, false
}

// Close 设置关闭标志并卸载全部扩展，之后的生命周期操作返回 ErrShuttingDown。
func (m *Manager) Close(ctx context.Context) {
	m.shutdown.Store(true)

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	for _, key := range m.loaded.Keys() {
		_, _ = m.unloadLocked(ctx, key, ReasonShutdown)
	}
	for _, key := range m.pending.Keys() {
		m.pending.Remove(key)
	}
	m.updateGauges()
}

// ShuttingDown 表示是否已调用 Close。
func (m *Manager) ShuttingDown() bool {
	return m.shutdown.Load()
}

func (m *Manager) loadCandidate(ctx context.Context, cand Candidate) error {
	key := cand.Key()
	fields := logging.ExtensionFields("extension_load", cand.Name, cand.Manifest.Version, cand.Path)

	ext, err := m.safeLoad(ctx, cand)
	if err != nil {
		return m.loadFailed(fields, &LoadError{Name: cand.Name, Path: cand.Path, Stage: "load", Err: err})
	}

	desc := ext.Descriptor()
	if desc.Name == "" {
		desc.Name = cand.Name
	}
	if registry.NormalizeName(desc.Name) != key {
		err := fmt.Errorf("descriptor name %q does not match package name %q", desc.Name, cand.Name)
		return m.loadFailed(fields, &LoadError{Name: cand.Name, Path: cand.Path, Stage: "load", Err: err})
	}
	desc.Namespace = key

	caps := newCapabilities(desc, m.store, m.registry, m.logger)
	if err := m.safeEnable(ctx, ext, caps); err != nil {
		caps.revoke()
		return m.loadFailed(fields, &LoadError{Name: cand.Name, Path: cand.Path, Stage: "enable", Err: err})
	}

	m.pending.Remove(key)
	if _, err := m.registry.Register(desc); err != nil {
		caps.revoke()
		_ = m.safeDisable(ctx, ext)
		m.pending.Set(key, cand)
		return m.loadFailed(fields, &LoadError{Name: cand.Name, Path: cand.Path, Stage: "register", Err: err})
	}
	m.loaded.Set(key, &loadedExtension{ext: ext, candidate: cand, caps: caps})

	m.metrics.ExtensionEvent("load", "ok")
	m.updateGauges()
	m.logger.WithFields(fields).Info("扩展已加载")
	return nil
}

func (m *Manager) loadFailed(fields logrus.Fields, err *LoadError) error {
	m.metrics.ExtensionEvent("load", "failed")
	m.logger.WithFields(fields).WithField("stage", err.Stage).WithError(err.Err).Error("扩展加载失败")
	return err
}

// unloadLocked 卸载扩展；仍保留候选信息时放回待加载集合，但不会自动重新加载。
func (m *Manager) unloadLocked(ctx context.Context, key, reason string) (bool, error) {
	le, ok := m.loaded.Get(key)
	if !ok {
		return false, nil
	}
	m.loaded.Remove(key)

	disableErr := m.safeDisable(ctx, le.ext)
	le.caps.revoke()
	m.registry.Unregister(key)
	if !m.shutdown.Load() {
		m.pending.Set(key, le.candidate)
	}

	fields := logging.ExtensionFields("extension_unload", le.candidate.Name, le.candidate.Manifest.Version, "")
	fields["reason"] = reason
	if disableErr != nil {
		m.logger.WithFields(fields).WithError(disableErr).Warn("扩展禁用失败，已强制注销")
	} else {
		m.logger.WithFields(fields).Info("扩展已卸载")
	}
	m.metrics.ExtensionEvent("unload", reason)
	m.updateGauges()
	return true, disableErr
}

func (m *Manager) enforceCeilingLocked(ctx context.Context) []string {
	entries := m.registry.List()
	active := entries[:0]
	for _, entry := range entries {
		if entry.Metadata.Active {
			active = append(active, entry)
		}
	}
	excess := len(active) - m.opts.MaxLoaded
	if excess <= 0 {
		return nil
	}

	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i].Metadata, active[j].Metadata
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		return a.Sequence < b.Sequence
	})

	evicted := make([]string, 0, excess)
	for _, entry := range active[:excess] {
		if ok, _ := m.unloadLocked(ctx, registry.NormalizeName(entry.Descriptor.Name), ReasonCeiling); ok {
			evicted = append(evicted, entry.Descriptor.Name)
		}
	}
	return evicted
}

func (m *Manager) pendingSnapshot() []Candidate {
	items := m.pending.Items()
	result := make([]Candidate, 0, len(items))
	for _, cand := range items {
		result = append(result, cand)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].seq != result[j].seq {
			return result[i].seq < result[j].seq
		}
		return result[i].Path < result[j].Path
	})
	return result
}

func (m *Manager) updateGauges() {
	m.metrics.SetExtensionCounts(m.loaded.Count(), m.pending.Count())
}

func (m *Manager) logBatch(report Report) {
	m.logger.WithFields(logrus.Fields{
		"action":   "extension_load_all",
		"batch_id": report.BatchID,
		"loaded":   len(report.Loaded),
		"failed":   len(report.Failed),
		"evicted":  len(report.Evicted),
		"aborted":  report.Aborted,
	}).Info("批量加载完成")
}

func (m *Manager) safeLoad(ctx context.Context, cand Candidate) (ext Extension, err error) {
	defer func() {
		if r := recover(); r != nil {
			ext, err = nil, panicError(r)
		}
	}()
	ext, err = m.loader.Load(ctx, cand)
	if err == nil && ext == nil {
		err = errors.New("loader returned no extension")
	}
	return ext, err
}

func (m *Manager) safeEnable(ctx context.Context, ext Extension, caps Capabilities) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return ext.Enable(ctx, caps)
}

func (m *Manager) safeDisable(ctx context.Context, ext Extension) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return ext.Disable(ctx)
}
