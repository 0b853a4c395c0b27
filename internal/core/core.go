package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/config"
	"github.com/ghast-core/ghast-core/internal/database"
	"github.com/ghast-core/ghast-core/internal/datastore"
	"github.com/ghast-core/ghast-core/internal/events"
	"github.com/ghast-core/ghast-core/internal/extension"
	"github.com/ghast-core/ghast-core/internal/extension/script"
	"github.com/ghast-core/ghast-core/internal/metrics"
	"github.com/ghast-core/ghast-core/internal/registry"
	"github.com/ghast-core/ghast-core/internal/version"
)

const poolReleaseTimeout = 5 * time.Second

// ErrNotStarted 表示在 Start 成功之前调用了依赖运行时组件的方法。
var ErrNotStarted = errors.New("core is not started")

// ErrClosed 表示核心已关闭。
var ErrClosed = errors.New("core is closed")

// Options 描述核心的外部依赖。Loader 为空时使用脚本运行时，Bus 为空时新建。
type Options struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Loader  extension.Loader
	Bus     *events.Bus
	Clock   func() time.Time
}

// Core 持有全部运行时组件。
type Core struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	loader  extension.Loader
	bus     *events.Bus
	clock   func() time.Time
	backend *providerBackend

	mu           sync.RWMutex
	provider     *database.Provider
	unregisterDB func()
	store        *datastore.Store
	registry     *registry.Registry
	manager      *extension.Manager
	pool         *ants.Pool
	scheduler    *cron.Cron
	unsubscribe  func()
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	closed       bool
}

// New 校验依赖并返回未启动的核心。
func New(opts Options) (*Core, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Loader == nil {
		opts.Loader = script.NewLoader(script.Options{
			Timeout: opts.Config.Extensions.ScriptTimeout.DurationValue(),
			Logger:  opts.Logger,
		})
	}
	return &Core{
		cfg:     opts.Config,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		loader:  opts.Loader,
		bus:     opts.Bus,
		clock:   opts.Clock,
		backend: &providerBackend{},
	}, nil
}

// Start 按依赖顺序装配组件，完成首轮扫描；未开启 lazy-load 时同步加载全部候选。
// 任何一步失败都会回滚已创建的组件。
func (c *Core) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	defer func() {
		if err != nil {
			c.teardownLocked(context.Background())
		}
	}()

	if err := os.MkdirAll(c.cfg.Extensions.Directory, 0o755); err != nil {
		return fmt.Errorf("创建扩展目录失败: %w", err)
	}

	if err := c.openProviderLocked(ctx); err != nil {
		return err
	}

	c.store = datastore.New(c.backend, datastore.Options{
		CachingEnabled: c.cfg.Caching.Enabled,
		TTL:            c.cfg.Caching.CacheTTL(),
		Clock:          c.clock,
		Logger:         c.logger,
		Metrics:        c.metrics,
	})
	c.unsubscribe = c.store.Subscribe(c.bus)
	c.registry = registry.New(registry.WithClock(c.clock))

	c.pool, err = ants.NewPool(c.cfg.Global.WorkerPoolSize,
		ants.WithLogger(c.logger),
		ants.WithPanicHandler(func(r any) {
			c.logger.WithField("action", "worker_panic").Errorf("后台任务 panic: %v", r)
		}),
	)
	if err != nil {
		return fmt.Errorf("创建 worker pool 失败: %w", err)
	}

	c.manager, err = extension.NewManager(
		extension.OptionsFromConfig(c.cfg.Extensions, version.Version),
		extension.Dependencies{
			Loader:   c.loader,
			Store:    c.store,
			Registry: c.registry,
			Pool:     c.pool,
			Logger:   c.logger,
			Metrics:  c.metrics,
			Clock:    c.clock,
		},
	)
	if err != nil {
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	if err := c.scheduleLocked(); err != nil {
		return err
	}

	if c.cfg.Extensions.LazyLoad {
		if err := c.manager.Scan(ctx); err != nil {
			return err
		}
	} else {
		if _, err := c.manager.ScanSync(ctx); err != nil {
			return err
		}
		if _, err := c.manager.LoadAll(ctx); err != nil {
			return err
		}
	}

	c.scheduler.Start()
	c.started = true
	c.logger.WithFields(logrus.Fields{
		"action":     "core_start",
		"database":   c.cfg.Database.Summary(),
		"extensions": c.cfg.Extensions.Directory,
		"loaded":     c.registry.Count(),
		"lazy_load":  c.cfg.Extensions.LazyLoad,
		"caching":    c.cfg.Caching.Enabled,
	}).Info("核心组件已启动")
	return nil
}

// Reinitialize 关闭并重新打开连接池，清空缓存后加载待加载集合。
// 已加载的扩展保持加载，其数据读写在切换后走新连接池。
func (c *Core) Reinitialize(ctx context.Context) (extension.Report, error) {
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return extension.Report{}, err
	}

	old := c.provider
	c.backend.current.Store(nil)
	c.unregisterDB()
	c.unregisterDB = func() {}
	c.provider = nil
	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.WithField("action", "core_reinitialize").WithError(err).Warn("关闭旧连接池失败")
		}
	}
	dropped := c.store.Reset()

	if err := c.openProviderLocked(ctx); err != nil {
		c.mu.Unlock()
		return extension.Report{}, err
	}
	manager := c.manager
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"action":          "core_reinitialize",
		"dropped_entries": dropped,
	}).Info("连接池已重建")
	return manager.LoadAll(ctx)
}

// Close 停止调度、卸载全部扩展、释放 worker pool 并关闭连接池。重复调用安全。
func (c *Core) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.teardownLocked(ctx)
	c.logger.WithField("action", "core_close").Info("核心组件已关闭")
	return err
}

// Ready 用于就绪探针：已启动且连接池可达。
func (c *Core) Ready(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	if c.provider == nil {
		return database.ErrClosed
	}
	return c.provider.Ping(ctx)
}

func (c *Core) Manager() *extension.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}

func (c *Core) Store() *datastore.Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store
}

func (c *Core) Registry() *registry.Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry
}

func (c *Core) Bus() *events.Bus {
	return c.bus
}

func (c *Core) Metrics() *metrics.Metrics {
	return c.metrics
}

func (c *Core) Config() *config.Config {
	return c.cfg
}

func (c *Core) checkLocked() error {
	if c.closed {
		return ErrClosed
	}
	if !c.started {
		return ErrNotStarted
	}
	return nil
}

func (c *Core) openProviderLocked(ctx context.Context) error {
	provider, err := database.Open(ctx, database.OptionsFromConfig(c.cfg.Database, c.logger))
	if err != nil {
		return err
	}
	unregister, err := c.metrics.RegisterDB(provider.DB(), provider.DriverName())
	if err != nil {
		c.logger.WithField("action", "metrics_register").WithError(err).Warn("连接池指标注册失败")
	}
	c.provider = provider
	c.unregisterDB = unregister
	c.backend.current.Store(provider)
	return nil
}

// teardownLocked 按装配的逆序释放组件，可用于 Start 失败时的回滚。
func (c *Core) teardownLocked(ctx context.Context) error {
	var errs []error

	if c.scheduler != nil {
		stopped := c.scheduler.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
		c.scheduler = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.manager != nil {
		c.manager.Close(ctx)
	}
	if c.pool != nil {
		if err := c.pool.ReleaseTimeout(poolReleaseTimeout); err != nil {
			errs = append(errs, fmt.Errorf("释放 worker pool 超时: %w", err))
		}
		c.pool = nil
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.backend.current.Store(nil)
	if c.unregisterDB != nil {
		c.unregisterDB()
		c.unregisterDB = nil
	}
	if c.provider != nil {
		if err := c.provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭连接池失败: %w", err))
		}
	}
	c.started = false
	return errors.Join(errs...)
}
