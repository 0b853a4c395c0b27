package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Provider 封装连接池，负责首连校验、schema 初始化与参数化语句执行。
type Provider struct {
	db      *sqlx.DB
	opts    Options
	logger  *logrus.Logger
	upsert  string
	lookup  string
	closeMu sync.Mutex
	closed  bool
}

// Open 校验参数、建立连接池并确保 entity_data 表存在。
// 首次连接在 ValidationTimeout 内按指数退避重试，超时返回 *ConnectionError。
func Open(ctx context.Context, opts Options) (*Provider, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if !opts.networked() && opts.File != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, newConnectionError("prepare", fmt.Errorf("创建数据库目录失败: %w", err))
		}
	}

	driverName, dsn := opts.driver()
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, newConnectionError("open", err)
	}

	p, err := NewWithDB(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := p.establish(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	p.logger.WithFields(logrus.Fields{
		"action":    "database_open",
		"driver":    driverName,
		"pool_size": opts.PoolSize,
	}).Info("数据库连接池就绪")
	return p, nil
}

// NewWithDB 基于已有连接池构建 Provider，不做首连与 schema 初始化。
func NewWithDB(db *sqlx.DB, opts Options) (*Provider, error) {
	if db == nil {
		return nil, &ConfigurationError{Field: "db", Reason: "连接池不能为空"}
	}
	opts = opts.withDefaults()

	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(min(2, opts.PoolSize))
	if opts.IdleLifetime > 0 {
		db.SetConnMaxIdleTime(opts.IdleLifetime)
	}

	return &Provider{
		db:     db,
		opts:   opts,
		logger: opts.Logger,
		upsert: db.Rebind(upsertEntityData),
		lookup: db.Rebind(selectEntityData),
	}, nil
}

func (p *Provider) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.ValidationTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = p.opts.ValidationTimeout

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return p.db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"action":   "database_connect",
			"attempts": attempts,
			"timeout":  p.opts.ValidationTimeout.String(),
		}).WithError(err).Error("数据库首连失败")
		return newConnectionError("connect", err)
	}
	return nil
}

// EnsureSchema 幂等创建 entity_data 表。
func (p *Provider) EnsureSchema(ctx context.Context) error {
	if _, err := p.Execute(ctx, createEntityDataTable); err != nil {
		return fmt.Errorf("初始化 schema 失败: %w", err)
	}
	return nil
}

// Acquire 从池中获取一个连接，等待时间受 ValidationTimeout 限制。
// 调用方负责 Close 归还连接。
func (p *Provider) Acquire(ctx context.Context) (*sqlx.Conn, error) {
	if p.isClosed() {
		return nil, newConnectionError("acquire", ErrClosed)
	}
	acquireCtx, cancel := context.WithTimeout(ctx, p.opts.ValidationTimeout)
	defer cancel()

	conn, err := p.db.Connx(acquireCtx)
	if err != nil {
		return nil, newConnectionError("acquire", err)
	}
	return conn, nil
}

// Execute 执行参数化写语句，占位符按驱动改写。
func (p *Provider) Execute(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.ExecContext(ctx, p.db.Rebind(query), args...)
}

// QueryValue 查询单列单行结果，未命中返回 ok=false。
func (p *Provider) QueryValue(ctx context.Context, query string, args ...any) (string, bool, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	var value string
	if err := conn.GetContext(ctx, &value, p.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Upsert 覆盖写一条记录，后写者胜出。
func (p *Provider) Upsert(ctx context.Context, rec Record) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, p.upsert, rec.EntityID, rec.Namespace, rec.Key, rec.Value)
	return err
}

// Lookup 按 (entity, namespace, key) 点查。
func (p *Provider) Lookup(ctx context.Context, entityID, namespace, key string) (string, bool, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return "", false, err
	}
	defer conn.Close()

	var value string
	if err := conn.GetContext(ctx, &value, p.lookup, entityID, namespace, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Ping 供就绪探针使用。
func (p *Provider) Ping(ctx context.Context) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.db.PingContext(ctx)
}

// Stats 返回连接池统计。
func (p *Provider) Stats() sql.DBStats {
	return p.db.Stats()
}

// DB 暴露底层连接池，供指标采集使用。
func (p *Provider) DB() *sql.DB {
	return p.db.DB
}

// DriverName 返回 database/sql 驱动名。
func (p *Provider) DriverName() string {
	return p.db.DriverName()
}

// Close 关闭连接池，重复调用安全。
func (p *Provider) Close() error {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func (p *Provider) isClosed() bool {
	p.closeMu.Lock()
	defer p.closeMu.Unlock()
	return p.closed
}
