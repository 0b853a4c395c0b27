package database

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/config"
)

// 驱动注册名，同时决定 sqlx 的占位符风格。
const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// Options 描述 Provider 的连接与池化参数。
type Options struct {
	Type              string
	File              string
	Host              string
	Port              int
	Name              string
	Username          string
	Password          string
	SSLMode           string
	PoolSize          int
	IdleLifetime      time.Duration
	ValidationTimeout time.Duration
	Logger            *logrus.Logger
}

// OptionsFromConfig 将 [database] 配置段转换为 Provider 参数。
func OptionsFromConfig(cfg config.DatabaseConfig, logger *logrus.Logger) Options {
	return Options{
		Type:              cfg.Type,
		File:              cfg.File,
		Host:              cfg.Host,
		Port:              cfg.Port,
		Name:              cfg.Name,
		Username:          cfg.Username,
		Password:          cfg.Password,
		SSLMode:           cfg.SSLMode,
		PoolSize:          cfg.PoolSize,
		IdleLifetime:      cfg.IdleLifetime.DurationValue(),
		ValidationTimeout: cfg.ValidationTimeout.DurationValue(),
		Logger:            logger,
	}
}

func (o Options) networked() bool {
	return strings.EqualFold(o.Type, config.DatabasePostgres)
}

func (o Options) withDefaults() Options {
	o.Type = strings.ToLower(strings.TrimSpace(o.Type))
	if o.Type == "" {
		o.Type = config.DatabaseSQLite
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.ValidationTimeout <= 0 {
		o.ValidationTimeout = 5 * time.Second
	}
	if o.SSLMode == "" {
		o.SSLMode = "disable"
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

func (o Options) validate() error {
	switch o.Type {
	case config.DatabaseSQLite:
		if strings.TrimSpace(o.File) == "" {
			return &ConfigurationError{Field: "file", Reason: "嵌入式模式需要数据库文件路径"}
		}
		return nil
	case config.DatabasePostgres:
	default:
		return &ConfigurationError{Field: "type", Reason: "不支持的数据库类型: " + o.Type}
	}

	required := []struct {
		field string
		value string
	}{
		{"host", o.Host},
		{"name", o.Name},
		{"username", o.Username},
		{"password", o.Password},
	}
	for _, item := range required {
		if strings.TrimSpace(item.value) == "" {
			return &ConfigurationError{Field: item.field, Reason: "网络模式下不能为空"}
		}
	}
	if o.Port <= 0 || o.Port > 65535 {
		return &ConfigurationError{Field: "port", Reason: "必须在 1-65535"}
	}
	return nil
}

// driver 返回 database/sql 驱动名与 DSN。
func (o Options) driver() (string, string) {
	if o.networked() {
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(o.Username, o.Password),
			Host:     net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
			Path:     "/" + o.Name,
			RawQuery: url.Values{"sslmode": []string{o.SSLMode}}.Encode(),
		}
		return driverPostgres, u.String()
	}
	if o.File == ":memory:" {
		return driverSQLite, "file::memory:?cache=shared&_busy_timeout=5000"
	}
	return driverSQLite, fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", o.File)
}
