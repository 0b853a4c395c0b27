package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 数据库后端类型。
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// GlobalConfig 描述进程级行为：日志、管理端口与后台 worker 数量。
type GlobalConfig struct {
	ListenPort     int    `mapstructure:"ListenPort"`
	LogLevel       string `mapstructure:"LogLevel"`
	LogFilePath    string `mapstructure:"LogFilePath"`
	LogMaxSize     int    `mapstructure:"LogMaxSize"`
	LogMaxBackups  int    `mapstructure:"LogMaxBackups"`
	LogCompress    bool   `mapstructure:"LogCompress"`
	WorkerPoolSize int    `mapstructure:"WorkerPoolSize"`
}

// DatabaseConfig 对应 [database] 段，描述嵌入式文件或网络关系库的连接池参数。
type DatabaseConfig struct {
	Type              string   `mapstructure:"type"`
	File              string   `mapstructure:"file"`
	Host              string   `mapstructure:"host"`
	Port              int      `mapstructure:"port"`
	Name              string   `mapstructure:"name"`
	Username          string   `mapstructure:"username"`
	Password          string   `mapstructure:"password"`
	SSLMode           string   `mapstructure:"sslmode"`
	PoolSize          int      `mapstructure:"pool-size"`
	IdleLifetime      Duration `mapstructure:"idle-lifetime"`
	ValidationTimeout Duration `mapstructure:"validation-timeout"`
}

// ExtensionsConfig 对应 [extensions] 段，控制扩展包的发现、加载与回收。
type ExtensionsConfig struct {
	Directory          string   `mapstructure:"directory"`
	PackageExtension   string   `mapstructure:"package-extension"`
	ContinueOnError    bool     `mapstructure:"continue-on-error"`
	LazyLoad           bool     `mapstructure:"lazy-load"`
	RecursiveScan      bool     `mapstructure:"recursive-scan"`
	MaxScanDepth       int      `mapstructure:"max-scan-depth"`
	AsyncScan          bool     `mapstructure:"async-scan"`
	MaxLoaded          int      `mapstructure:"max-loaded"`
	UnloadAfterMinutes int      `mapstructure:"unload-after-minutes"`
	SweepInterval      Duration `mapstructure:"sweep-interval"`
	ScriptTimeout      Duration `mapstructure:"script-timeout"`
}

// CachingConfig 对应 [caching] 段；FlushIntervalSeconds 同时作为缓存 TTL 与清扫周期。
type CachingConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	FlushIntervalSeconds int  `mapstructure:"flushIntervalSeconds"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig     `mapstructure:",squash"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Extensions ExtensionsConfig `mapstructure:"extensions"`
	Caching    CachingConfig    `mapstructure:"caching"`
}

// UnloadAfter 返回空闲回收阈值。
func (e ExtensionsConfig) UnloadAfter() time.Duration {
	return time.Duration(e.UnloadAfterMinutes) * time.Minute
}

// CacheTTL 返回缓存条目的存活时间，同时也是后台清扫周期。
func (c CachingConfig) CacheTTL() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// IsNetworked 表示是否使用网络关系库（postgres）而非嵌入式文件。
func (d DatabaseConfig) IsNetworked() bool {
	return strings.EqualFold(d.Type, DatabasePostgres)
}

// Summary 输出不含密码的连接摘要，供启动日志使用。
func (d DatabaseConfig) Summary() string {
	if d.IsNetworked() {
		return fmt.Sprintf("%s://%s@%s:%d/%s", DatabasePostgres, d.Username, d.Host, d.Port, d.Name)
	}
	return fmt.Sprintf("%s://%s", DatabaseSQLite, d.File)
}
