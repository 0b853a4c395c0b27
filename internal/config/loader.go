package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖前缀，例如 GHAST_DATABASE_PASSWORD。
const EnvPrefix = "GHAST"

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := resolvePaths(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default 返回与 setDefaults 一致的配置，便于测试或嵌入场景直接构造。
func Default() *Config {
	cfg := &Config{
		Global: GlobalConfig{
			LogLevel:      "info",
			LogMaxSize:    100,
			LogMaxBackups: 10,
			LogCompress:   true,
		},
		Database: DatabaseConfig{
			Type:    DatabaseSQLite,
			File:    "./data/data.db",
			SSLMode: "disable",
		},
		Extensions: ExtensionsConfig{
			Directory:       "./extensions",
			ContinueOnError: true,
			AsyncScan:       true,
		},
		Caching: CachingConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 7070)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("WorkerPoolSize", 4)

	v.SetDefault("database.type", DatabaseSQLite)
	v.SetDefault("database.file", "./data/data.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.pool-size", 10)
	v.SetDefault("database.idle-lifetime", "30s")
	v.SetDefault("database.validation-timeout", "5s")

	v.SetDefault("extensions.directory", "./extensions")
	v.SetDefault("extensions.package-extension", ".gext")
	v.SetDefault("extensions.continue-on-error", true)
	v.SetDefault("extensions.lazy-load", false)
	v.SetDefault("extensions.recursive-scan", false)
	v.SetDefault("extensions.max-scan-depth", 3)
	v.SetDefault("extensions.async-scan", true)
	v.SetDefault("extensions.max-loaded", 15)
	v.SetDefault("extensions.unload-after-minutes", 30)
	v.SetDefault("extensions.sweep-interval", "1m")
	v.SetDefault("extensions.script-timeout", "5s")

	v.SetDefault("caching.enabled", true)
	v.SetDefault("caching.flushIntervalSeconds", 300)
}

func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 7070
	}
	if g.WorkerPoolSize <= 0 {
		g.WorkerPoolSize = 4
	}

	db := &cfg.Database
	db.Type = strings.ToLower(strings.TrimSpace(db.Type))
	if db.Type == "" {
		db.Type = DatabaseSQLite
	}
	if db.PoolSize <= 0 {
		db.PoolSize = 10
	}
	if db.IdleLifetime.DurationValue() == 0 {
		db.IdleLifetime = Duration(30 * time.Second)
	}
	if db.ValidationTimeout.DurationValue() == 0 {
		db.ValidationTimeout = Duration(5 * time.Second)
	}

	ext := &cfg.Extensions
	if ext.PackageExtension == "" {
		ext.PackageExtension = ".gext"
	}
	if !strings.HasPrefix(ext.PackageExtension, ".") {
		ext.PackageExtension = "." + ext.PackageExtension
	}
	if ext.MaxScanDepth <= 0 {
		ext.MaxScanDepth = 3
	}
	if ext.MaxLoaded == 0 {
		ext.MaxLoaded = 15
	}
	if ext.UnloadAfterMinutes == 0 {
		ext.UnloadAfterMinutes = 30
	}
	if ext.SweepInterval.DurationValue() == 0 {
		ext.SweepInterval = Duration(time.Minute)
	}
	if ext.ScriptTimeout.DurationValue() == 0 {
		ext.ScriptTimeout = Duration(5 * time.Second)
	}

	if cfg.Caching.FlushIntervalSeconds == 0 {
		cfg.Caching.FlushIntervalSeconds = 300
	}
}

// resolvePaths 将相对路径转为绝对路径，基准为进程工作目录。
func resolvePaths(cfg *Config) error {
	absExt, err := filepath.Abs(cfg.Extensions.Directory)
	if err != nil {
		return fmt.Errorf("无法解析扩展目录: %w", err)
	}
	cfg.Extensions.Directory = absExt

	if !cfg.Database.IsNetworked() && cfg.Database.File != ":memory:" {
		absDB, err := filepath.Abs(cfg.Database.File)
		if err != nil {
			return fmt.Errorf("无法解析数据库文件路径: %w", err)
		}
		cfg.Database.File = absDB
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
