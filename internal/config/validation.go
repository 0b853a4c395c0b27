package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedDatabaseTypes = map[string]struct{}{
	DatabaseSQLite:   {},
	DatabasePostgres: {},
}

const supportedDatabaseTypeList = "sqlite|postgres"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别: "+g.LogLevel)
	}
	if g.WorkerPoolSize <= 0 {
		return newFieldError("Global.WorkerPoolSize", "必须大于 0")
	}

	if err := c.Database.validate(); err != nil {
		return err
	}
	if err := c.Extensions.validate(); err != nil {
		return err
	}

	if c.Caching.FlushIntervalSeconds <= 0 {
		return newFieldError(sectionField("caching", "flushIntervalSeconds"), "必须大于 0")
	}
	return nil
}

func (d DatabaseConfig) validate() error {
	if _, ok := supportedDatabaseTypes[d.Type]; !ok {
		return newFieldError(sectionField("database", "type"), "仅支持 "+supportedDatabaseTypeList)
	}
	if d.PoolSize <= 0 {
		return newFieldError(sectionField("database", "pool-size"), "必须大于 0")
	}
	if d.ValidationTimeout.DurationValue() <= 0 {
		return newFieldError(sectionField("database", "validation-timeout"), "必须大于 0")
	}
	if d.IdleLifetime.DurationValue() < 0 {
		return newFieldError(sectionField("database", "idle-lifetime"), "不能为负数")
	}

	if !d.IsNetworked() {
		if strings.TrimSpace(d.File) == "" {
			return newFieldError(sectionField("database", "file"), "嵌入式模式下不能为空")
		}
		return nil
	}

	required := []struct {
		field string
		value string
	}{
		{"host", d.Host},
		{"name", d.Name},
		{"username", d.Username},
		{"password", d.Password},
	}
	for _, item := range required {
		if strings.TrimSpace(item.value) == "" {
			return newFieldError(sectionField("database", item.field), "网络模式下不能为空")
		}
	}
	if d.Port <= 0 || d.Port > 65535 {
		return newFieldError(sectionField("database", "port"), "必须在 1-65535")
	}
	return nil
}

func (e ExtensionsConfig) validate() error {
	if strings.TrimSpace(e.Directory) == "" {
		return newFieldError(sectionField("extensions", "directory"), "不能为空")
	}
	if strings.ContainsAny(e.PackageExtension, `/\`) || len(e.PackageExtension) < 2 {
		return newFieldError(sectionField("extensions", "package-extension"), "必须形如 .gext")
	}
	if e.MaxScanDepth <= 0 {
		return newFieldError(sectionField("extensions", "max-scan-depth"), "必须大于 0")
	}
	if e.MaxLoaded <= 0 {
		return newFieldError(sectionField("extensions", "max-loaded"), "必须大于 0")
	}
	if e.UnloadAfterMinutes <= 0 {
		return newFieldError(sectionField("extensions", "unload-after-minutes"), "必须大于 0")
	}
	if e.SweepInterval.DurationValue() <= 0 {
		return newFieldError(sectionField("extensions", "sweep-interval"), "必须大于 0")
	}
	if e.ScriptTimeout.DurationValue() <= 0 {
		return newFieldError(sectionField("extensions", "script-timeout"), "必须大于 0")
	}
	return nil
}
