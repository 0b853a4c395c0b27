package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ExtensionFields 提供扩展生命周期日志的统一字段。
func ExtensionFields(action, name, version, path string) logrus.Fields {
	fields := logrus.Fields{
		"action":    action,
		"extension": name,
	}
	if version != "" {
		fields["version"] = version
	}
	if path != "" {
		fields["path"] = path
	}
	return fields
}

// StorageFields 描述一次实体数据访问，cacheHit 区分缓存命中与回源。
func StorageFields(op, entity, namespace, key string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":    op,
		"entity":    entity,
		"namespace": namespace,
		"key":       key,
		"cache_hit": cacheHit,
	}
}
