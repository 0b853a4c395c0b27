// Package script 以 goja 运行 JavaScript 扩展，实现 extension.Loader。
//
// 脚本可使用全局对象 core：
//
//	core.get(entity, key)        读取本扩展命名空间下的值，不存在时返回 null
//	core.put(entity, key, value) 写入值
//	core.self()                  返回 {name, version, authors, namespace}
//	core.log(level, message)     写入宿主日志
//
// 顶层函数 onEnable/onDisable 为生命周期钩子，其余顶层函数可通过 Invoke 调用。
package script

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/extension"
	"github.com/ghast-core/ghast-core/internal/logging"
	"github.com/ghast-core/ghast-core/internal/registry"
)

// Options 控制脚本执行。
type Options struct {
	Timeout time.Duration
	Logger  *logrus.Logger
}

// Loader 从扩展包读取 main 脚本并在独立 goja.Runtime 中执行。
type Loader struct {
	timeout time.Duration
	logger  *logrus.Logger
}

// NewLoader 创建 Loader；Timeout 非正时使用 5 秒。
func NewLoader(opts Options) *Loader {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Loader{timeout: opts.Timeout, logger: opts.Logger}
}

// Load 读取并执行脚本顶层代码，返回尚未启用的扩展。
func (l *Loader) Load(ctx context.Context, candidate extension.Candidate) (extension.Extension, error) {
	src, err := extension.ReadEntry(candidate.Path, candidate.Manifest.Main)
	if err != nil {
		return nil, fmt.Errorf("读取入口脚本失败: %w", err)
	}

	ext := newExtension(registry.Descriptor{
		Name:      candidate.Manifest.Name,
		Version:   candidate.Manifest.Version,
		Authors:   append([]string(nil), candidate.Manifest.Authors...),
		Namespace: registry.NormalizeName(candidate.Manifest.Name),
	}, l.timeout, l.logger)

	ext.mu.Lock()
	defer ext.mu.Unlock()
	if _, err := ext.run(ctx, func() (goja.Value, error) {
		return ext.vm.RunScript(candidate.Manifest.Main, string(src))
	}); err != nil {
		return nil, err
	}

	l.logger.WithFields(logging.ExtensionFields("script_load", candidate.Name, candidate.Manifest.Version, candidate.Path)).
		Debug("脚本已编译执行")
	return ext, nil
}
