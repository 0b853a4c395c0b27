package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/extension"
	"github.com/ghast-core/ghast-core/internal/registry"
)

// ErrTimeout 表示脚本执行超过时间预算。
var ErrTimeout = errors.New("script execution timed out")

var errNoCapabilities = errors.New("core is only available while the extension is enabled")

// Extension 是一个脚本扩展实例；goja.Runtime 非并发安全，所有执行由 mu 串行化。
type Extension struct {
	desc    registry.Descriptor
	timeout time.Duration
	logger  *logrus.Logger

	mu   sync.Mutex
	vm   *goja.Runtime
	caps extension.Capabilities
	ctx  context.Context
}

func newExtension(desc registry.Descriptor, timeout time.Duration, logger *logrus.Logger) *Extension {
	e := &Extension{
		desc:    desc,
		timeout: timeout,
		logger:  logger,
		vm:      goja.New(),
		ctx:     context.Background(),
	}
	e.vm.SetMaxCallStackSize(1024)
	e.setupGlobals()
	return e
}

func (e *Extension) Descriptor() registry.Descriptor {
	desc := e.desc
	desc.Authors = append([]string(nil), e.desc.Authors...)
	return desc
}

// Enable 绑定能力句柄并调用 onEnable。
func (e *Extension) Enable(ctx context.Context, caps extension.Capabilities) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.caps = caps
	if err := e.callHook(ctx, "onEnable"); err != nil {
		e.caps = nil
		return err
	}
	return nil
}

// Disable 调用 onDisable 并解除能力句柄。
func (e *Extension) Disable(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.caps = nil }()
	return e.callHook(ctx, "onDisable")
}

// Invoke 调用脚本顶层函数，返回值经 Export 转换为 Go 值。
func (e *Extension) Invoke(ctx context.Context, fn string, args ...any) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	callable, ok := goja.AssertFunction(e.vm.Get(fn))
	if !ok {
		return nil, fmt.Errorf("%s: function %q is not defined", e.desc.Name, fn)
	}
	values := make([]goja.Value, len(args))
	for i, arg := range args {
		values[i] = e.vm.ToValue(arg)
	}
	result, err := e.run(ctx, func() (goja.Value, error) {
		return callable(goja.Undefined(), values...)
	})
	if err != nil {
		return nil, err
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

func (e *Extension) callHook(ctx context.Context, name string) error {
	callable, ok := goja.AssertFunction(e.vm.Get(name))
	if !ok {
		return nil
	}
	_, err := e.run(ctx, func() (goja.Value, error) {
		return callable(goja.Undefined())
	})
	return err
}

// run 在时间预算内执行 fn，超时或 ctx 取消时中断 VM。调用方需持有 mu。
// 任何退出路径（包括 panic）都会停止看门狗并清除中断标记。
func (e *Extension) run(ctx context.Context, fn func() (goja.Value, error)) (value goja.Value, err error) {
	e.ctx = ctx

	timer := time.NewTimer(e.timeout)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-timer.C:
			e.vm.Interrupt(ErrTimeout)
		case <-ctx.Done():
			e.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer func() {
		close(done)
		timer.Stop()
		<-stopped
		e.vm.ClearInterrupt()
		e.ctx = context.Background()
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("%s: script panicked: %v", e.desc.Name, r)
		}
	}()

	value, err = fn()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if cause, ok := interrupted.Value().(error); ok {
				return nil, fmt.Errorf("%s: %w", e.desc.Name, cause)
			}
		}
		return nil, fmt.Errorf("%s: %w", e.desc.Name, err)
	}
	return value, nil
}

func (e *Extension) setupGlobals() {
	vm := e.vm
	_ = vm.Set("require", goja.Undefined())
	_ = vm.Set("process", goja.Undefined())

	core := vm.NewObject()
	_ = core.Set("get", func(call goja.FunctionCall) goja.Value {
		caps := e.mustCaps()
		value, ok, err := caps.Get(e.ctx, call.Argument(0).String(), call.Argument(1).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(value)
	})
	_ = core.Set("put", func(call goja.FunctionCall) goja.Value {
		caps := e.mustCaps()
		if err := caps.Put(e.ctx, call.Argument(0).String(), call.Argument(1).String(), call.Argument(2).String()); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = core.Set("self", func(goja.FunctionCall) goja.Value {
		desc := e.desc
		if e.caps != nil {
			desc = e.caps.Self()
		}
		return vm.ToValue(map[string]any{
			"name":      desc.Name,
			"version":   desc.Version,
			"authors":   desc.Authors,
			"namespace": desc.Namespace,
		})
	})
	_ = core.Set("log", func(call goja.FunctionCall) goja.Value {
		entry := e.logger.WithField("extension", e.desc.Name)
		if e.caps != nil {
			entry = e.caps.Logger()
		}
		level, err := logrus.ParseLevel(call.Argument(0).String())
		if err != nil {
			level = logrus.InfoLevel
		}
		// 脚本不得触发 panic/fatal 级别
		if level < logrus.ErrorLevel {
			level = logrus.ErrorLevel
		}
		entry.Log(level, call.Argument(1).String())
		return goja.Undefined()
	})
	_ = vm.Set("core", core)
}

func (e *Extension) mustCaps() extension.Capabilities {
	if e.caps == nil {
		panic(e.vm.NewGoError(errNoCapabilities))
	}
	return e.caps
}
