package extension

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPending 表示名称不在待加载集合中。
	ErrNotPending = errors.New("extension is not pending")
	// ErrNotLoaded 表示扩展当前未加载。
	ErrNotLoaded = errors.New("extension is not loaded")
	// ErrNotInvocable 表示扩展未实现 Invoker。
	ErrNotInvocable = errors.New("extension does not export invocable functions")
	// ErrShuttingDown 表示 Manager 已进入关闭流程。
	ErrShuttingDown = errors.New("extension manager is shutting down")
	// ErrRevoked 表示扩展已卸载，其能力句柄不再可用。
	ErrRevoked = errors.New("extension capabilities revoked")
	// ErrScanInProgress 表示已有后台扫描在运行，本次请求未排队。
	ErrScanInProgress = errors.New("extension scan already in progress")
)

// ValidationError 表示扩展包结构不合法，扫描时记录并跳过。
type ValidationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid extension package %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid extension package %s: %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// LoadError 表示加载或启用失败；Stage 为 load、enable 或 register。
type LoadError struct {
	Name  string
	Path  string
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("extension %s failed at %s: %v", e.Name, e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// panicError 将 recover 得到的值转换为 error。
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
