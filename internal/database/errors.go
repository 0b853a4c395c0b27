package database

import (
	"errors"
	"fmt"
)

// ErrClosed 表示 Provider 已被关闭。
var ErrClosed = errors.New("database provider 已关闭")

// ConfigurationError 表示连接参数缺失或非法，属于启动期致命错误。
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("数据库配置错误 %s: %s", e.Field, e.Reason)
}

// ConnectionError 表示无法建立或获取连接。
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("数据库连接失败 (%s): %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func newConnectionError(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}
