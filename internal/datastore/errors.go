package datastore

import (
	"errors"
	"fmt"
)

// ErrInvalidKey 表示实体、命名空间或键为空。
var ErrInvalidKey = errors.New("entity, namespace and key must be non-empty")

// StorageError 包装一次失败的存储访问，保留完整定位信息。
type StorageError struct {
	Op        string
	Entity    string
	Namespace string
	Key       string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("datastore %s %s/%s/%s: %v", e.Op, e.Entity, e.Namespace, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
