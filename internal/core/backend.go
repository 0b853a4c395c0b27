package core

import (
	"context"
	"sync/atomic"

	"github.com/ghast-core/ghast-core/internal/database"
)

// providerBackend 让数据存储在 Reinitialize 后切换到新的连接池。
type providerBackend struct {
	current atomic.Pointer[database.Provider]
}

func (b *providerBackend) Lookup(ctx context.Context, entityID, namespace, key string) (string, bool, error) {
	p := b.current.Load()
	if p == nil {
		return "", false, database.ErrClosed
	}
	return p.Lookup(ctx, entityID, namespace, key)
}

func (b *providerBackend) Upsert(ctx context.Context, rec database.Record) error {
	p := b.current.Load()
	if p == nil {
		return database.ErrClosed
	}
	return p.Upsert(ctx, rec)
}
