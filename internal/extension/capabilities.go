package extension

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ghast-core/ghast-core/internal/registry"
)

// boundCapabilities 把数据读写绑定到扩展命名空间，每次使用都会刷新注册表中的 LastUsedAt。
type boundCapabilities struct {
	desc     registry.Descriptor
	store    DataStore
	registry *registry.Registry
	logger   *logrus.Entry
	revoked  atomic.Bool
}

func newCapabilities(desc registry.Descriptor, store DataStore, reg *registry.Registry, logger *logrus.Logger) *boundCapabilities {
	return &boundCapabilities{
		desc:     desc,
		store:    store,
		registry: reg,
		logger:   logger.WithField("extension", desc.Name),
	}
}

func (c *boundCapabilities) Get(ctx context.Context, entityID, key string) (string, bool, error) {
	if c.revoked.Load() {
		return "", false, ErrRevoked
	}
	c.registry.Touch(c.desc.Name)
	return c.store.Get(ctx, entityID, c.desc.Namespace, key)
}

func (c *boundCapabilities) Put(ctx context.Context, entityID, key, value string) error {
	if c.revoked.Load() {
		return ErrRevoked
	}
	c.registry.Touch(c.desc.Name)
	return c.store.Put(ctx, entityID, c.desc.Namespace, key, value)
}

func (c *boundCapabilities) Self() registry.Descriptor {
	desc := c.desc
	desc.Authors = append([]string(nil), c.desc.Authors...)
	return desc
}

func (c *boundCapabilities) Logger() *logrus.Entry {
	return c.logger
}

func (c *boundCapabilities) revoke() {
	c.revoked.Store(true)
}
