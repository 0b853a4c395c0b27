// Package events 提供实体连接/断开事件的订阅总线，数据存储据此失效缓存。
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind 区分实体事件类型。
type Kind string

const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
)

// Event 描述一次实体上线或下线。
type Event struct {
	Kind     Kind
	EntityID string
}

// Handler 处理实体事件；同步调用，不应阻塞。
type Handler func(Event)

// Source 是实体事件来源，Subscribe 返回取消订阅函数。
type Source interface {
	Subscribe(handler Handler) (unsubscribe func())
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// Bus 是进程内的 Source 实现，Publish 按订阅顺序同步分发。
type Bus struct {
	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   uint64
	logger   *logrus.Logger
}

// NewBus 创建空总线。
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{logger: logger}
}

// Subscribe 注册 handler，返回的函数可重复调用。
func (b *Bus) Subscribe(handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.handlers {
			if h.id == id {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Publish 向所有订阅者分发事件；单个 handler panic 不影响其他订阅者。
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	snapshot := make([]handlerEntry, len(b.handlers))
	copy(snapshot, b.handlers)
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.dispatch(h.handler, evt)
	}
}

// Connect 发布实体上线事件。
func (b *Bus) Connect(entityID string) {
	b.Publish(Event{Kind: KindConnect, EntityID: entityID})
}

// Disconnect 发布实体下线事件。
func (b *Bus) Disconnect(entityID string) {
	b.Publish(Event{Kind: KindDisconnect, EntityID: entityID})
}

// Subscribers 返回当前订阅者数量。
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *Bus) dispatch(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"action": "event_dispatch",
				"kind":   string(evt.Kind),
				"entity": evt.EntityID,
				"panic":  r,
			}).Error("实体事件处理 panic")
		}
	}()
	handler(evt)
}
