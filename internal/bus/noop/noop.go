// Package noop 提供一个空操作的消息总线实现
package noop

import (
	"context"
	"sync"

	"framecast/internal/bus"
)

// NoopBus 直接丢弃消息，适用于单节点模式
type NoopBus struct {
	closed bool
	subs   map[string]chan []byte
	mu     sync.Mutex
}

func New() *NoopBus {
	return &NoopBus{subs: make(map[string]chan []byte)}
}

// Publish 不做任何事情
func (n *NoopBus) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}
	return nil
}

// Subscribe 返回一个永远不会有消息的通道，Unsubscribe 或 Close 时关闭
func (n *NoopBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	if old, ok := n.subs[topic]; ok {
		close(old)
	}
	ch := make(chan []byte)
	n.subs[topic] = ch
	return ch, nil
}

func (n *NoopBus) Unsubscribe(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if topic == "" {
		return bus.ErrTopicEmpty
	}
	if ch, ok := n.subs[topic]; ok {
		close(ch)
		delete(n.subs, topic)
	}
	return nil
}

func (n *NoopBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	for topic, ch := range n.subs {
		close(ch)
		delete(n.subs, topic)
	}
	return nil
}

var _ bus.MessageBus = (*NoopBus)(nil)
