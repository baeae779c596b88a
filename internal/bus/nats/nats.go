// Package nats 提供基于NATS的消息总线实现
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"framecast/internal/bus"
	"framecast/internal/metrics"

	"github.com/nats-io/nats.go"
)

var ErrPublishTimeout = errors.New("publish timeout")

// Config NATS连接配置选项
type Config struct {
	// 连接地址，例如 nats://localhost:4222
	URLs []string `mapstructure:"urls"`

	// 连接名称，用于标识客户端
	Name string `mapstructure:"name"`

	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnects  int           `mapstructure:"max_reconnects"` // -1表示无限重连
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// 发布超时
	OpTimeout time.Duration `mapstructure:"op_timeout"`

	// 订阅通道缓冲
	ChannelSize int `mapstructure:"channel_size"`

	// 主题前缀
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

func DefaultConfig() Config {
	return Config{
		URLs:           []string{nats.DefaultURL},
		Name:           "framecast",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		OpTimeout:      200 * time.Millisecond,
		ChannelSize:    16,
		SubjectPrefix:  "framecast.",
	}
}

// NatsBus 基于NATS核心发布订阅的消息总线，不做持久化
type NatsBus struct {
	conn   *nats.Conn
	cfg    Config
	mu     sync.RWMutex
	closed bool
	subs   map[string]*subscription
}

type subscription struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
	stop context.CancelFunc
}

func New(cfg Config) (*NatsBus, error) {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 16
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			metrics.RelayReconnect(bus.TypeNATS)
			slog.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	serverURL := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		serverURL = strings.Join(cfg.URLs, ",")
	}

	nc, err := nats.Connect(serverURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", serverURL, err)
	}

	slog.Info("connected to nats", "urls", cfg.URLs)
	return &NatsBus{
		conn: nc,
		cfg:  cfg,
		subs: make(map[string]*subscription),
	}, nil
}

func (n *NatsBus) subject(topic string) string {
	return n.cfg.SubjectPrefix + topic
}

// Publish 发布消息，并在 OpTimeout 内等待服务端确认写入
func (n *NatsBus) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	if err := n.conn.Publish(n.subject(topic), data); err != nil {
		metrics.RelayError(bus.TypeNATS, "publish")
		return fmt.Errorf("%w: %v", bus.ErrPublishFailed, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, n.cfg.OpTimeout)
	defer cancel()
	if err := n.conn.FlushWithContext(flushCtx); err != nil {
		metrics.RelayError(bus.TypeNATS, "publish")
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrPublishTimeout
		}
		return fmt.Errorf("%w: %v", bus.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe 订阅NATS主题，ctx 取消时自动取消订阅
func (n *NatsBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	msgs := make(chan *nats.Msg, n.cfg.ChannelSize)
	sub, err := n.conn.ChanSubscribe(n.subject(topic), msgs)
	if err != nil {
		metrics.RelayError(bus.TypeNATS, "subscribe")
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	if err := n.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	if prev, ok := n.subs[topic]; ok {
		prev.cancel()
	}
	subCtx, stop := context.WithCancel(ctx)
	s := &subscription{sub: sub, msgs: msgs, stop: stop}
	n.subs[topic] = s

	out := make(chan []byte, n.cfg.ChannelSize)
	go n.forward(subCtx, s, topic, out)

	slog.Info("subscribed to nats topic", "subject", n.subject(topic))
	return out, nil
}

// forward 转发消息，直到订阅被取消
func (n *NatsBus) forward(ctx context.Context, s *subscription, topic string, out chan<- []byte) {
	defer close(out)
	defer func() { _ = s.sub.Unsubscribe() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.msgs:
			data := make([]byte, len(msg.Data))
			copy(data, msg.Data)

			select {
			case out <- data:
			case <-ctx.Done():
				return
			case <-time.After(n.cfg.OpTimeout):
				slog.Warn("timeout sending message to subscriber channel", "topic", topic)
				metrics.RelayError(bus.TypeNATS, "deliver")
			}
		}
	}
}

func (s *subscription) cancel() {
	s.stop()
}

func (n *NatsBus) Unsubscribe(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if topic == "" {
		return bus.ErrTopicEmpty
	}
	if s, ok := n.subs[topic]; ok {
		s.cancel()
		delete(n.subs, topic)
	}
	return nil
}

// Close 关闭所有订阅与NATS连接
func (n *NatsBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	for topic, s := range n.subs {
		s.cancel()
		delete(n.subs, topic)
	}
	n.conn.Close()
	return nil
}

var _ bus.MessageBus = (*NatsBus)(nil)
