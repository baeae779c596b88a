// Package redis 提供基于Redis的消息总线实现
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"framecast/internal/bus"
	"framecast/internal/metrics"

	"github.com/redis/go-redis/v9"
)

// Config Redis连接配置选项
type Config struct {
	// 连接地址 (单机模式、集群模式或哨兵模式)
	Addrs []string `mapstructure:"addrs"`

	Password string `mapstructure:"password"`

	// 数据库编号 (仅单机模式和哨兵模式有效)
	DB int `mapstructure:"db"`

	// 哨兵模式的主节点名称
	MasterName string `mapstructure:"master_name"`

	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`

	// 消息总线操作超时（发布超时、投递给订阅者的超时）
	OpTimeout time.Duration `mapstructure:"op_timeout"`

	// 订阅通道缓冲
	ChannelSize int `mapstructure:"channel_size"`

	// 键前缀
	KeyPrefix string `mapstructure:"key_prefix"`

	// 模式: single(单机), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`
}

func DefaultConfig() Config {
	return Config{
		Addrs:        []string{"localhost:6379"},
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
		OpTimeout:    500 * time.Millisecond,
		ChannelSize:  16,
		KeyPrefix:    "framecast:",
		Mode:         "single",
	}
}

type RedisBus struct {
	client redis.UniversalClient // 兼容单机、哨兵和集群模式
	cfg    Config
	mu     sync.RWMutex
	closed bool
	subs   map[string]context.CancelFunc // 活跃订阅的取消函数
}

// dialHook 记录拨号失败次数
type dialHook struct{}

func (dialHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			metrics.RelayReconnect(bus.TypeRedis)
			slog.Warn("redis dial failed", "addr", addr, "error", err)
		}
		return conn, err
	}
}

func (dialHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return next
}

func (dialHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func New(cfg Config) (*RedisBus, error) {
	if len(cfg.Addrs) == 0 {
		cfg.Addrs = []string{"localhost:6379"}
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 16
	}

	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	}
	// 多个地址时 NewUniversalClient 自动使用集群客户端
	if cfg.Mode == "sentinel" {
		opts.MasterName = cfg.MasterName
	}
	client := redis.NewUniversalClient(opts)
	client.AddHook(dialHook{})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %v: %w", cfg.Addrs, err)
	}

	slog.Info("connected to redis", "addrs", cfg.Addrs, "mode", cfg.Mode)
	return &RedisBus{
		client: client,
		cfg:    cfg,
		subs:   make(map[string]context.CancelFunc),
	}, nil
}

func (r *RedisBus) formatKey(topic string) string {
	return r.cfg.KeyPrefix + topic
}

// Publish 通过Redis PUBLISH发布消息，没有订阅者不视为错误
func (r *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	if err := r.client.Publish(publishCtx, r.formatKey(topic), data).Err(); err != nil {
		metrics.RelayError(bus.TypeRedis, "publish")
		return fmt.Errorf("%w: %v", bus.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe 同步完成订阅确认后返回，之后在后台转发消息
func (r *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	key := r.formatKey(topic)
	pubsub := r.client.Subscribe(ctx, key)

	confirmCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	_, err := pubsub.Receive(confirmCtx)
	cancel()
	if err != nil {
		_ = pubsub.Close()
		metrics.RelayError(bus.TypeRedis, "subscribe")
		return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
	}

	// 同一主题只保留一个订阅
	if prev, ok := r.subs[topic]; ok {
		prev()
	}
	subCtx, subCancel := context.WithCancel(ctx)
	r.subs[topic] = subCancel

	out := make(chan []byte, r.cfg.ChannelSize)
	go r.forward(subCtx, pubsub, key, out)

	slog.Info("subscribed to redis channel", "channel", key)
	return out, nil
}

// forward 转发订阅消息；go-redis 会在连接断开后自动重新订阅
func (r *RedisBus) forward(ctx context.Context, pubsub *redis.PubSub, key string, out chan<- []byte) {
	defer close(out)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.OpTimeout):
				slog.Warn("timeout sending message to subscriber channel", "channel", key)
				metrics.RelayError(bus.TypeRedis, "deliver")
			}
		}
	}
}

func (r *RedisBus) Unsubscribe(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic == "" {
		return bus.ErrTopicEmpty
	}
	if cancel, ok := r.subs[topic]; ok {
		cancel()
		delete(r.subs, topic)
	}
	return nil
}

// Close 取消所有订阅并关闭Redis连接
func (r *RedisBus) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for topic, cancel := range r.subs {
		cancel()
		delete(r.subs, topic)
	}
	return r.client.Close()
}

var _ bus.MessageBus = (*RedisBus)(nil)
