// Package metrics 提供监控指标收集功能
package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once           sync.Once
	defaultMetrics *Metrics
)

// Metrics 封装所有监控指标
type Metrics struct {
	registry *prometheus.Registry

	// 连接指标
	ConnectedClients  prometheus.Gauge
	ConnectionRate    prometheus.Counter
	DisconnectionRate prometheus.Counter

	// 帧指标
	FramesPublished prometheus.Counter
	InboxDrops      prometheus.Counter
	FrameSize       prometheus.Histogram
	Deliveries      prometheus.Counter
	DeliveryFailure prometheus.Counter
	DeliverySkipped prometheus.Counter
	PullsServed     prometheus.Counter
	BroadcastTime   prometheus.Histogram

	// 入站/出站消息
	MessageRateIn  prometheus.Counter
	MessageRateOut prometheus.Counter

	// 转发总线
	RelayFramesIn   prometheus.Counter
	RelayFramesOut  prometheus.Counter
	RelayErrors     *prometheus.CounterVec
	RelayReconnects *prometheus.CounterVec

	// 错误指标
	ErrorsTotal         prometheus.Counter
	CriticalErrorsTotal *prometheus.CounterVec
}

// NewMetrics 在独立的注册表上创建指标
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ConnectedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "当前连接的客户端总数",
		}),
		ConnectionRate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "新连接总数",
		}),
		DisconnectionRate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "断开连接总数",
		}),

		FramesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "写入帧缓存的帧总数",
		}),
		InboxDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_drops_total",
			Help:      "未被广播就被新帧覆盖的帧数",
		}),
		FrameSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_size_bytes",
			Help:      "帧负载大小分布",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		Deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "广播成功投递次数",
		}),
		DeliveryFailure: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "广播投递失败并被移除的会话数",
		}),
		DeliverySkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_skipped_total",
			Help:      "因发送缓冲区满而跳过的投递次数",
		}),
		PullsServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulls_served_total",
			Help:      "按需拉取发送的帧数",
		}),
		BroadcastTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "一次广播扇出耗时",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),

		MessageRateIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_in_total",
			Help:      "入站消息总数",
		}),
		MessageRateOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_out_total",
			Help:      "出站消息总数",
		}),

		RelayFramesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_in_total",
			Help:      "从其他节点收到的帧数",
		}),
		RelayFramesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_out_total",
			Help:      "转发给其他节点的帧数",
		}),
		RelayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "消息总线错误数",
		}, []string{"bus", "op"}),
		RelayReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnects_total",
			Help:      "消息总线重连次数",
		}, []string{"bus"}),

		ErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "错误总数",
		}),
		CriticalErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_errors_total",
			Help:      "严重错误总数",
		}, []string{"type"}),
	}
}

// Registry 返回该实例的注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// GetRegistry 获取默认实例的Prometheus注册表
func GetRegistry() *prometheus.Registry {
	return Default().registry
}

// Default 获取默认指标实例
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = NewMetrics("framecast")
	})
	return defaultMetrics
}

// 便捷方法，用于快速记录指标

// ClientConnected 记录客户端连接
func ClientConnected() {
	m := Default()
	m.ConnectedClients.Inc()
	m.ConnectionRate.Inc()
}

// ClientDisconnected 记录客户端断开连接
func ClientDisconnected() {
	m := Default()
	m.ConnectedClients.Dec()
	m.DisconnectionRate.Inc()
}

// FramePublished 记录一帧写入缓存
func FramePublished(sizeBytes float64) {
	m := Default()
	m.FramesPublished.Inc()
	m.FrameSize.Observe(sizeBytes)
}

func InboxDropped() {
	Default().InboxDrops.Inc()
}

// BroadcastDone 记录一次扇出的结果
func BroadcastDone(delivered, failed, skipped int, seconds float64) {
	m := Default()
	m.Deliveries.Add(float64(delivered))
	m.DeliveryFailure.Add(float64(failed))
	m.DeliverySkipped.Add(float64(skipped))
	m.BroadcastTime.Observe(seconds)
}

func PullServed() {
	Default().PullsServed.Inc()
}

// MessageReceived 记录收到消息
func MessageReceived(sizeBytes float64) {
	Default().MessageRateIn.Inc()
}

// MessageSent 记录发送消息
func MessageSent(sizeBytes float64) {
	Default().MessageRateOut.Inc()
}

func RelayIn() {
	Default().RelayFramesIn.Inc()
}

func RelayOut() {
	Default().RelayFramesOut.Inc()
}

// RelayError 记录消息总线错误，op 为 publish/subscribe
func RelayError(bus, op string) {
	Default().RelayErrors.WithLabelValues(bus, op).Inc()
}

func RelayReconnect(bus string) {
	Default().RelayReconnects.WithLabelValues(bus).Inc()
}

// RecordError 记录错误
func RecordError() {
	Default().ErrorsTotal.Inc()
}

// RecordCriticalError 记录严重错误
func RecordCriticalError(errorType string) {
	Default().CriticalErrorsTotal.WithLabelValues(errorType).Inc()

	// 记录在日志中，便于排查
	slog.Error("critical error encountered", "type", errorType)
}
