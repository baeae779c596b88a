package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"framecast/internal/bus"
	"framecast/internal/metrics"
	"framecast/internal/utils"
)

// Hub 持有帧缓存与会话注册表，把生产者的每一帧扇出给所有会话
type Hub struct {
	cfg      Config
	cache    *FrameCache
	registry *Registry
	bus      bus.MessageBus // nil 表示单节点
	nodeID   string
	filter   *relayFilter
	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool

	// 生产者交接: 单槽收件箱，新帧覆盖未消费的旧帧
	inboxMu sync.Mutex
	inbox   *inboxItem
	wake    chan struct{}

	seq        atomic.Uint64
	published  atomic.Uint64
	inboxDrops atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
	skipped    atomic.Uint64
	pulls      atomic.Uint64
}

type inboxItem struct {
	frame   Frame
	relayed bool // 来自其他节点，不再转发
}

// BroadcastResult 一次扇出的统计
type BroadcastResult struct {
	Seq       uint64
	Delivered int
	Failed    int
	Skipped   int
}

// Stats Hub 运行状态
type Stats struct {
	NodeID          string `json:"node_id"`
	Clients         int    `json:"clients"`
	FramesPublished uint64 `json:"frames_published"`
	InboxDrops      uint64 `json:"inbox_drops"`
	Delivered       uint64 `json:"delivered"`
	Failed          uint64 `json:"failed"`
	Skipped         uint64 `json:"skipped"`
	Pulls           uint64 `json:"pulls"`
	LastSeq         uint64 `json:"last_seq"`
	HasFrame        bool   `json:"has_frame"`
}

func NewHub(cfg Config, relay bus.MessageBus) *Hub {
	if !ValidOverflowPolicy(cfg.OverflowPolicy) {
		slog.Warn("unknown overflow policy, falling back to disconnect", "policy", cfg.OverflowPolicy)
		cfg.OverflowPolicy = OverflowDisconnect
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = DefaultConfig().RelayTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	nodeID := generateNodeID()

	h := &Hub{
		cfg:      cfg,
		cache:    NewFrameCache(),
		registry: NewRegistry(),
		bus:      relay,
		nodeID:   nodeID,
		filter:   newRelayFilter(nodeID),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}

	slog.Info("hub initialized", "node_id", nodeID, "relay", relay != nil, "overflow_policy", cfg.OverflowPolicy)
	return h
}

// OnFrame 生产者回调：原始字节(如 JPEG)，编码为 base64 后交给 Hub。
// 可在任意 goroutine 调用，立即返回，不会把广播错误暴露给生产者。
func (h *Hub) OnFrame(raw []byte) {
	if len(raw) == 0 {
		return
	}
	h.handoff(NewFrame(raw), false)
}

// OnTextFrame 生产者回调：已编码的文本帧
func (h *Hub) OnTextFrame(text string) {
	if text == "" {
		return
	}
	h.handoff(NewTextFrame(text), false)
}

func (h *Hub) handoff(f Frame, relayed bool) {
	if h.closed.Load() {
		return
	}

	h.inboxMu.Lock()
	if h.inbox != nil {
		h.inboxDrops.Add(1)
		metrics.InboxDropped()
	}
	h.inbox = &inboxItem{frame: f, relayed: relayed}
	h.inboxMu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) takeInbox() *inboxItem {
	h.inboxMu.Lock()
	defer h.inboxMu.Unlock()
	item := h.inbox
	h.inbox = nil
	return item
}

// Run Hub 自己的调度循环：消费收件箱并执行广播，直到 ctx 取消或 Hub 关闭
func (h *Hub) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	if h.bus != nil {
		go h.consumeRelay(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.wake:
			if item := h.takeInbox(); item != nil {
				h.broadcast(item.frame, item.relayed)
			}
		}
	}
}

// Broadcast 发布帧并同步扇出给当前所有会话
func (h *Hub) Broadcast(f Frame) BroadcastResult {
	return h.broadcast(f, false)
}

func (h *Hub) broadcast(f Frame, relayed bool) BroadcastResult {
	if f.IsZero() {
		return BroadcastResult{}
	}
	start := time.Now()

	if f.Seq == 0 {
		f.Seq = h.seq.Add(1)
	}
	if f.ProducedAt.IsZero() {
		f.ProducedAt = start
	}

	cached := f
	h.cache.Publish(&cached)
	h.published.Add(1)
	metrics.FramePublished(float64(f.Size()))

	res := BroadcastResult{Seq: f.Seq}
	var dead []Receiver
	for _, r := range h.registry.Snapshot() {
		err := r.Send(f)
		switch classifySendError(err, h.cfg.OverflowPolicy) {
		case delivered:
			res.Delivered++
		case skipped:
			res.Skipped++
		default:
			res.Failed++
			dead = append(dead, r)
			slog.Debug("delivery failed", "session", r.ID(), "seq", f.Seq, "error", err)
		}
	}

	// 扇出结束后统一移除失败的会话
	for _, r := range dead {
		h.registry.Unregister(r)
		r.Close()
	}

	h.delivered.Add(uint64(res.Delivered))
	h.failed.Add(uint64(res.Failed))
	h.skipped.Add(uint64(res.Skipped))
	metrics.BroadcastDone(res.Delivered, res.Failed, res.Skipped, time.Since(start).Seconds())

	if !relayed && h.bus != nil {
		h.publishRelay(f)
	}
	return res
}

// Pull 按需发送当前缓存帧；从未发布过帧时不发送
func (h *Hub) Pull(r Receiver) (bool, error) {
	f, ok := h.cache.Current()
	if !ok {
		return false, nil
	}

	err := r.Send(*f)
	switch classifySendError(err, h.cfg.OverflowPolicy) {
	case delivered:
		h.pulls.Add(1)
		metrics.PullServed()
		return true, nil
	case skipped:
		return false, nil
	default:
		return false, err
	}
}

// HandlePull 实现 Endpoint，入站消息内容被忽略
func (h *Hub) HandlePull(_ context.Context, s *Session, _ []byte) error {
	_, err := h.Pull(s)
	return err
}

// Register 注册一个会话到Hub
func (h *Hub) Register(r Receiver) error {
	if h.closed.Load() {
		return ErrHubClosed
	}

	added, prev := h.registry.swap(r)
	if prev != nil {
		// 如果ID已存在，关闭旧连接
		slog.Info("replacing existing session", "session", r.ID())
		prev.Close()
	}
	if added {
		slog.Info("session registered", "session", r.ID(), "total", h.registry.Len())
	}
	return nil
}

// Unregister 从Hub移除会话，重复移除是空操作
func (h *Hub) Unregister(r Receiver) bool {
	if h.registry.Unregister(r) {
		slog.Info("session unregistered", "session", r.ID(), "remaining", h.registry.Len())
		return true
	}
	return false
}

// Current 当前缓存帧
func (h *Hub) Current() (*Frame, bool) {
	return h.cache.Current()
}

func (h *Hub) Cache() *FrameCache {
	return h.cache
}

func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

func (h *Hub) Config() Config {
	return h.cfg
}

// GetClientCount 获取当前连接的会话数量
func (h *Hub) GetClientCount() int {
	return h.registry.Len()
}

func (h *Hub) Stats() Stats {
	_, has := h.cache.Current()
	return Stats{
		NodeID:          h.nodeID,
		Clients:         h.registry.Len(),
		FramesPublished: h.published.Load(),
		InboxDrops:      h.inboxDrops.Load(),
		Delivered:       h.delivered.Load(),
		Failed:          h.failed.Load(),
		Skipped:         h.skipped.Load(),
		Pulls:           h.pulls.Load(),
		LastSeq:         h.seq.Load(),
		HasFrame:        has,
	}
}

// Close 关闭Hub及其所有会话
func (h *Hub) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()

	for _, r := range h.registry.Snapshot() {
		// 会话关闭时会自行调用 Unregister
		r.Close()
	}

	if h.bus != nil {
		return h.bus.Close()
	}
	return nil
}

func (h *Hub) publishRelay(f Frame) {
	data, err := encodeEnvelope(h.nodeID, f)
	if err != nil {
		slog.Error("failed to encode relay envelope", "error", err)
		metrics.RecordError()
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.cfg.RelayTimeout)
	defer cancel()

	if err := h.bus.Publish(ctx, FrameTopic, data); err != nil {
		slog.Warn("failed to relay frame via bus", "seq", f.Seq, "error", err)
		return
	}
	metrics.RelayOut()
}

// consumeRelay 订阅其他节点转发的帧，通道关闭后重新订阅
func (h *Hub) consumeRelay(ctx context.Context) {
	for {
		var ch <-chan []byte
		err := utils.RetryWithBackoff(ctx, "relay subscribe", utils.DefaultBackoff(), func(ctx context.Context) error {
			c, err := h.bus.Subscribe(ctx, FrameTopic)
			if err != nil {
				return err
			}
			ch = c
			return nil
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				metrics.RecordCriticalError("relay_subscribe")
			}
			return
		}
		slog.Info("subscribed to relay topic", "topic", FrameTopic)

		if !h.drainRelay(ctx, ch) {
			return
		}
		slog.Warn("relay channel closed, resubscribing")
	}
}

// drainRelay 返回 false 表示 ctx 已取消
func (h *Hub) drainRelay(ctx context.Context, ch <-chan []byte) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case data, ok := <-ch:
			if !ok {
				return ctx.Err() == nil
			}
			h.acceptRelay(data)
		}
	}
}

func (h *Hub) acceptRelay(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		slog.Warn("dropping relay message", "error", err)
		return
	}
	if !h.filter.accept(env) {
		return
	}
	metrics.RelayIn()
	h.handoff(Frame{Payload: []byte(env.Payload), ProducedAt: env.SentAt}, true)
}
