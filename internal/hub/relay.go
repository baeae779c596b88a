package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// FrameTopic 节点间转发帧使用的主题
const FrameTopic = "frames"

var ErrInvalidEnvelope = errors.New("invalid relay envelope")

// RelayEnvelope 通过消息总线转发的帧
type RelayEnvelope struct {
	NodeID  string    `json:"node_id"` // 发布帧的节点
	Seq     uint64    `json:"seq"`     // 源节点序列号
	Payload string    `json:"payload"` // 已是文本安全编码
	SentAt  time.Time `json:"sent_at"`
}

func encodeEnvelope(nodeID string, f Frame) ([]byte, error) {
	return json.Marshal(RelayEnvelope{
		NodeID:  nodeID,
		Seq:     f.Seq,
		Payload: string(f.Payload),
		SentAt:  time.Now(),
	})
}

func decodeEnvelope(data []byte) (*RelayEnvelope, error) {
	var env RelayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.NodeID == "" || env.Payload == "" {
		return nil, ErrInvalidEnvelope
	}
	return &env, nil
}

const (
	// relaySourceTTL 超过该时间未出现的源节点被遗忘(节点重启会换新ID)
	relaySourceTTL = 10 * time.Minute
	// maxRelaySources 最多跟踪的源节点数，超出时淘汰最久未出现的
	maxRelaySources = 256
)

type relaySource struct {
	seq  uint64
	seen time.Time
}

// relayFilter 丢弃本节点发出的帧和同一源节点的旧帧
type relayFilter struct {
	nodeID string
	mu     sync.Mutex
	last   map[string]relaySource // key=源节点
	now    func() time.Time
}

func newRelayFilter(nodeID string) *relayFilter {
	return &relayFilter{
		nodeID: nodeID,
		last:   make(map[string]relaySource),
		now:    time.Now,
	}
}

func (f *relayFilter) accept(env *RelayEnvelope) bool {
	if env.NodeID == f.nodeID {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	// 源节点重启后序列号归零，Seq=1 视为新的开始
	if src, ok := f.last[env.NodeID]; ok && env.Seq <= src.seq && env.Seq != 1 {
		return false
	}
	if _, ok := f.last[env.NodeID]; !ok {
		f.prune(now)
	}
	f.last[env.NodeID] = relaySource{seq: env.Seq, seen: now}
	return true
}

// prune 新源节点加入前清理过期条目，并保证容量上限
func (f *relayFilter) prune(now time.Time) {
	var oldestID string
	var oldest time.Time
	for id, src := range f.last {
		if now.Sub(src.seen) > relaySourceTTL {
			delete(f.last, id)
			continue
		}
		if oldestID == "" || src.seen.Before(oldest) {
			oldestID, oldest = id, src.seen
		}
	}
	if len(f.last) >= maxRelaySources && oldestID != "" {
		delete(f.last, oldestID)
	}
}

// sources 当前跟踪的源节点数
func (f *relayFilter) sources() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.last)
}

// generateNodeID 生成唯一的节点标识
func generateNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%d-%x", hostname, os.Getpid(), time.Now().UnixNano())
}
