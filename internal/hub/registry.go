package hub

import (
	"sync"
)

// Receiver 可以接收广播帧的会话句柄
type Receiver interface {
	ID() string
	// Send 不得阻塞；缓冲区满或连接关闭时返回错误
	Send(f Frame) error
	Close()
}

// Registry 当前在线会话集合
type Registry struct {
	mu      sync.RWMutex
	members map[string]Receiver // key=session id
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]Receiver),
	}
}

// Register 加入会话，重复加入同一句柄不会报错，返回是否新加入
func (r *Registry) Register(s Receiver) bool {
	added, _ := r.swap(s)
	return added
}

// swap 加入会话，并返回被替换掉的同 ID 旧会话(如果有)
func (r *Registry) swap(s Receiver) (bool, Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.members[s.ID()]
	if ok && cur == s {
		return false, nil
	}
	r.members[s.ID()] = s
	return true, cur
}

// Unregister 移除会话，不存在时为空操作
// 按句柄比较，旧句柄不会误删同 ID 的新会话
func (r *Registry) Unregister(s Receiver) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.members[s.ID()]
	if !ok || cur != s {
		return false
	}
	delete(r.members, s.ID())
	return true
}

// Snapshot 返回某一时刻成员的拷贝，遍历期间可并发修改注册表
func (r *Registry) Snapshot() []Receiver {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Receiver, 0, len(r.members))
	for _, s := range r.members {
		out = append(out, s)
	}
	return out
}

// Get 按 ID 查找会话
func (r *Registry) Get(id string) (Receiver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.members[id]
	return s, ok
}

// Len 当前成员数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
