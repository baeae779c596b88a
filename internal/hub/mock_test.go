package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"framecast/internal/bus"

	"github.com/gorilla/websocket"
)

type mockMsg struct {
	typ  int
	data []byte
}

// MockWSConn 内存中的websocket连接，ReadMessage 阻塞直到有入站消息或连接关闭
type MockWSConn struct {
	in      chan mockMsg
	writes  chan []byte
	closed  chan struct{}
	once    sync.Once
	pings   atomic.Int32
	mu      sync.Mutex
	written [][]byte
	failErr error
	pong    func(string) error
	readDL  time.Time
	limit   int64
}

func NewMockWSConn() *MockWSConn {
	return &MockWSConn{
		in:     make(chan mockMsg, 16),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (m *MockWSConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-m.in:
		return msg.typ, msg.data, nil
	case <-m.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (m *MockWSConn) WriteMessage(msgType int, data []byte) error {
	select {
	case <-m.closed:
		return websocket.ErrCloseSent
	default:
	}

	m.mu.Lock()
	err := m.failErr
	if err == nil {
		m.written = append(m.written, data)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case m.writes <- data:
	default:
	}
	return nil
}

func (m *MockWSConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	select {
	case <-m.closed:
		return websocket.ErrCloseSent
	default:
	}
	if messageType == websocket.PingMessage {
		m.pings.Add(1)
	}
	return nil
}

func (m *MockWSConn) SetReadLimit(limit int64) {
	m.mu.Lock()
	m.limit = limit
	m.mu.Unlock()
}

func (m *MockWSConn) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	m.readDL = t
	m.mu.Unlock()
	return nil
}

func (m *MockWSConn) SetWriteDeadline(t time.Time) error {
	return nil
}

func (m *MockWSConn) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	m.pong = h
	m.mu.Unlock()
}

func (m *MockWSConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// 以下为测试辅助方法

func (m *MockWSConn) clientSend(typ int, data string) {
	m.in <- mockMsg{typ: typ, data: []byte(data)}
}

func (m *MockWSConn) failWrites(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *MockWSConn) GetWrittenMessages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

func (m *MockWSConn) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// fakeReceiver 记录收到的帧，可以注入发送错误
type fakeReceiver struct {
	id     string
	mu     sync.Mutex
	frames []Frame
	err    error
	closed atomic.Bool
}

func newFakeReceiver(id string) *fakeReceiver {
	return &fakeReceiver{id: id}
}

func (f *fakeReceiver) ID() string { return f.id }

func (f *fakeReceiver) Send(fr Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeReceiver) Close() { f.closed.Store(true) }

func (f *fakeReceiver) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeReceiver) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.frames))
	for _, fr := range f.frames {
		out = append(out, string(fr.Payload))
	}
	return out
}

// memBroker 多个 memBus 共享的内存消息代理，模拟多节点部署
type memBroker struct {
	mu   sync.Mutex
	subs map[*memBus]chan []byte
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[*memBus]chan []byte)}
}

// dropSubscriptions 关闭所有订阅通道，模拟总线断线
func (b *memBroker) dropSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for nb, ch := range b.subs {
		close(ch)
		delete(b.subs, nb)
	}
}

func (b *memBroker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type memBus struct {
	broker     *memBroker
	publishErr error
	published  atomic.Int32
	closed     atomic.Bool
}

func (b *memBroker) node() *memBus {
	return &memBus{broker: b}
}

func (m *memBus) Publish(_ context.Context, topic string, data []byte) error {
	if m.closed.Load() {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published.Add(1)

	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	for _, ch := range m.broker.subs {
		select {
		case ch <- append([]byte(nil), data...):
		default:
		}
	}
	return nil
}

func (m *memBus) Subscribe(_ context.Context, topic string) (<-chan []byte, error) {
	if m.closed.Load() {
		return nil, bus.ErrBusClosed
	}
	if topic != FrameTopic {
		return nil, errors.New("unexpected topic " + topic)
	}
	ch := make(chan []byte, 16)
	m.broker.mu.Lock()
	m.broker.subs[m] = ch
	m.broker.mu.Unlock()
	return ch, nil
}

func (m *memBus) Unsubscribe(string) error {
	m.broker.mu.Lock()
	defer m.broker.mu.Unlock()
	if ch, ok := m.broker.subs[m]; ok {
		close(ch)
		delete(m.broker.subs, m)
	}
	return nil
}

func (m *memBus) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		return m.Unsubscribe(FrameTopic)
	}
	return nil
}

var _ bus.MessageBus = (*memBus)(nil)
