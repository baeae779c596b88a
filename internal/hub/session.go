package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"framecast/internal/metrics"

	"github.com/gorilla/websocket"
)

// SessionState 会话端点状态机: Connecting -> Active -> Closing -> Closed
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSConn 会话使用的websocket连接能力
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
	SetReadLimit(int64)
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetPongHandler(func(string) error)
	Close() error
}

type Config struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size" json:"write_buffer_size"`
	MaxMessageSize  int64         `mapstructure:"max_message_size" json:"max_message_size"` // 超过即断开，0 不限制
	SendBufferCap   int           `mapstructure:"send_buffer_cap" json:"send_buffer_cap"`
	OverflowPolicy  string        `mapstructure:"overflow_policy" json:"overflow_policy"`
	RelayTimeout    time.Duration `mapstructure:"relay_timeout" json:"relay_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    54 * time.Second, // 小于 ReadTimeout
		ReadBufferSize:  4 << 10,          // 4KB
		WriteBufferSize: 64 << 10,         // 帧较大，64KB
		MaxMessageSize:  1 << 20,
		SendBufferCap:   4,
		OverflowPolicy:  OverflowDisconnect,
		RelayTimeout:    500 * time.Millisecond,
	}
}

// Session 一个websocket连接对应的会话端点
type Session struct {
	id          string
	conn        WSConn
	out         chan Frame
	ctx         context.Context
	cancel      context.CancelFunc
	cfg         Config
	ep          Endpoint
	state       atomic.Int32
	closed      sync.Once
	writeDone   chan struct{}
	connectedAt time.Time
	sent        atomic.Uint64
}

func NewSession(ctx context.Context, id string, conn WSConn, cfg Config, ep Endpoint) *Session {
	sessionCtx, cancel := context.WithCancel(ctx)
	if cfg.SendBufferCap <= 0 {
		cfg.SendBufferCap = 1
	}

	s := &Session{
		id:          id,
		conn:        conn,
		out:         make(chan Frame, cfg.SendBufferCap),
		ctx:         sessionCtx,
		cancel:      cancel,
		cfg:         cfg,
		ep:          ep,
		writeDone:   make(chan struct{}),
		connectedAt: time.Now(),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// Serve 注册会话并处理入站请求，直到连接断开；阻塞调用方
func (s *Session) Serve() error {
	if err := s.ep.Register(s); err != nil {
		s.shutdown()
		close(s.writeDone)
		return err
	}
	// Register 返回前会话可能已被同ID替换或 Hub.Close 关闭
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		s.shutdown()
		close(s.writeDone)
		return nil
	}
	metrics.ClientConnected()
	slog.Info("session active", "session", s.id)

	go s.writeLoop()
	s.readLoop()

	s.shutdown()
	<-s.writeDone
	return nil
}

// Send 非阻塞地把帧放入发送队列
func (s *Session) Send(f Frame) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	select {
	case s.out <- f:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

func (s *Session) readLoop() {
	if s.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = s.conn.SetReadDeadline(s.readDeadline())
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(s.readDeadline())
	})

	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug("session read ended", "session", s.id, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(s.readDeadline())

		// 二进制消息只当作心跳
		if msgType != websocket.TextMessage {
			continue
		}
		metrics.MessageReceived(float64(len(message)))

		if err := s.ep.HandlePull(s.ctx, s, message); err != nil {
			slog.Info("on-demand send failed", "session", s.id, "error", err)
			return
		}
	}
}

func (s *Session) writeLoop() {
	defer close(s.writeDone)
	defer s.shutdown()

	var pingC <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame.Payload); err != nil {
				slog.Info("write failed", "error", err, "session", s.id)
				return
			}
			s.sent.Add(1)
			metrics.MessageSent(float64(frame.Size()))

		case <-pingC:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.Info("ping failed", "error", err, "session", s.id)
				return
			}
		}
	}
}

func (s *Session) readDeadline() time.Time {
	if s.cfg.ReadTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.cfg.ReadTimeout)
}

// shutdown Closing -> Closed，只执行一次；与 Hub 侧的移除并发时也安全
func (s *Session) shutdown() {
	s.closed.Do(func() {
		prev := SessionState(s.state.Swap(int32(StateClosing)))
		s.cancel()
		s.ep.Unregister(s)
		_ = s.conn.Close()
		s.state.Store(int32(StateClosed))
		if prev == StateActive {
			metrics.ClientDisconnected()
		}
		slog.Info("session closed", "session", s.id, "sent", s.sent.Load())
	})
}

// Close 关闭会话，可重复调用
func (s *Session) Close() {
	s.shutdown()
}

func (s *Session) ID() string {
	return s.id
}

// State 当前状态
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Sent 已写出的帧数
func (s *Session) Sent() uint64 {
	return s.sent.Load()
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Done 会话关闭后返回的通道被关闭
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}
