// Package server 负责 HTTP/WebSocket 接入：把连接交给 Hub，并暴露健康检查、统计与监控端点
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"framecast/configs"
	"framecast/internal/hub"
	"framecast/internal/metrics"
	internalwebsocket "framecast/internal/websocket"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	config     *configs.Config
	hub        *hub.Hub
	httpServer *http.Server
	upgrader   *websocket.Upgrader
	startedAt  time.Time

	// 会话的父 ctx，Shutdown 时取消
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
}

// New 创建服务器，Hub 的生命周期由服务器的 Shutdown 结束
func New(config *configs.Config, h *hub.Hub) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		hub:       h,
		upgrader:  internalwebsocket.NewUpgrader(config.Server.Hub),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.httpServer = &http.Server{
		Addr:              config.Server.ListenAddr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 返回带有全部路由的处理器
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /frame", s.handleFrame)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	return cors(mux)
}

// Start 在配置的地址上监听并在后台提供服务
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	go func() {
		if err := s.Serve(l); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Serve 在给定的 listener 上提供服务，阻塞直到 Shutdown
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	slog.Info("Starting framecast server", "address", l.Addr().String(), "version", s.config.Version)
	metrics.Default()

	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr 实际监听地址，未启动时为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down framecast server...")
	s.cancel()

	if err := s.hub.Close(); err != nil {
		slog.Error("Failed to close hub", "error", err)
	}
	return s.httpServer.Shutdown(ctx)
}

// handleWebSocket 升级连接并在当前 goroutine 上运行会话，直到连接断开
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		slog.Error("Failed to upgrade WebSocket", "error", err, "remoteAddr", r.RemoteAddr)
		metrics.RecordError()
		return
	}

	id := sessionID(r)
	sess := hub.NewSession(s.ctx, id, internalwebsocket.NewGorillaConn(conn), s.config.Server.Hub, s.hub)
	slog.Info("Client connected", "session", id, "remoteAddr", r.RemoteAddr)

	if err := sess.Serve(); err != nil {
		slog.Warn("Session rejected", "session", id, "error", err)
		return
	}
	slog.Info("Client disconnected", "session", id, "sent", sess.Sent(), "duration", time.Since(sess.ConnectedAt()).String())
}

// handleFrame HTTP 形式的按需拉取，没有帧时返回 204
func (s *Server) handleFrame(w http.ResponseWriter, _ *http.Request) {
	f, ok := s.hub.Current()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	if _, err := w.Write(f.Payload); err != nil {
		slog.Debug("Failed to write frame response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"version": s.config.Version,
		"node_id": s.hub.NodeID(),
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		hub.Stats
		UptimeSeconds int64 `json:"uptime_seconds"`
	}{
		Stats:         s.hub.Stats(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write JSON response", "error", err)
	}
}

// cors 允许任意来源访问
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		} else {
			h.Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionID 优先使用客户端提供的 client_id，重复的 ID 会替换旧会话
func sessionID(r *http.Request) string {
	if id := r.URL.Query().Get("client_id"); id != "" {
		return id
	}
	return uuid.New().String()
}
