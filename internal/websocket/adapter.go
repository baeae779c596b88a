// Package websocket 把 gorilla/websocket 适配为 hub.WSConn
package websocket

import (
	"net/http"

	"framecast/internal/hub"

	"github.com/gorilla/websocket"
)

// GorillaConn 适配gorilla/websocket到WSConn接口
type GorillaConn struct {
	*websocket.Conn
}

// 确保GorillaConn实现了WSConn接口
var _ hub.WSConn = (*GorillaConn)(nil)

func NewGorillaConn(conn *websocket.Conn) *GorillaConn {
	return &GorillaConn{Conn: conn}
}

// NewUpgrader 按 Hub 配置创建升级器，允许任意来源
func NewUpgrader(cfg hub.Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}
