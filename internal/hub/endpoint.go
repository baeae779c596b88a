package hub

import "context"

// Endpoint 定义了会话端点依赖的 Hub 能力
// 这有助于在测试中用替身替换 Hub
type Endpoint interface {
	// Register 会话握手成功后加入注册表
	Register(r Receiver) error
	// Unregister 会话关闭时移除，必须幂等
	Unregister(r Receiver) bool
	// HandlePull 处理一条入站消息(内容被忽略)，按需发送当前帧。
	// 返回错误表示发送失败，会话将进入 Closing。
	HandlePull(ctx context.Context, s *Session, data []byte) error
}
