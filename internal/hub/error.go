package hub

import (
	"errors"
)

// 定义错误
var (
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrHubClosed      = errors.New("hub closed")
)

// 溢出策略
const (
	OverflowDisconnect = "disconnect" // 缓冲区满视为投递失败，移除会话
	OverflowSkip       = "skip"       // 缓冲区满仅丢弃本帧，会话保留
)

// deliveryOutcome 单个会话一次投递的结果
type deliveryOutcome int

const (
	delivered deliveryOutcome = iota
	skipped
	failed
)

// classifySendError 根据溢出策略判断一次发送错误的处理方式
func classifySendError(err error, policy string) deliveryOutcome {
	switch {
	case err == nil:
		return delivered
	case errors.Is(err, ErrSendBufferFull) && policy == OverflowSkip:
		return skipped
	default:
		return failed
	}
}

// ValidOverflowPolicy 校验溢出策略
func ValidOverflowPolicy(policy string) bool {
	return policy == OverflowDisconnect || policy == OverflowSkip
}
