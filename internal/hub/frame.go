// Package hub 提供帧广播集线器核心功能
package hub

import (
	"encoding/base64"
	"time"
)

// Frame 一帧已编码的画面，生成后不可修改
type Frame struct {
	Payload    []byte    // 文本安全的编码内容(如 base64 JPEG)
	Seq        uint64    // Hub 分配的序列号，0 表示尚未分配
	ProducedAt time.Time // 生产者交付时间
}

// NewFrame 将原始字节(如 JPEG)编码为 base64 文本帧
func NewFrame(raw []byte) Frame {
	buf := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(buf, raw)
	return Frame{
		Payload:    buf,
		ProducedAt: time.Now(),
	}
}

// NewTextFrame 包装生产者已经编码好的文本
func NewTextFrame(text string) Frame {
	return Frame{
		Payload:    []byte(text),
		ProducedAt: time.Now(),
	}
}

// IsZero 判断帧是否为空
func (f Frame) IsZero() bool {
	return len(f.Payload) == 0
}

// Size 返回负载字节数
func (f Frame) Size() int {
	return len(f.Payload)
}
