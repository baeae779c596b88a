// Package producer 帧生产者适配器。推理与渲染由外部进程完成，
// 这里只负责把产出的帧交给 Hub 的回调。
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"framecast/internal/utils"
)

// 生产者类型
const (
	KindSynthetic = "synthetic"
	KindDir       = "dir"
)

var ErrUnknownKind = errors.New("unknown producer kind")

// Config 生产者配置
type Config struct {
	Kind       string   `mapstructure:"kind"`       // synthetic | dir
	Source     string   `mapstructure:"source"`     // 视频源标识；dir 模式下为监听目录
	Model      string   `mapstructure:"model"`      // 模型标识，仅用于标注
	MaxFPS     float64  `mapstructure:"max_fps"`    // 最大出帧速率
	Extensions []string `mapstructure:"extensions"` // dir 模式接受的文件后缀
	Width      int      `mapstructure:"width"`      // synthetic 画面尺寸
	Height     int      `mapstructure:"height"`
}

func DefaultConfig() Config {
	return Config{
		Kind:       KindSynthetic,
		Source:     "0",
		Model:      "rock-paper-scissors-sxsw/11",
		MaxFPS:     10,
		Extensions: []string{".jpg", ".jpeg", ".png"},
		Width:      320,
		Height:     240,
	}
}

// Producer 在自己的 goroutine 上运行，每产出一帧调用一次 emit
type Producer interface {
	Run(ctx context.Context, emit func([]byte)) error
}

// New 根据配置创建生产者
func New(cfg Config) (Producer, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", KindSynthetic:
		return NewSynthetic(cfg), nil
	case KindDir:
		return NewDirSource(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// Run 运行生产者，出错后按退避重启，直到 ctx 取消
func Run(ctx context.Context, p Producer, emit func([]byte)) error {
	b := utils.Backoff{
		MaxRetries: -1,
		Initial:    time.Second,
		Max:        30 * time.Second,
		Factor:     2,
	}
	err := utils.RetryWithBackoff(ctx, "producer", b, func(ctx context.Context) error {
		err := p.Run(ctx, emit)
		if err != nil && ctx.Err() == nil {
			slog.Error("producer stopped with error", "error", err)
			return err
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
