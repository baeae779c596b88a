package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backoff 指数退避参数
type Backoff struct {
	MaxRetries int           // 首次尝试之后的最大重试次数，<0 表示无限重试
	Initial    time.Duration // 初始退避时间
	Max        time.Duration // 最大退避时间
	Factor     float64       // 每次退避的放大倍数，<=1 时取 1.5
}

// DefaultBackoff 订阅类操作使用的默认参数
func DefaultBackoff() Backoff {
	return Backoff{
		MaxRetries: 5,
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Factor:     1.5,
	}
}

// Next 计算下一次退避时间
func (b Backoff) Next(cur time.Duration) time.Duration {
	factor := b.Factor
	if factor <= 1 {
		factor = 1.5
	}
	next := time.Duration(float64(cur) * factor)
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	return next
}

// RetryWithBackoff 执行 operation，失败时按退避参数重试。
// operationName 仅用于日志。ctx 取消时立即返回 ctx.Err()。
func RetryWithBackoff(ctx context.Context, operationName string, b Backoff, operation func(ctx context.Context) error) error {
	err := operation(ctx)
	if err == nil {
		return nil
	}
	if b.MaxRetries == 0 {
		return fmt.Errorf("%s failed (no retries): %w", operationName, err)
	}
	slog.Debug("initial attempt failed, will retry", "operation", operationName, "error", err)

	backoff := b.Initial
	for attempt := 1; b.MaxRetries < 0 || attempt <= b.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err = operation(ctx); err == nil {
			slog.Debug("operation successful after retry", "operation", operationName, "attempt", attempt)
			return nil
		}
		slog.Warn("retry attempt failed", "operation", operationName, "error", err, "attempt", attempt, "backoff_ms", backoff.Milliseconds())
		backoff = b.Next(backoff)
	}

	return fmt.Errorf("%s failed after %d retries: %w", operationName, b.MaxRetries, err)
}
