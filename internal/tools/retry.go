package tools

import (
	"context"
	"math"
	"time"
)

// ExponentialBackoff 控制工具发现阶段的重试节奏。
type ExponentialBackoff struct {
	Attempts   int
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultDiscoveryBackoff 返回默认的发现退避：3 次，500ms 起步，每次翻倍，最长 10s。
func DefaultDiscoveryBackoff() ExponentialBackoff {
	return ExponentialBackoff{Attempts: 3, Initial: 500 * time.Millisecond, Multiplier: 2, Max: 10 * time.Second}
}

// Delay 返回第 attempt 次失败后的等待时间，attempt 从 1 开始。
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(b.Initial) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		return b.Max
	}
	return time.Duration(delay)
}

// LinearBackoff 控制工具调用阶段的重试节奏，第 n 次失败后等待 Step*n。
type LinearBackoff struct {
	Step time.Duration
}

// Delay 返回第 attempt 次失败后的等待时间。
func (b LinearBackoff) Delay(attempt int) time.Duration {
	return b.Step * time.Duration(attempt)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
