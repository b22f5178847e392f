// Package retry 外部依赖（消息队列、数据库）连接重试
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Backoff 退避方式
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy 重试策略
type Policy struct {
	Name        string // 日志中的操作名
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
	Backoff     Backoff
	Logger      *logrus.Logger
}

// ConnectPolicy 服务启动连接依赖时使用的默认策略
func ConnectPolicy(name string, logger *logrus.Logger) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: 5,
		Interval:    time.Second,
		MaxInterval: 15 * time.Second,
		Backoff:     BackoffExponential,
		Logger:      logger,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不应重试的错误（如认证失败、配置错误）
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否不应重试
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Delay 第 attempt 次失败后的等待时间（attempt 从 1 开始）
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.Interval * time.Duration(attempt)
	case BackoffExponential:
		shift := attempt - 1
		if shift > 16 {
			shift = 16
		}
		d = p.Interval << shift
	default:
		d = p.Interval
	}

	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// Do 按策略执行 fn，直到成功、遇到永久错误、次数用尽或 ctx 结束
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s canceled: %w", p.Name, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.WithFields(logrus.Fields{
					"operation": p.Name,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return nil
		}

		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := p.Delay(attempt)
		logger.WithFields(logrus.Fields{
			"operation": p.Name,
			"attempt":   attempt,
			"max":       attempts,
			"wait":      wait,
		}).WithError(lastErr).Warn("Operation failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s canceled: %w", p.Name, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", p.Name, attempts, lastErr)
}

// DoValue Do 的带返回值版本
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
