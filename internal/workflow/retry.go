package workflow

import (
	"math"
	"strings"
	"time"

	xerrors "AgentFlow/internal/errors"
)

// RetryPolicy 控制步骤失败后的重试行为。延迟单位为秒，
// 第 n 次重试前等待 min(initial_delay * base^n, max_delay)。
type RetryPolicy struct {
	MaxRetries       int      `json:"max_retries"`
	InitialDelay     float64  `json:"initial_delay"`
	ExponentialBase  float64  `json:"exponential_base"`
	MaxDelay         float64  `json:"max_delay"`
	RetryableMatches []string `json:"retryable_matches,omitempty"`
}

// DefaultRetryPolicy 返回内置的重试策略：最多 3 次重试，1s 起步、
// 2 倍递增、60s 封顶，默认延迟序列为 1,2,4,8,16,32,60,60。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialDelay:    1,
		ExponentialBase: 2,
		MaxDelay:        60,
		RetryableMatches: []string{
			"timeout",
			"connection",
			"rate_limit",
			"temporary",
		},
	}
}

// withDefaults 用默认策略补齐未设置的字段。
func (p RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaults.MaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaults.InitialDelay
	}
	if p.ExponentialBase <= 0 {
		p.ExponentialBase = defaults.ExponentialBase
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if len(p.RetryableMatches) == 0 {
		p.RetryableMatches = append([]string(nil), defaults.RetryableMatches...)
	}
	return p
}

// Delay 返回第 attempt 次（从 0 开始）重试前的等待时长。
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	seconds := p.InitialDelay * math.Pow(p.ExponentialBase, float64(attempt))
	if p.MaxDelay > 0 && seconds > p.MaxDelay {
		seconds = p.MaxDelay
	}
	return time.Duration(seconds * float64(time.Second))
}

// ShouldRetry 判断第 attempt 次失败后是否继续重试。重试预算耗尽后
// 一律为假；统一错误类型按其注册的可重试属性判定，普通错误按
// 错误文本与 RetryableMatches 的子串匹配归类。
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	if err == nil {
		return false
	}
	if typed, ok := xerrors.From(err); ok {
		return typed.Retryable()
	}
	text := strings.ToLower(err.Error())
	for _, match := range p.RetryableMatches {
		if strings.Contains(text, strings.ToLower(match)) {
			return true
		}
	}
	return false
}
