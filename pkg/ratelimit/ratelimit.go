// Package ratelimit 提供按用户的内存令牌桶限流。
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config 限流配置
type Config struct {
	// RequestsPerMinute 每分钟请求上限
	RequestsPerMinute int
	// Burst 突发容量
	Burst int
}

// DefaultConfig 返回默认配置：20 req/min，突发 20。
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 20,
		Burst:             20,
	}
}

// Table 按用户标识维护独立的令牌桶。
//
// 桶在首次访问时惰性创建，进程生命周期内不回收。
type Table struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewTable 创建限流表
func NewTable(config Config) *Table {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if config.Burst <= 0 {
		config.Burst = config.RequestsPerMinute
	}

	return &Table{
		limit:   rate.Limit(float64(config.RequestsPerMinute) / 60.0),
		burst:   config.Burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow 判断该用户的一次请求是否放行
func (t *Table) Allow(userUID string) bool {
	return t.bucket(userUID).Allow()
}

// bucket 返回用户的令牌桶，不存在时创建
func (t *Table) bucket(userUID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.buckets[userUID]; ok {
		return l
	}
	l := rate.NewLimiter(t.limit, t.burst)
	t.buckets[userUID] = l
	return l
}
