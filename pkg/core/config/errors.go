package config

import "errors"

// 配置相关错误
var (
	// ErrInvalidBudget 上下文预算无效
	ErrInvalidBudget = errors.New("max context tokens must be positive")
	// ErrInvalidWindow 最近窗口无效
	ErrInvalidWindow = errors.New("recent turns must be positive")
)
