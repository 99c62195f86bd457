package otel

import "errors"

// 可观测性相关错误
var (
	// ErrInvalidConfig 配置无效
	ErrInvalidConfig = errors.New("invalid observability config")
	// ErrUnsupportedExporter 不支持的导出器类型
	ErrUnsupportedExporter = errors.New("unsupported metric exporter type")
	// ErrExportFailed 导出失败
	ErrExportFailed = errors.New("failed to export telemetry data")
)
