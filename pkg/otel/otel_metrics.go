package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics 基于 OpenTelemetry Meter 的指标实现。
//
// 仪器按名称惰性创建并缓存；创建失败时退化为空实现，
// 指标故障不应影响请求路径。
type OTelMetrics struct {
	meter      metric.Meter
	counters   map[string]Counter
	histograms map[string]Histogram
	gauges     map[string]Gauge
	mu         sync.Mutex
}

// NewOTelMetrics 创建基于 Meter 的指标收集器
func NewOTelMetrics(meter metric.Meter) *OTelMetrics {
	return &OTelMetrics{
		meter:      meter,
		counters:   make(map[string]Counter),
		histograms: make(map[string]Histogram),
		gauges:     make(map[string]Gauge),
	}
}

// Counter 返回或创建计数器
func (m *OTelMetrics) Counter(name string) Counter {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[name]; ok {
		return c
	}

	inst, err := m.meter.Int64Counter(name, instrumentOptions(name)...)
	var c Counter
	if err != nil {
		c = &NoopCounter{}
	} else {
		c = &otelCounter{inst: inst}
	}
	m.counters[name] = c
	return c
}

// Histogram 返回或创建直方图
func (m *OTelMetrics) Histogram(name string) Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.histograms[name]; ok {
		return h
	}

	inst, err := m.meter.Float64Histogram(name, histogramOptions(name)...)
	var h Histogram
	if err != nil {
		h = &NoopHistogram{}
	} else {
		h = &otelHistogram{inst: inst}
	}
	m.histograms[name] = h
	return h
}

// Gauge 返回或创建仪表
func (m *OTelMetrics) Gauge(name string) Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.gauges[name]; ok {
		return g
	}

	inst, err := m.meter.Float64Gauge(name)
	var g Gauge
	if err != nil {
		g = &NoopGauge{}
	} else {
		g = &otelGauge{inst: inst}
	}
	m.gauges[name] = g
	return g
}

type otelCounter struct {
	inst metric.Int64Counter
}

func (c *otelCounter) Add(ctx context.Context, value int64, attrs ...Attr) {
	c.inst.Add(ctx, value, metric.WithAttributes(convertAttrs(attrs)...))
}

type otelHistogram struct {
	inst metric.Float64Histogram
}

func (h *otelHistogram) Record(ctx context.Context, value float64, attrs ...Attr) {
	h.inst.Record(ctx, value, metric.WithAttributes(convertAttrs(attrs)...))
}

type otelGauge struct {
	inst metric.Float64Gauge
}

func (g *otelGauge) Set(ctx context.Context, value float64, attrs ...Attr) {
	g.inst.Record(ctx, value, metric.WithAttributes(convertAttrs(attrs)...))
}

// convertAttrs 转换为 OTel 属性
func convertAttrs(attrs []Attr) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	result := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			result = append(result, attribute.String(a.Key, v))
		case int:
			result = append(result, attribute.Int(a.Key, v))
		case int64:
			result = append(result, attribute.Int64(a.Key, v))
		case float64:
			result = append(result, attribute.Float64(a.Key, v))
		case bool:
			result = append(result, attribute.Bool(a.Key, v))
		default:
			result = append(result, attribute.String(a.Key, fmt.Sprintf("%v", v)))
		}
	}
	return result
}

// instrumentOptions 返回预定义指标的描述和单位
func instrumentOptions(name string) []metric.Int64CounterOption {
	for _, d := range PredefinedMetrics {
		if d.Name == name {
			return []metric.Int64CounterOption{
				metric.WithDescription(d.Description),
				metric.WithUnit(string(d.Unit)),
			}
		}
	}
	return nil
}

// histogramOptions 返回预定义直方图的描述和单位
func histogramOptions(name string) []metric.Float64HistogramOption {
	for _, d := range PredefinedMetrics {
		if d.Name == name {
			return []metric.Float64HistogramOption{
				metric.WithDescription(d.Description),
				metric.WithUnit(string(d.Unit)),
			}
		}
	}
	return nil
}

// compile-time interface check
var _ Metrics = (*OTelMetrics)(nil)
