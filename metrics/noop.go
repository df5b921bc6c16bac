package metrics

import "context"

// Discard 返回一个所有操作均为空的 Meter，组件未注入 Meter 时使用
func Discard() Meter {
	return noopMeter{}
}

type noopMeter struct{}

func (noopMeter) Counter(string, string, ...MetricOption) (Counter, error) {
	return noopCounter{}, nil
}

func (noopMeter) Gauge(string, string, ...MetricOption) (Gauge, error) {
	return noopGauge{}, nil
}

func (noopMeter) Histogram(string, string, ...MetricOption) (Histogram, error) {
	return noopHistogram{}, nil
}

func (noopMeter) Shutdown(context.Context) error { return nil }

type noopCounter struct{}

func (noopCounter) Inc(context.Context, ...Label)          {}
func (noopCounter) Add(context.Context, float64, ...Label) {}

type noopGauge struct{}

func (noopGauge) Set(context.Context, float64, ...Label) {}
func (noopGauge) Inc(context.Context, ...Label)          {}
func (noopGauge) Dec(context.Context, ...Label)          {}

type noopHistogram struct{}

func (noopHistogram) Record(context.Context, float64, ...Label) {}

// CounterOf 创建 Counter，失败时退化为 noop
func CounterOf(m Meter, name, desc string, opts ...MetricOption) Counter {
	if m == nil {
		return noopCounter{}
	}
	c, err := m.Counter(name, desc, opts...)
	if err != nil {
		return noopCounter{}
	}
	return c
}

// GaugeOf 创建 Gauge，失败时退化为 noop
func GaugeOf(m Meter, name, desc string, opts ...MetricOption) Gauge {
	if m == nil {
		return noopGauge{}
	}
	g, err := m.Gauge(name, desc, opts...)
	if err != nil {
		return noopGauge{}
	}
	return g
}

// HistogramOf 创建 Histogram，失败时退化为 noop
func HistogramOf(m Meter, name, desc string, opts ...MetricOption) Histogram {
	if m == nil {
		return noopHistogram{}
	}
	h, err := m.Histogram(name, desc, opts...)
	if err != nil {
		return noopHistogram{}
	}
	return h
}
