// Package monitoring keeps an in-process metric accumulator and evaluates
// alert conditions against configured thresholds.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medellinbot/orchestrator/internal/observability"
)

// Sample is one recorded metric observation.
type Sample struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Alert describes a threshold breach.
type Alert struct {
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricSink receives a copy of every recorded sample. Implementations must
// not block; Record invokes sinks asynchronously and drops errors.
type MetricSink interface {
	Push(sample Sample) error
}

// AlertSink receives fired alerts.
type AlertSink interface {
	Notify(alert Alert) error
}

// ResourceProbe reports current CPU and memory utilization as percentages.
// The default probe reports zero, which never trips the resource alerts.
type ResourceProbe interface {
	CPUPercent() float64
	MemoryPercent() float64
}

type nilProbe struct{}

func (nilProbe) CPUPercent() float64    { return 0 }
func (nilProbe) MemoryPercent() float64 { return 0 }

// Thresholds holds the alert trip points.
type Thresholds struct {
	ErrorRate    float64 // fraction of failed requests, 0.05 = 5%
	ResponseTime time.Duration
	CPUPercent   float64
	MemPercent   float64
}

// DefaultThresholds returns the stock alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:    0.05,
		ResponseTime: 5 * time.Second,
		CPUPercent:   80,
		MemPercent:   80,
	}
}

// Manager accumulates samples and evaluates alerts. Recording is cheap and
// lock-scoped; sink delivery is fire and forget.
type Manager struct {
	mu         sync.Mutex
	samples    []Sample
	alerts     []Alert
	thresholds Thresholds
	probe      ResourceProbe
	sinks      []MetricSink
	alertSinks []AlertSink
	logger     *observability.Logger
	nowFunc    func() time.Time

	requestCount  int
	errorCount    int
	responseTotal time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithProbe installs a resource utilization probe.
func WithProbe(probe ResourceProbe) Option {
	return func(m *Manager) { m.probe = probe }
}

// WithMetricSink adds a sink mirroring every sample.
func WithMetricSink(sink MetricSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sink) }
}

// WithAlertSink adds a sink receiving fired alerts.
func WithAlertSink(sink AlertSink) Option {
	return func(m *Manager) { m.alertSinks = append(m.alertSinks, sink) }
}

// NewManager creates a monitoring manager.
func NewManager(thresholds Thresholds, logger *observability.Logger, opts ...Option) *Manager {
	m := &Manager{
		thresholds: thresholds,
		probe:      nilProbe{},
		logger:     logger,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetNowFunc overrides the clock for tests.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.nowFunc = now
}

// Record appends a sample and mirrors it to the configured sinks without
// blocking the caller.
func (m *Manager) Record(name string, value float64, tags map[string]string) {
	sample := Sample{Name: name, Value: value, Tags: tags, Timestamp: m.nowFunc().UTC()}

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	m.mu.Unlock()

	for _, sink := range m.sinks {
		go func(s MetricSink) {
			if err := s.Push(sample); err != nil && m.logger != nil {
				m.logger.Warn(context.Background(), "metric sink push failed", "metric", name, "error", err)
			}
		}(sink)
	}
}

// RecordRequest folds one completed request into the alert counters.
func (m *Manager) RecordRequest(elapsed time.Duration, failed bool) {
	m.mu.Lock()
	m.requestCount++
	m.responseTotal += elapsed
	if failed {
		m.errorCount++
	}
	m.mu.Unlock()

	tags := map[string]string{"outcome": "success"}
	if failed {
		tags["outcome"] = "error"
	}
	m.Record("request_duration_seconds", elapsed.Seconds(), tags)
}

// CheckAlerts evaluates the thresholds against the counters and the probe,
// firing any breaches to the alert sinks. Fired alerts are retained for the
// alerts endpoint.
func (m *Manager) CheckAlerts() []Alert {
	now := m.nowFunc().UTC()

	m.mu.Lock()
	requests := m.requestCount
	errors := m.errorCount
	responseTotal := m.responseTotal
	m.mu.Unlock()

	var fired []Alert

	if requests > 0 {
		rate := float64(errors) / float64(requests)
		if rate > m.thresholds.ErrorRate {
			fired = append(fired, Alert{
				Name:      "high_error_rate",
				Message:   fmt.Sprintf("error rate %.2f%% exceeds %.2f%%", rate*100, m.thresholds.ErrorRate*100),
				Value:     rate,
				Threshold: m.thresholds.ErrorRate,
				Timestamp: now,
			})
		}
		mean := responseTotal / time.Duration(requests)
		if mean > m.thresholds.ResponseTime {
			fired = append(fired, Alert{
				Name:      "slow_responses",
				Message:   fmt.Sprintf("mean response time %s exceeds %s", mean, m.thresholds.ResponseTime),
				Value:     mean.Seconds(),
				Threshold: m.thresholds.ResponseTime.Seconds(),
				Timestamp: now,
			})
		}
	}

	if cpu := m.probe.CPUPercent(); cpu > m.thresholds.CPUPercent {
		fired = append(fired, Alert{
			Name:      "high_cpu",
			Message:   fmt.Sprintf("CPU utilization %.1f%% exceeds %.1f%%", cpu, m.thresholds.CPUPercent),
			Value:     cpu,
			Threshold: m.thresholds.CPUPercent,
			Timestamp: now,
		})
	}
	if mem := m.probe.MemoryPercent(); mem > m.thresholds.MemPercent {
		fired = append(fired, Alert{
			Name:      "high_memory",
			Message:   fmt.Sprintf("memory utilization %.1f%% exceeds %.1f%%", mem, m.thresholds.MemPercent),
			Value:     mem,
			Threshold: m.thresholds.MemPercent,
			Timestamp: now,
		})
	}

	if len(fired) > 0 {
		m.mu.Lock()
		m.alerts = append(m.alerts, fired...)
		m.mu.Unlock()
		for _, alert := range fired {
			if m.logger != nil {
				m.logger.Warn(context.Background(), "alert fired",
					"alert", alert.Name, "value", alert.Value, "threshold", alert.Threshold)
			}
			for _, sink := range m.alertSinks {
				go func(s AlertSink, a Alert) {
					_ = s.Notify(a)
				}(sink, alert)
			}
		}
	}
	return fired
}

// Alerts returns alerts fired since the cutoff, newest last.
func (m *Manager) Alerts(since time.Time) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, alert := range m.alerts {
		if !alert.Timestamp.Before(since) {
			out = append(out, alert)
		}
	}
	return out
}

// Snapshot summarizes the request counters for the metrics endpoint.
func (m *Manager) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := map[string]any{
		"request_count": m.requestCount,
		"error_count":   m.errorCount,
		"sample_count":  len(m.samples),
	}
	if m.requestCount > 0 {
		snap["error_rate"] = float64(m.errorCount) / float64(m.requestCount)
		snap["mean_response_seconds"] = (m.responseTotal / time.Duration(m.requestCount)).Seconds()
	}
	return snap
}
