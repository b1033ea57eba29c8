// Package telemetry instruments the engine with Prometheus collectors.
// Collectors live on a private registry; nothing is served over HTTP.
// The stats surface gathers the registry on demand instead.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// maxLabelLen is the maximum length for a metric label value
const maxLabelLen = 64

// sanitizeLabel keeps label values safe for Prometheus: truncated,
// space-free, never empty.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// Metrics manages the engine's Prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	blocked         *prometheus.CounterVec
	eventsEmitted   *prometheus.CounterVec
	patternsLearned prometheus.Counter
	patternsMerged  prometheus.Counter
	learningRuns    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Shared returns the singleton metrics instance.
func Shared() *Metrics {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New builds a metrics set on a fresh private registry. Tests use this
// to avoid cross-test counter bleed.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cortex",
				Subsystem: "dispatch",
				Name:      "requests_total",
				Help:      "Total requests by intent, agent, and terminal state",
			},
			[]string{"intent", "agent", "state"},
		),
		blocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cortex",
				Subsystem: "skull",
				Name:      "blocked_total",
				Help:      "Total requests blocked by protection rule",
			},
			[]string{"rule"},
		),
		eventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cortex",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Total events appended to the log by kind",
			},
			[]string{"kind"},
		),
		patternsLearned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cortex",
				Subsystem: "learning",
				Name:      "patterns_learned_total",
				Help:      "Total new patterns promoted from candidates",
			},
		),
		patternsMerged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cortex",
				Subsystem: "learning",
				Name:      "patterns_consolidated_total",
				Help:      "Total patterns merged by consolidation",
			},
		),
		learningRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cortex",
				Subsystem: "learning",
				Name:      "runs_total",
				Help:      "Total learning pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cortex",
				Subsystem: "dispatch",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"intent"},
		),
	}

	m.registry.MustRegister(
		m.requests,
		m.blocked,
		m.eventsEmitted,
		m.patternsLearned,
		m.patternsMerged,
		m.learningRuns,
		m.requestDuration,
	)
	return m
}

// RecordRequest records one dispatched request reaching a terminal state.
func (m *Metrics) RecordRequest(intent, agent, state string, dur time.Duration) {
	m.requests.WithLabelValues(sanitizeLabel(intent), sanitizeLabel(agent), sanitizeLabel(state)).Inc()
	m.requestDuration.WithLabelValues(sanitizeLabel(intent)).Observe(dur.Seconds())
}

// RecordBlocked records a protection-kernel block.
func (m *Metrics) RecordBlocked(rule string) {
	m.blocked.WithLabelValues(sanitizeLabel(rule)).Inc()
}

// RecordEvent records an event-log append.
func (m *Metrics) RecordEvent(kind string) {
	m.eventsEmitted.WithLabelValues(sanitizeLabel(kind)).Inc()
}

// RecordPatternLearned counts one newly promoted pattern.
func (m *Metrics) RecordPatternLearned() { m.patternsLearned.Inc() }

// RecordConsolidation counts one merged pattern pair.
func (m *Metrics) RecordConsolidation() { m.patternsMerged.Inc() }

// RecordLearningRun records a pipeline run outcome (ok, failed, noop).
func (m *Metrics) RecordLearningRun(outcome string) {
	m.learningRuns.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

// StatLine is one flattened sample for the stats surface.
type StatLine struct {
	Name   string
	Labels string
	Value  float64
}

// Snapshot gathers the private registry and flattens counter samples,
// sorted by name then labels. Histograms report their sample count.
func (m *Metrics) Snapshot() []StatLine {
	families, err := m.registry.Gather()
	if err != nil {
		return nil
	}

	var lines []StatLine
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			line := StatLine{Name: fam.GetName(), Labels: strings.Join(labels, ",")}
			switch {
			case metric.GetCounter() != nil:
				line.Value = metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				line.Value = float64(metric.GetHistogram().GetSampleCount())
			case metric.GetGauge() != nil:
				line.Value = metric.GetGauge().GetValue()
			}
			lines = append(lines, line)
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Name != lines[j].Name {
			return lines[i].Name < lines[j].Name
		}
		return lines[i].Labels < lines[j].Labels
	})
	return lines
}
