// Package telemetry provides the process-local, non-blocking emitter the
// sensing pool, the assessment engine, and the session runner report through.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MetricDispatchDropsTotal counts work units dropped because no provider was eligible.
	MetricDispatchDropsTotal = "dispatch_drops_total"
	// MetricProviderCooldownsTotal counts provider failure cooldown entries.
	MetricProviderCooldownsTotal = "provider_cooldowns_total"
	// MetricProviderRTTMS captures classify round-trip observations.
	MetricProviderRTTMS = "provider_rtt_ms"
	// MetricTransitionsTotal counts assessment state transitions.
	MetricTransitionsTotal = "transitions_total"
	// MetricIdleRegressionsTotal counts idle-timeout regressions to IDLE.
	MetricIdleRegressionsTotal = "idle_regressions_total"
)

// EventKind defines telemetry payload kind.
type EventKind string

const (
	EventKindMetric EventKind = "metric"
	EventKindLog    EventKind = "log"
)

// Correlation carries the session-scoped fields attached to every emission.
type Correlation struct {
	SessionID  string `json:"session_id,omitempty"`
	State      string `json:"state,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	Modality   string `json:"modality,omitempty"`
}

// MetricEvent captures a metric sample payload.
type MetricEvent struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// LogEvent captures a telemetry log payload.
type LogEvent struct {
	Name       string            `json:"name"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event is the normalized telemetry emission envelope.
type Event struct {
	Kind        EventKind    `json:"kind"`
	TimestampMS int64        `json:"timestamp_ms"`
	Correlation Correlation  `json:"correlation"`
	Metric      *MetricEvent `json:"metric,omitempty"`
	Log         *LogEvent    `json:"log,omitempty"`
}

// Sink exports normalized telemetry events.
type Sink interface {
	Export(context.Context, Event) error
}

// Emitter defines a non-blocking telemetry emission handle.
type Emitter interface {
	EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation)
	EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation)
}

type noopEmitter struct{}

func (noopEmitter) EmitMetric(string, float64, string, map[string]string, Correlation) {}
func (noopEmitter) EmitLog(string, string, string, map[string]string, Correlation)     {}

type emitterHolder struct {
	emitter Emitter
}

var globalEmitter atomic.Value

func init() {
	globalEmitter.Store(emitterHolder{emitter: noopEmitter{}})
}

// SetDefaultEmitter replaces the process-local default telemetry emitter.
func SetDefaultEmitter(emitter Emitter) {
	if emitter == nil {
		emitter = noopEmitter{}
	}
	globalEmitter.Store(emitterHolder{emitter: emitter})
}

// DefaultEmitter returns the process-local default telemetry emitter.
func DefaultEmitter() Emitter {
	holder, ok := globalEmitter.Load().(emitterHolder)
	if !ok {
		return noopEmitter{}
	}
	return holder.emitter
}

// Pipeline is a bounded, lossy emitter draining into a sink.
type Pipeline struct {
	sink    Sink
	queue   chan Event
	now     func() time.Time
	dropped atomic.Int64
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// PipelineConfig controls pipeline buffering behavior.
type PipelineConfig struct {
	QueueCapacity int
	Now           func() time.Time
}

// NewPipeline starts a pipeline draining events into sink.
func NewPipeline(sink Sink, cfg PipelineConfig) *Pipeline {
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Pipeline{
		sink:  sink,
		queue: make(chan Event, cfg.QueueCapacity),
		now:   cfg.Now,
	}
	p.wg.Add(1)
	go p.worker()
	return p
}

// EmitMetric enqueues a metric sample, dropping when the queue is full.
func (p *Pipeline) EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) {
	p.enqueue(Event{
		Kind:        EventKindMetric,
		Correlation: correlation,
		Metric:      &MetricEvent{Name: name, Value: value, Unit: unit, Attributes: attributes},
	})
}

// EmitLog enqueues a log event, dropping when the queue is full.
func (p *Pipeline) EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation) {
	p.enqueue(Event{
		Kind:        EventKindLog,
		Correlation: correlation,
		Log:         &LogEvent{Name: name, Severity: severity, Message: message, Attributes: attributes},
	})
}

// DroppedCount returns the number of events dropped due to queue saturation.
func (p *Pipeline) DroppedCount() int64 {
	return p.dropped.Load()
}

// Close stops the worker after draining queued events.
func (p *Pipeline) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		close(p.queue)
	}
	p.wg.Wait()
	return nil
}

func (p *Pipeline) enqueue(event Event) {
	if p.closed.Load() {
		p.dropped.Add(1)
		return
	}
	event.TimestampMS = p.now().UnixMilli()
	select {
	case p.queue <- event:
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for event := range p.queue {
		_ = p.sink.Export(context.Background(), event)
	}
}
