// Package observe provides observability primitives for mixdeck:
// OpenTelemetry metrics for the mixing engine, tracing helpers, and the
// provider setup that bridges metrics to a Prometheus /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider]. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/mixdeck/pkg/audio/mixer"
)

// meterName is the instrumentation scope name used for all mixdeck metrics.
const meterName = "github.com/MrWong99/mixdeck"

// Metrics holds all OpenTelemetry metric instruments for the playback
// engine. All fields are safe for concurrent use; the underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// TickDuration tracks the time spent inside one mixing tick (mixing
	// and cleanup, not the tick period).
	TickDuration metric.Float64Histogram

	// ChunksEmitted counts combined output chunks produced.
	ChunksEmitted metric.Int64Counter

	// Underruns counts ticks that skipped emission because no source had a
	// full chunk buffered.
	Underruns metric.Int64Counter

	// SourcesCompleted counts sources deregistered after draining.
	SourcesCompleted metric.Int64Counter

	// ActiveSessions tracks the number of open playback sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// tickBuckets defines histogram bucket boundaries (in seconds) sized for a
// 20 ms mixing cadence; a tick spending more than a few milliseconds is
// already in trouble.
var tickBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TickDuration, err = m.Float64Histogram("mixdeck.mixer.tick.duration",
		metric.WithDescription("Time spent inside one mixing tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunksEmitted, err = m.Int64Counter("mixdeck.mixer.chunks",
		metric.WithDescription("Total combined output chunks emitted."),
	); err != nil {
		return nil, err
	}
	if met.Underruns, err = m.Int64Counter("mixdeck.mixer.underruns",
		metric.WithDescription("Total ticks that skipped emission for lack of buffered data."),
	); err != nil {
		return nil, err
	}
	if met.SourcesCompleted, err = m.Int64Counter("mixdeck.mixer.sources.completed",
		metric.WithDescription("Total sources deregistered after playback completed."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("mixdeck.active_sessions",
		metric.WithDescription("Number of open playback sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// MixerObserver returns a tick observer for [mixer.WithTickObserver] that
// records every tick into m, labelled with the session id.
func MixerObserver(m *Metrics, sessionID string) func(mixer.Tick) {
	attrs := metric.WithAttributes(Attr("session", sessionID))
	return func(t mixer.Tick) {
		ctx := context.Background()
		m.TickDuration.Record(ctx, t.MixDuration.Seconds(), attrs)
		if t.Emitted {
			m.ChunksEmitted.Add(ctx, 1, attrs)
		}
		if t.Underrun {
			m.Underruns.Add(ctx, 1, attrs)
		}
		if t.Completed > 0 {
			m.SourcesCompleted.Add(ctx, int64(t.Completed), attrs)
		}
	}
}
