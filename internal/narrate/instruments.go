package narrate

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-narrator/internal/narrate"

type instruments struct {
	attempts metric.Int64Counter
	failures metric.Int64Counter
	splits   metric.Int64Counter
	dropped  metric.Int64Counter
	chapters metric.Int64Counter
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// newInstruments registers counters on the global meter provider. Instrument
// errors fall back to the no-op instruments the API returns alongside them.
func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	attempts, _ := meter.Int64Counter("narrator.synthesis.attempts",
		metric.WithDescription("Synthesis backend calls"))
	failures, _ := meter.Int64Counter("narrator.synthesis.failures",
		metric.WithDescription("Synthesis backend calls that failed"))
	splits, _ := meter.Int64Counter("narrator.fragment.splits",
		metric.WithDescription("Fragments bisected after exhausting retries"))
	dropped, _ := meter.Int64Counter("narrator.chunks.dropped",
		metric.WithDescription("Chunks left out of a chapter after terminal failure"))
	chapters, _ := meter.Int64Counter("narrator.chapters",
		metric.WithDescription("Chapter pipeline outcomes"))
	return instruments{attempts: attempts, failures: failures, splits: splits, dropped: dropped, chapters: chapters}
}
