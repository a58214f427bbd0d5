package collector

import (
	"go.uber.org/zap"
)

// DiagnosticKind classifies a recoverable recording or flush failure.
type DiagnosticKind uint8

const (
	// TypeMismatch reports a recording call whose kind conflicts with the
	// kind already bound to the metric name. The call was dropped.
	TypeMismatch DiagnosticKind = iota
	// DimensionOverflow reports a recording call whose labels plus the
	// global dimensions exceed the CloudWatch dimension limit. The call
	// was dropped.
	DimensionOverflow
	// LabelDimensionCollision reports a recording call with a label name
	// equal to a global dimension name. The call was dropped.
	LabelDimensionCollision
	// HistogramOverflow reports samples dropped from a full histogram
	// reservoir since the previous flush.
	HistogramOverflow
	// EncodingFailure reports a document that could not be encoded or
	// written during a flush. Remaining documents were still attempted.
	EncodingFailure
)

func (k DiagnosticKind) String() string {
	switch k {
	case TypeMismatch:
		return "type-mismatch"
	case DimensionOverflow:
		return "dimension-overflow"
	case LabelDimensionCollision:
		return "label-dimension-collision"
	case HistogramOverflow:
		return "histogram-overflow"
	case EncodingFailure:
		return "encoding-failure"
	}
	return "unknown"
}

// Diagnostic is one recoverable failure event. Fields beyond Kind and
// Metric are set per kind.
type Diagnostic struct {
	Kind   DiagnosticKind
	Metric string

	// TypeMismatch
	Expected Kind
	Actual   Kind

	// DimensionOverflow, LabelDimensionCollision
	Labels map[string]string
	// LabelDimensionCollision
	Label string

	// HistogramOverflow
	Dropped uint64

	// EncodingFailure
	Err error
}

// DiagnosticSink receives recoverable failure events. Implementations
// must be safe for concurrent use and must not block; recording calls
// report through the sink on their own goroutines.
type DiagnosticSink interface {
	Report(d Diagnostic)
}

// zapDiagnosticSink logs every diagnostic at warn level.
type zapDiagnosticSink struct {
	lg *zap.Logger
}

// NewZapDiagnosticSink returns a sink that logs diagnostics through lg.
func NewZapDiagnosticSink(lg *zap.Logger) DiagnosticSink {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &zapDiagnosticSink{lg: lg}
}

func (s *zapDiagnosticSink) Report(d Diagnostic) {
	fields := make([]zap.Field, 0, 5)
	fields = append(fields, zap.String("metric", d.Metric))
	switch d.Kind {
	case TypeMismatch:
		fields = append(fields,
			zap.Stringer("expected", d.Expected),
			zap.Stringer("actual", d.Actual),
		)
	case DimensionOverflow:
		fields = append(fields, zap.Int("labels", len(d.Labels)))
	case LabelDimensionCollision:
		fields = append(fields, zap.String("label", d.Label))
	case HistogramOverflow:
		fields = append(fields, zap.Uint64("dropped", d.Dropped))
	case EncodingFailure:
		fields = append(fields, zap.Error(d.Err))
	}
	s.lg.Warn("dropped metric data ("+d.Kind.String()+")", fields...)
}

type nopDiagnosticSink struct{}

func (nopDiagnosticSink) Report(Diagnostic) {}
