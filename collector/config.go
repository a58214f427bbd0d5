package collector

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aws/aws-emf-metrics/emf"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvNamespace         = "AWS_EMF_NAMESPACE"
	EnvDimensions        = "AWS_EMF_DIMENSIONS"
	EnvEmitZeros         = "AWS_EMF_EMIT_ZEROS"
	EnvAutoFlushInterval = "AWS_EMF_AUTO_FLUSH_INTERVAL"
	EnvColdStartMetric   = "AWS_EMF_COLD_START_METRIC"
	EnvRequestIDProperty = "AWS_EMF_REQUEST_ID_PROPERTY"
	EnvTraceIDProperty   = "AWS_EMF_TRACE_ID_PROPERTY"
)

// Config defines one Collector.
type Config struct {
	// Namespace is the CloudWatch namespace every document declares.
	// Required.
	Namespace string

	// Dimensions are global dimensions attached to every document, in
	// addition to per-metric labels.
	Dimensions map[string]string

	// EmitZeros also emits counters whose delta is zero and gauges that
	// hold zero without having been set since the previous flush.
	EmitZeros bool

	// Now overrides the document timestamp source. Nil means time.Now.
	Now func() time.Time

	// Writer receives flushed documents, one JSON line per document.
	// Nil means os.Stdout.
	Writer io.Writer

	// AutoFlushInterval greater than zero starts a background loop that
	// flushes to Writer at the given interval until Close.
	AutoFlushInterval time.Duration

	// ColdStartMetric, when non-empty, names the counter the Lambda
	// middleware emits once per process on the first invocation.
	ColdStartMetric string

	// ColdStartSpan, when non-nil, is closed right after the cold start
	// emission, ending whatever span or timer the caller opened at
	// process start.
	ColdStartSpan io.Closer

	// RequestIDProperty, when non-empty, names the property the Lambda
	// middleware fills with the invocation request id.
	RequestIDProperty string

	// TraceIDProperty, when non-empty, names the property the Lambda
	// middleware fills with the X-Ray trace id.
	TraceIDProperty string

	// Diagnostics receives recoverable failure events. Nil installs a
	// zap-backed sink over Logger.
	Diagnostics DiagnosticSink

	// Logger is used by the background flush loop and the default
	// diagnostic sink. Nil means zap.NewNop.
	Logger *zap.Logger
}

func (cfg *Config) validateAndSetDefaults() error {
	if cfg.Namespace == "" {
		return fmt.Errorf("empty Namespace")
	}
	if n := len(cfg.Dimensions); n > emf.MaxDimensions {
		return fmt.Errorf("%d global dimensions exceeds CloudWatch limit %d", n, emf.MaxDimensions)
	}
	for name, value := range cfg.Dimensions {
		if name == "" {
			return fmt.Errorf("empty global dimension name")
		}
		if value == "" {
			return fmt.Errorf("global dimension %q has empty value", name)
		}
	}
	if cfg.AutoFlushInterval < 0 {
		return fmt.Errorf("negative AutoFlushInterval %v", cfg.AutoFlushInterval)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = NewZapDiagnosticSink(cfg.Logger)
	}
	return nil
}

// ConfigFromEnv builds a Config from AWS_EMF_* environment variables.
// Unset variables leave the zero value, so the result still requires
// AWS_EMF_NAMESPACE to pass New.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Namespace:         os.Getenv(EnvNamespace),
		ColdStartMetric:   os.Getenv(EnvColdStartMetric),
		RequestIDProperty: os.Getenv(EnvRequestIDProperty),
		TraceIDProperty:   os.Getenv(EnvTraceIDProperty),
	}
	if v := os.Getenv(EnvDimensions); v != "" {
		cfg.Dimensions = make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			name, value, ok := strings.Cut(pair, "=")
			if !ok || name == "" {
				return Config{}, fmt.Errorf("%s: invalid dimension %q, expected name=value", EnvDimensions, pair)
			}
			cfg.Dimensions[name] = value
		}
	}
	if v := os.Getenv(EnvEmitZeros); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %v", EnvEmitZeros, err)
		}
		cfg.EmitZeros = b
	}
	if v := os.Getenv(EnvAutoFlushInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %v", EnvAutoFlushInterval, err)
		}
		cfg.AutoFlushInterval = d
	}
	return cfg, nil
}
