// Package lambdametrics wraps aws-lambda-go handlers so that metrics
// recorded during an invocation are flushed as CloudWatch Embedded
// Metric Format documents when the invocation completes. It also tags
// documents with the invocation request id and X-Ray trace id, and
// emits a cold start metric once per process.
package lambdametrics

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"go.uber.org/zap"

	"github.com/aws/aws-emf-metrics/collector"
)

// traceIDEnv is set by the Lambda runtime before each invocation.
const traceIDEnv = "_X_AMZN_TRACE_ID"

type handler struct {
	c     *collector.Collector
	inner lambda.Handler
}

// Wrap returns a handler that delegates to inner and flushes c once
// after every completed invocation, success and failure alike. The
// inner result is returned verbatim. A panic in the inner handler
// propagates without flushing; recorded values stay pending for the
// next completed invocation.
func Wrap(c *collector.Collector, inner lambda.Handler) lambda.Handler {
	return &handler{c: c, inner: inner}
}

// WrapFunc is Wrap for a handler function in any signature accepted by
// lambda.NewHandler.
func WrapFunc(c *collector.Collector, handlerFunc interface{}) lambda.Handler {
	return Wrap(c, lambda.NewHandler(handlerFunc))
}

// Start runs the Lambda runtime loop with a wrapped handler function.
func Start(c *collector.Collector, handlerFunc interface{}) {
	lambda.Start(WrapFunc(c, handlerFunc))
}

// StartHandler runs the Lambda runtime loop with a wrapped handler.
func StartHandler(c *collector.Collector, inner lambda.Handler) {
	lambda.Start(Wrap(c, inner))
}

func (h *handler) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	cfg := h.c.Config()
	props := invocationProperties(ctx, cfg)

	if h.c.ColdStart() {
		h.emitColdStart(cfg, props)
	}

	response, err := h.inner.Invoke(ctx, payload)

	if ferr := h.c.FlushWithProperties(nil, props); ferr != nil {
		cfg.Logger.Warn("flush after invocation failed", zap.Error(ferr))
	}
	return response, err
}

// emitColdStart runs on the first invocation only: it emits the
// configured cold start counter as its own document and closes the
// caller's cold start span.
func (h *handler) emitColdStart(cfg collector.Config, props map[string]interface{}) {
	if cfg.ColdStartMetric != "" {
		h.c.DescribeUnit(cfg.ColdStartMetric, "Count")
		if err := h.c.FlushSingle(nil, cfg.ColdStartMetric, collector.KindCounter, 1, props); err != nil {
			cfg.Logger.Warn("cold start emission failed", zap.Error(err))
		}
	}
	if cfg.ColdStartSpan != nil {
		if err := cfg.ColdStartSpan.Close(); err != nil {
			cfg.Logger.Warn("cold start span close failed", zap.Error(err))
		}
	}
}

// invocationProperties builds the properties merged into this
// invocation's flush only. They never enter shared collector state, so
// concurrent invocations cannot observe each other's identifiers.
func invocationProperties(ctx context.Context, cfg collector.Config) map[string]interface{} {
	var props map[string]interface{}
	set := func(name, value string) {
		if props == nil {
			props = make(map[string]interface{}, 2)
		}
		props[name] = value
	}
	if cfg.RequestIDProperty != "" {
		if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
			set(cfg.RequestIDProperty, lc.AwsRequestID)
		}
	}
	if cfg.TraceIDProperty != "" {
		if traceID := os.Getenv(traceIDEnv); traceID != "" {
			set(cfg.TraceIDProperty, traceID)
		}
	}
	return props
}
