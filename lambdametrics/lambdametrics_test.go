package lambdametrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws/aws-emf-metrics/collector"
	"github.com/aws/aws-emf-metrics/emf"
)

type innerHandler struct {
	invoked  int
	payload  []byte
	response []byte
	err      error
	record   func()
}

func (h *innerHandler) Invoke(_ context.Context, payload []byte) ([]byte, error) {
	h.invoked++
	h.payload = payload
	if h.record != nil {
		h.record()
	}
	return h.response, h.err
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newTestCollector(t *testing.T, mutate func(cfg *collector.Config)) (*collector.Collector, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cfg := collector.Config{
		Namespace:         "lambda-function-metrics",
		Now:               func() time.Time { return time.UnixMilli(1687657545423) },
		Writer:            buf,
		RequestIDProperty: "RequestId",
		TraceIDProperty:   "XRayTraceId",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := collector.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, buf
}

func invocationContext(requestID string) context.Context {
	return lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{
		AwsRequestID: requestID,
	})
}

func decodeLines(t *testing.T, s string) []emf.Document {
	t.Helper()
	var docs []emf.Document
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		var doc emf.Document
		require.NoError(t, json.Unmarshal(sc.Bytes(), &doc))
		docs = append(docs, doc)
	}
	require.NoError(t, sc.Err())
	return docs
}

func TestWrapFlushesAfterInvocation(t *testing.T) {
	t.Setenv(traceIDEnv, "Root=1-5759e988-bd862e3fe1be46a994272793")
	c, buf := newTestCollector(t, func(cfg *collector.Config) {
		cfg.ColdStartMetric = "ColdStart"
	})
	inner := &innerHandler{
		response: []byte(`"ok"`),
		record: func() {
			c.IncrementCounter("requests", map[string]string{"Method": "GET"}, 1)
		},
	}
	h := Wrap(c, inner)

	response, err := h.Invoke(invocationContext("req-1"), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`"ok"`), response)
	assert.Equal(t, []byte(`{"a":1}`), inner.payload)
	assert.Equal(t, 1, inner.invoked)

	docs := decodeLines(t, buf.String())
	require.Len(t, docs, 2)

	// first document is the cold start emission
	require.Len(t, docs[0].Metrics, 1)
	assert.Equal(t, emf.Descriptor{Name: "ColdStart", Unit: "Count"}, docs[0].Metrics[0])
	assert.Equal(t, float64(1), docs[0].Values["ColdStart"])
	assert.Equal(t, "req-1", docs[0].Properties["RequestId"])

	// second document carries the invocation's metrics and identifiers
	assert.Equal(t, float64(1), docs[1].Values["requests"])
	assert.Equal(t, "GET", docs[1].Dimensions["Method"])
	assert.Equal(t, "req-1", docs[1].Properties["RequestId"])
	assert.Equal(t, "Root=1-5759e988-bd862e3fe1be46a994272793", docs[1].Properties["XRayTraceId"])
}

func TestWrapColdStartOnce(t *testing.T) {
	closes := 0
	c, buf := newTestCollector(t, func(cfg *collector.Config) {
		cfg.ColdStartMetric = "ColdStart"
		cfg.ColdStartSpan = closerFunc(func() error {
			closes++
			return nil
		})
	})
	h := Wrap(c, &innerHandler{record: func() {
		c.IncrementCounter("requests", nil, 1)
	}})

	for i, requestID := range []string{"req-1", "req-2", "req-3"} {
		_, err := h.Invoke(invocationContext(requestID), nil)
		require.NoError(t, err, "invocation %d", i)
	}

	docs := decodeLines(t, buf.String())
	require.Len(t, docs, 4)
	assert.Equal(t, float64(1), docs[0].Values["ColdStart"])
	for i, doc := range docs[1:] {
		assert.Equal(t, float64(1), doc.Values["requests"])
		assert.Equal(t, []string{"req-1", "req-2", "req-3"}[i], doc.Properties["RequestId"])
	}
	assert.Equal(t, 1, closes)
}

func TestWrapReturnsInnerError(t *testing.T) {
	c, buf := newTestCollector(t, nil)
	innerErr := errors.New("handler exploded")
	h := Wrap(c, &innerHandler{
		err: innerErr,
		record: func() {
			c.IncrementCounter("errors", nil, 1)
		},
	})

	_, err := h.Invoke(invocationContext("req-1"), nil)
	require.ErrorIs(t, err, innerErr)

	// the flush still happened
	docs := decodeLines(t, buf.String())
	require.Len(t, docs, 1)
	assert.Equal(t, float64(1), docs[0].Values["errors"])
	assert.Equal(t, "req-1", docs[0].Properties["RequestId"])
}

func TestWrapPanicSkipsFlush(t *testing.T) {
	c, buf := newTestCollector(t, nil)
	calls := 0
	h := Wrap(c, &innerHandler{record: func() {
		calls++
		c.IncrementCounter("requests", nil, 1)
		if calls == 1 {
			panic("boom")
		}
	}})

	require.Panics(t, func() {
		_, _ = h.Invoke(invocationContext("req-1"), nil)
	})
	assert.Empty(t, buf.String())

	// the recorded value stays pending and ships with the next
	// completed invocation
	_, err := h.Invoke(invocationContext("req-2"), nil)
	require.NoError(t, err)
	docs := decodeLines(t, buf.String())
	require.Len(t, docs, 1)
	assert.Equal(t, float64(2), docs[0].Values["requests"])
	assert.Equal(t, "req-2", docs[0].Properties["RequestId"])
}

func TestWrapNoIdentifiersConfigured(t *testing.T) {
	c, buf := newTestCollector(t, func(cfg *collector.Config) {
		cfg.RequestIDProperty = ""
		cfg.TraceIDProperty = ""
	})
	h := Wrap(c, &innerHandler{record: func() {
		c.IncrementCounter("requests", nil, 1)
	}})

	_, err := h.Invoke(invocationContext("req-1"), nil)
	require.NoError(t, err)

	docs := decodeLines(t, buf.String())
	require.Len(t, docs, 1)
	assert.Empty(t, docs[0].Properties)
}

func TestWrapFunc(t *testing.T) {
	c, buf := newTestCollector(t, nil)
	h := WrapFunc(c, func(ctx context.Context, event map[string]int) (string, error) {
		c.SetGauge("input", nil, float64(event["n"]))
		return "done", nil
	})

	response, err := h.Invoke(invocationContext("req-1"), []byte(`{"n":7}`))
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(response))

	docs := decodeLines(t, buf.String())
	require.Len(t, docs, 1)
	assert.Equal(t, float64(7), docs[0].Values["input"])
}
