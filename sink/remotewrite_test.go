package sink

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws/aws-emf-metrics/collector"
)

func testAWSConfig() aws.Config {
	return aws.Config{
		Region:      "us-west-2",
		Credentials: credentials.NewStaticCredentialsProvider("AKID", "SECRET", "SESSION"),
	}
}

func TestRemoteWritePush(t *testing.T) {
	var (
		gotHeader http.Header
		gotBody   []byte
		calls     int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotHeader = r.Header.Clone()
		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	now := time.UnixMilli(1687657545423)
	rw, err := NewRemoteWrite(RemoteWriteConfig{
		AWSConfig: testAWSConfig(),
		URL:       server.URL,
		Region:    "us-west-2",
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)

	samples := []collector.Sample{
		{Name: "requests", Kind: collector.KindCounter, Value: 5, Count: 5, Labels: map[string]string{"api-path": "list"}},
		{Name: "queue_depth", Kind: collector.KindGauge, Value: 2.5},
		{Name: "latency_ms", Kind: collector.KindHistogram, Value: 6, Count: 3},
	}
	require.NoError(t, rw.Push(context.Background(), samples))
	require.Equal(t, 1, calls)

	assert.Equal(t, "application/x-protobuf", gotHeader.Get("Content-Type"))
	assert.Equal(t, "snappy", gotHeader.Get("Content-Encoding"))
	assert.Equal(t, "0.1.0", gotHeader.Get("X-Prometheus-Remote-Write-Version"))
	assert.Contains(t, gotHeader.Get("Authorization"), "AWS4-HMAC-SHA256")
	assert.Contains(t, gotHeader.Get("Authorization"), "/us-west-2/aps/")
	assert.Equal(t, "SESSION", gotHeader.Get("X-Amz-Security-Token"))

	raw, err := snappy.Decode(nil, gotBody)
	require.NoError(t, err)
	var req prompb.WriteRequest
	require.NoError(t, proto.Unmarshal(raw, &req))
	require.Len(t, req.Timeseries, 4)

	name := func(ts prompb.TimeSeries) string { return ts.Labels[0].Value }
	assert.Equal(t, "requests", name(req.Timeseries[0]))
	assert.Equal(t, prompb.Label{Name: "api_path", Value: "list"}, req.Timeseries[0].Labels[1])
	assert.Equal(t, float64(5), req.Timeseries[0].Samples[0].Value)
	assert.Equal(t, now.UnixMilli(), req.Timeseries[0].Samples[0].Timestamp)

	assert.Equal(t, "queue_depth", name(req.Timeseries[1]))
	assert.Equal(t, float64(2.5), req.Timeseries[1].Samples[0].Value)

	assert.Equal(t, "latency_ms_count", name(req.Timeseries[2]))
	assert.Equal(t, float64(3), req.Timeseries[2].Samples[0].Value)
	assert.Equal(t, "latency_ms_sum", name(req.Timeseries[3]))
	assert.Equal(t, float64(6), req.Timeseries[3].Samples[0].Value)
}

func TestRemoteWritePushEmpty(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	rw, err := NewRemoteWrite(RemoteWriteConfig{
		AWSConfig: testAWSConfig(),
		URL:       server.URL,
		Region:    "us-west-2",
	})
	require.NoError(t, err)
	require.NoError(t, rw.Push(context.Background(), nil))
	assert.Zero(t, calls)
}

func TestRemoteWritePushRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of series", http.StatusBadRequest)
	}))
	defer server.Close()

	rw, err := NewRemoteWrite(RemoteWriteConfig{
		AWSConfig: testAWSConfig(),
		URL:       server.URL,
		Region:    "us-west-2",
	})
	require.NoError(t, err)

	err = rw.Push(context.Background(), []collector.Sample{{Name: "requests", Kind: collector.KindCounter, Value: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-OK response code: 400")
	assert.Contains(t, err.Error(), "out of series")
}

func TestRemoteWriteValidation(t *testing.T) {
	_, err := NewRemoteWrite(RemoteWriteConfig{Region: "us-west-2"})
	require.Error(t, err)
	_, err = NewRemoteWrite(RemoteWriteConfig{URL: "https://example.com"})
	require.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "api_path", sanitizeName("api-path"))
	assert.Equal(t, "_lives", sanitizeName("9lives"))
	assert.Equal(t, "latency_ms", sanitizeName("latency_ms"))
	assert.Equal(t, "requests_2xx", sanitizeName("requests.2xx"))
}
