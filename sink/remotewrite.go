package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"

	"github.com/aws/aws-emf-metrics/collector"
)

// RemoteWriteConfig configures a RemoteWrite sink.
type RemoteWriteConfig struct {
	Logger    *zap.Logger
	AWSConfig aws.Config

	// URL is the workspace remote write endpoint, e.g.
	// https://aps-workspaces.us-west-2.amazonaws.com/workspaces/ws-.../api/v1/remote_write
	URL string

	// Region signs the request for the "aps" service.
	Region string

	// RoleARN, when set, is assumed before signing.
	RoleARN string

	// HTTPClient overrides http.DefaultClient.
	HTTPClient *http.Client

	// Now overrides the sample timestamp source. Nil means time.Now.
	Now func() time.Time
}

// RemoteWrite pushes collector snapshots to an Amazon Managed
// Prometheus workspace using SigV4 authentication. Counters push their
// cumulative totals, gauges their current value, and histograms the
// <name>_count and <name>_sum pair over buffered samples.
type RemoteWrite struct {
	cfg RemoteWriteConfig
}

// NewRemoteWrite validates cfg and returns the sink.
func NewRemoteWrite(cfg RemoteWriteConfig) (*RemoteWrite, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("missing remote write URL")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("missing region")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &RemoteWrite{cfg: cfg}, nil
}

// Push writes one sample per series to the workspace. An empty
// snapshot is a no-op.
func (rw *RemoteWrite) Push(ctx context.Context, samples []collector.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	body, err := encodeWriteRequest(samples, rw.cfg.Now().UnixMilli())
	if err != nil {
		return err
	}

	creds, err := rw.credentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rw.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	hash := sha256.Sum256(body)
	if err = v4.NewSigner().SignHTTP(ctx, creds, req, hex.EncodeToString(hash[:]), "aps", rw.cfg.Region, rw.cfg.Now()); err != nil {
		return fmt.Errorf("failed to sign the request: %w", err)
	}

	resp, err := rw.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		res, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("received non-OK response code: %d, response body: %s", resp.StatusCode, string(res))
	}

	rw.cfg.Logger.Debug("pushed snapshot",
		zap.Int("series", len(samples)),
		zap.String("url", rw.cfg.URL),
	)
	return nil
}

func (rw *RemoteWrite) credentials(ctx context.Context) (aws.Credentials, error) {
	if rw.cfg.RoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(rw.cfg.AWSConfig), rw.cfg.RoleARN)
		return provider.Retrieve(ctx)
	}
	return rw.cfg.AWSConfig.Credentials.Retrieve(ctx)
}

// encodeWriteRequest converts samples to a snappy-compressed prompb
// write request.
func encodeWriteRequest(samples []collector.Sample, timestamp int64) ([]byte, error) {
	series := make([]prompb.TimeSeries, 0, len(samples))
	add := func(name string, labels map[string]string, value float64) {
		ls := append([]prompb.Label{{Name: "__name__", Value: sanitizeName(name)}}, sortedLabels(labels)...)
		series = append(series, prompb.TimeSeries{
			Labels:  ls,
			Samples: []prompb.Sample{{Value: value, Timestamp: timestamp}},
		})
	}

	for _, s := range samples {
		switch s.Kind {
		case collector.KindCounter, collector.KindGauge:
			add(s.Name, s.Labels, s.Value)
		case collector.KindHistogram:
			add(s.Name+"_count", s.Labels, float64(s.Count))
			add(s.Name+"_sum", s.Labels, s.Value)
		}
	}

	data, err := proto.Marshal(&prompb.WriteRequest{Timeseries: series})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal write request: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

func sortedLabels(labels map[string]string) []prompb.Label {
	if len(labels) == 0 {
		return nil
	}
	out := make([]prompb.Label, 0, len(labels))
	for name, value := range labels {
		out = append(out, prompb.Label{Name: sanitizeName(name), Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// sanitizeName maps arbitrary metric and label names onto the
// Prometheus name alphabet.
func sanitizeName(name string) string {
	out := []byte(name)
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				out[i] = '_'
			}
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
