package sink

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logstypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aws/aws-emf-metrics/collector"
)

type fakeLogsClient struct {
	groupCalls  int
	streamCalls int
	groupErr    error
	streamErr   error
	putErr      error
	batches     [][]logstypes.InputLogEvent
}

func (f *fakeLogsClient) CreateLogGroup(_ context.Context, _ *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	f.groupCalls++
	if f.groupErr != nil {
		return nil, f.groupErr
	}
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogsClient) CreateLogStream(_ context.Context, _ *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.streamCalls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeLogsClient) PutLogEvents(_ context.Context, params *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.batches = append(f.batches, params.LogEvents)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func TestCloudWatchLogsShipsOnFlush(t *testing.T) {
	client := &fakeLogsClient{}
	s, err := NewCloudWatchLogs(zap.NewNop(), client, "/emf/metrics", "host-1")
	require.NoError(t, err)

	for _, line := range []string{`{"a":1}`, `{"b":2}`, `{"c":3}`} {
		_, err := s.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.Empty(t, client.batches)

	require.NoError(t, s.Flush(context.Background()))
	require.Len(t, client.batches, 1)
	require.Len(t, client.batches[0], 3)
	assert.Equal(t, `{"a":1}`, *client.batches[0][0].Message)
	assert.Equal(t, `{"c":3}`, *client.batches[0][2].Message)
	assert.Equal(t, 1, client.groupCalls)
	assert.Equal(t, 1, client.streamCalls)

	// nothing queued, nothing shipped
	require.NoError(t, s.Flush(context.Background()))
	assert.Len(t, client.batches, 1)
	assert.Equal(t, 1, client.groupCalls)
}

func TestCloudWatchLogsBatchBySize(t *testing.T) {
	client := &fakeLogsClient{}
	s, err := NewCloudWatchLogs(zap.NewNop(), client, "/emf/metrics", "host-1")
	require.NoError(t, err)

	line := append(bytes.Repeat([]byte("x"), 200000), '\n')
	for i := 0; i < 6; i++ {
		_, err := s.Write(line)
		require.NoError(t, err)
	}

	// the sixth event would cross the byte limit, so five shipped early
	require.Len(t, client.batches, 1)
	assert.Len(t, client.batches[0], 5)

	require.NoError(t, s.Close())
	require.Len(t, client.batches, 2)
	assert.Len(t, client.batches[1], 1)
}

func TestCloudWatchLogsEventTooLarge(t *testing.T) {
	s, err := NewCloudWatchLogs(zap.NewNop(), &fakeLogsClient{}, "/emf/metrics", "host-1")
	require.NoError(t, err)

	_, err = s.Write(bytes.Repeat([]byte("x"), maxEventBytes+1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds log event limit")
}

func TestCloudWatchLogsExistingGroupAndStream(t *testing.T) {
	client := &fakeLogsClient{
		groupErr:  &logstypes.ResourceAlreadyExistsException{},
		streamErr: &logstypes.ResourceAlreadyExistsException{},
	}
	s, err := NewCloudWatchLogs(zap.NewNop(), client, "/emf/metrics", "host-1")
	require.NoError(t, err)

	_, err = s.Write([]byte(`{"a":1}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, s.Flush(context.Background()))
	require.Len(t, client.batches, 1)
}

func TestCloudWatchLogsPutFailure(t *testing.T) {
	client := &fakeLogsClient{putErr: errors.New("throttled")}
	s, err := NewCloudWatchLogs(zap.NewNop(), client, "/emf/metrics", "host-1")
	require.NoError(t, err)

	_, err = s.Write([]byte(`{"a":1}` + "\n"))
	require.NoError(t, err)
	err = s.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestCloudWatchLogsValidation(t *testing.T) {
	_, err := NewCloudWatchLogs(zap.NewNop(), nil, "g", "s")
	require.Error(t, err)
	_, err = NewCloudWatchLogs(zap.NewNop(), &fakeLogsClient{}, "", "s")
	require.Error(t, err)
	_, err = NewCloudWatchLogs(zap.NewNop(), &fakeLogsClient{}, "g", "")
	require.Error(t, err)
}

func TestCloudWatchLogsAsCollectorWriter(t *testing.T) {
	client := &fakeLogsClient{}
	s, err := NewCloudWatchLogs(zap.NewNop(), client, "/emf/metrics", "host-1")
	require.NoError(t, err)

	c, err := collector.New(collector.Config{
		Namespace: "namespace",
		Now:       func() time.Time { return time.UnixMilli(1687657545423) },
		Writer:    s,
	})
	require.NoError(t, err)
	defer c.Close()

	c.IncrementCounter("requests", nil, 2)
	require.NoError(t, c.Flush(nil))
	require.NoError(t, s.Flush(context.Background()))

	require.Len(t, client.batches, 1)
	require.Len(t, client.batches[0], 1)
	message := *client.batches[0][0].Message
	assert.False(t, strings.HasSuffix(message, "\n"))
	assert.Contains(t, message, `"requests":2`)
	assert.Contains(t, message, `"Namespace":"namespace"`)
}
