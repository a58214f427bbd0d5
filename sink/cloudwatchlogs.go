package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logstypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// PutLogEvents limits.
// ref. https://docs.aws.amazon.com/AmazonCloudWatchLogs/latest/APIReference/API_PutLogEvents.html
const (
	maxBatchEvents = 10000
	maxBatchBytes  = 1048576
	// eventOverhead is the per-event cost counted against the batch
	// byte limit.
	eventOverhead = 26
	// maxEventBytes bounds one event message.
	maxEventBytes = 262144 - eventOverhead
)

// CloudWatchLogsAPI is the subset of the CloudWatch Logs client the
// sink calls.
type CloudWatchLogsAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchLogs delivers EMF documents to a CloudWatch Logs stream for
// environments where stdout is not scraped into a log group. Each
// written line becomes one log event; batches ship when PutLogEvents
// limits fill up and on Flush or Close.
type CloudWatchLogs struct {
	lg     *zap.Logger
	client CloudWatchLogsAPI
	group  string
	stream string
	now    func() time.Time

	mu      sync.Mutex
	events  []logstypes.InputLogEvent
	size    int
	created bool
}

// NewCloudWatchLogs returns a sink writing to the given log group and
// stream, creating both on first delivery when missing.
func NewCloudWatchLogs(lg *zap.Logger, client CloudWatchLogsAPI, group string, stream string) (*CloudWatchLogs, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if client == nil {
		return nil, fmt.Errorf("missing CloudWatch Logs client")
	}
	if group == "" {
		return nil, fmt.Errorf("missing log group name")
	}
	if stream == "" {
		return nil, fmt.Errorf("missing log stream name")
	}
	return &CloudWatchLogs{
		lg:     lg,
		client: client,
		group:  group,
		stream: stream,
		now:    time.Now,
	}, nil
}

// Write queues each newline-separated document in p as one log event.
// A full batch ships synchronously before queueing continues.
func (s *CloudWatchLogs) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		if len(line) > maxEventBytes {
			return 0, fmt.Errorf("document of %d bytes exceeds log event limit %d", len(line), maxEventBytes)
		}
		cost := len(line) + eventOverhead
		if len(s.events) >= maxBatchEvents || s.size+cost > maxBatchBytes {
			if err := s.ship(context.Background()); err != nil {
				return 0, err
			}
		}
		s.events = append(s.events, logstypes.InputLogEvent{
			Message:   aws.String(string(line)),
			Timestamp: aws.Int64(s.now().UnixMilli()),
		})
		s.size += cost
	}
	return len(p), nil
}

// Flush ships all queued events.
func (s *CloudWatchLogs) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ship(ctx)
}

// Close ships the remaining events.
func (s *CloudWatchLogs) Close() error {
	return s.Flush(context.Background())
}

// ship sends the queued batch. Callers must hold mu.
func (s *CloudWatchLogs) ship(ctx context.Context) error {
	if len(s.events) == 0 {
		return nil
	}
	if !s.created {
		if err := s.ensureStream(ctx); err != nil {
			return err
		}
		s.created = true
	}

	_, err := s.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
		LogEvents:     s.events,
	})
	if err != nil {
		return fmt.Errorf("failed to put log events (%v)", err)
	}
	s.lg.Info("shipped log events",
		zap.String("log-group", s.group),
		zap.String("log-stream", s.stream),
		zap.Int("events", len(s.events)),
		zap.String("size", humanize.Bytes(uint64(s.size))),
	)
	s.events = nil
	s.size = 0
	return nil
}

func (s *CloudWatchLogs) ensureStream(ctx context.Context) error {
	_, err := s.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(s.group),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("failed to create log group %q (%v)", s.group, err)
	}
	_, err = s.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(s.stream),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("failed to create log stream %q (%v)", s.stream, err)
	}
	return nil
}

func alreadyExists(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceAlreadyExistsException"
}
