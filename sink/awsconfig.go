// Package sink provides destinations for flushed EMF documents beyond
// a plain io.Writer: CloudWatch Logs delivery, CloudWatch PutMetricData
// re-publishing, and Amazon Managed Prometheus remote write.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go/logging"
	"go.uber.org/zap"
)

// AWSOptions configures NewAWSConfig.
type AWSOptions struct {
	Logger *zap.Logger
	Region string

	// DebugAPICalls turns on request and response body logging.
	DebugAPICalls bool

	// ResolverURL overrides the endpoint for all services. Specify a
	// custom endpoint for tests.
	ResolverURL string
	SigningName string
}

// NewAWSConfig loads the default AWS config with SDK logging bridged to
// zap.
func NewAWSConfig(opts AWSOptions) (aws.Config, error) {
	if opts.Logger == nil {
		return aws.Config{}, fmt.Errorf("missing logger")
	}
	if opts.Region == "" {
		return aws.Config{}, fmt.Errorf("missing region")
	}

	optFns := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithLogger(toLogger(opts.Logger)),
	}
	if opts.DebugAPICalls {
		lvl := aws.LogSigning |
			aws.LogRetries |
			aws.LogRequest |
			aws.LogRequestWithBody |
			aws.LogResponse |
			aws.LogResponseWithBody
		optFns = append(optFns, awsconfig.WithClientLogMode(lvl))
	}
	if opts.ResolverURL != "" {
		opts.Logger.Info(
			"setting endpoint resolver for all services",
			zap.String("resolver-url", opts.ResolverURL),
			zap.String("signing-name", opts.SigningName),
		)
		optFns = append(optFns, awsconfig.WithEndpointResolver(aws.EndpointResolverFunc(func(service string, region string) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:           opts.ResolverURL,
				SigningName:   opts.SigningName,
				SigningRegion: region,
				PartitionID:   "aws",
				Source:        aws.EndpointSourceCustom,
			}, nil
		})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load config %v", err)
	}
	return cfg, nil
}

// toLogger converts *zap.Logger to the smithy logging interface.
func toLogger(lg *zap.Logger) logging.Logger {
	return &zapLogger{lg}
}

type zapLogger struct {
	*zap.Logger
}

func (lg *zapLogger) Logf(c logging.Classification, format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	switch c {
	case logging.Warn:
		lg.Warn(msg)
	case logging.Debug:
		lg.Debug(msg)
	}
}
