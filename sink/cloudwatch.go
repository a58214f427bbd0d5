package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cloudwatchtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/aws/aws-emf-metrics/emf"
)

// PutMetricData accepts at most this many datums per call.
const maxDatumsPerCall = 1000

// CloudWatchAPI is the subset of the CloudWatch client used to
// re-publish documents.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// PutDocuments re-publishes decoded EMF documents through the
// PutMetricData API, batching up to 1000 datums per call. Documents
// keep their own namespace unless namespaceOverride is set. Scalar
// values ship as Value, sample arrays as Values.
func PutDocuments(ctx context.Context, lg *zap.Logger, client CloudWatchAPI, namespaceOverride string, docs []emf.Document) error {
	if lg == nil {
		lg = zap.NewNop()
	}
	if client == nil {
		return fmt.Errorf("missing CloudWatch client")
	}

	byNamespace := make(map[string][]cloudwatchtypes.MetricDatum)
	order := make([]string, 0, 4)
	for i := range docs {
		doc := &docs[i]
		namespace := doc.Namespace
		if namespaceOverride != "" {
			namespace = namespaceOverride
		}
		if _, ok := byNamespace[namespace]; !ok {
			order = append(order, namespace)
		}
		byNamespace[namespace] = append(byNamespace[namespace], datums(doc)...)
	}

	for _, namespace := range order {
		queued := byNamespace[namespace]
		for len(queued) > 0 {
			batch := queued
			if len(batch) > maxDatumsPerCall {
				batch = batch[:maxDatumsPerCall]
			}
			_, err := client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
				Namespace:  aws.String(namespace),
				MetricData: batch,
			})
			if err != nil {
				return fmt.Errorf("failed to put %d datums to %q (%v)", len(batch), namespace, err)
			}
			lg.Info("put metric data",
				zap.String("namespace", namespace),
				zap.String("datums", humanize.Comma(int64(len(batch)))),
			)
			queued = queued[len(batch):]
		}
	}
	return nil
}

// datums converts one document into PutMetricData datums, one per
// declared metric.
func datums(doc *emf.Document) []cloudwatchtypes.MetricDatum {
	dimensions := make([]cloudwatchtypes.Dimension, 0, len(doc.DimensionNames))
	for _, name := range doc.DimensionNames {
		dimensions = append(dimensions, cloudwatchtypes.Dimension{
			Name:  aws.String(name),
			Value: aws.String(doc.Dimensions[name]),
		})
	}
	timestamp := time.UnixMilli(doc.Timestamp)

	out := make([]cloudwatchtypes.MetricDatum, 0, len(doc.Metrics))
	for _, m := range doc.Metrics {
		unit, ok := emf.ParseUnit(m.Unit)
		if !ok {
			unit = cloudwatchtypes.StandardUnitNone
		}
		datum := cloudwatchtypes.MetricDatum{
			MetricName: aws.String(m.Name),
			Dimensions: dimensions,
			Timestamp:  aws.Time(timestamp),
			Unit:       unit,
		}
		switch v := doc.Values[m.Name].(type) {
		case []float64:
			datum.Values = v
		case float64:
			datum.Value = aws.Float64(v)
		case uint64:
			datum.Value = aws.Float64(float64(v))
		default:
			continue
		}
		out = append(out, datum)
	}
	return out
}
