// Package promemf converts the state of a Prometheus registry into
// CloudWatch Embedded Metric Format documents, so code instrumented
// with client_golang can ship to CloudWatch without re-instrumenting.
package promemf

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/aws/aws-emf-metrics/emf"
)

const separator = "\xff"

// Gather collects g once and returns one document per distinct label
// set. Counters, gauges, and untyped metrics map to scalar values;
// histograms and summaries map to the <name>_count and <name>_sum
// pair. Series whose labels exceed the CloudWatch dimension limit are
// skipped and reported in the returned error alongside the remaining
// documents.
func Gather(g prometheus.Gatherer, namespace string, now func() time.Time) ([]emf.Document, error) {
	if namespace == "" {
		return nil, fmt.Errorf("empty namespace")
	}
	if now == nil {
		now = time.Now
	}
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %v", err)
	}

	timestamp := now().UnixMilli()
	groups := make(map[string]*emf.Document)
	skipped := 0

	add := func(labels []*dto.LabelPair, name string, value float64) {
		if len(labels) > emf.MaxDimensions {
			skipped++
			return
		}
		ident := labelIdent(labels)
		doc := groups[ident]
		if doc == nil {
			doc = &emf.Document{
				Timestamp:  timestamp,
				Namespace:  namespace,
				Dimensions: make(map[string]string, len(labels)),
				Values:     make(map[string]interface{}),
			}
			for _, l := range labels {
				doc.DimensionNames = append(doc.DimensionNames, l.GetName())
				doc.Dimensions[l.GetName()] = l.GetValue()
			}
			sort.Strings(doc.DimensionNames)
			groups[ident] = doc
		}
		doc.Metrics = append(doc.Metrics, emf.Descriptor{Name: name})
		doc.Values[name] = value
	}

	for _, mf := range families {
		name := mf.GetName()
		for _, m := range mf.Metric {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				add(m.Label, name, m.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				add(m.Label, name, m.GetGauge().GetValue())
			case dto.MetricType_UNTYPED:
				add(m.Label, name, m.GetUntyped().GetValue())
			case dto.MetricType_HISTOGRAM:
				add(m.Label, name+"_count", float64(m.GetHistogram().GetSampleCount()))
				add(m.Label, name+"_sum", m.GetHistogram().GetSampleSum())
			case dto.MetricType_SUMMARY:
				add(m.Label, name+"_count", float64(m.GetSummary().GetSampleCount()))
				add(m.Label, name+"_sum", m.GetSummary().GetSampleSum())
			}
		}
	}

	idents := make([]string, 0, len(groups))
	for ident := range groups {
		idents = append(idents, ident)
	}
	sort.Strings(idents)

	docs := make([]emf.Document, 0, len(groups))
	for _, ident := range idents {
		doc := groups[ident]
		sort.Slice(doc.Metrics, func(i, j int) bool { return doc.Metrics[i].Name < doc.Metrics[j].Name })
		docs = append(docs, *doc)
	}
	if skipped > 0 {
		return docs, fmt.Errorf("skipped %d series exceeding %d dimensions", skipped, emf.MaxDimensions)
	}
	return docs, nil
}

// Write serializes each document as one JSON line.
func Write(w io.Writer, docs []emf.Document) error {
	for i := range docs {
		b, err := docs[i].MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to encode document %d (%v)", i, err)
		}
		b = append(b, '\n')
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func labelIdent(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+separator+l.GetValue())
	}
	sort.Strings(parts)
	return strings.Join(parts, separator)
}
