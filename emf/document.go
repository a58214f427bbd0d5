// Package emf implements encoding and decoding of Amazon CloudWatch
// Embedded Metric Format (EMF) documents.
// ref. https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package emf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	// MaxDimensions is the maximum number of dimensions CloudWatch accepts
	// for a single metric.
	MaxDimensions = 30

	// MaxValues is the maximum number of values a single metric may carry
	// in one document.
	MaxValues = 100
)

// Descriptor declares one metric inside a document's metric directive.
type Descriptor struct {
	Name string `json:"Name"`
	Unit string `json:"Unit,omitempty"`
}

// Directive is one entry of the "_aws".CloudWatchMetrics array.
type Directive struct {
	Namespace  string       `json:"Namespace"`
	Dimensions [][]string   `json:"Dimensions"`
	Metrics    []Descriptor `json:"Metrics"`
}

// Metadata is the top-level "_aws" object.
type Metadata struct {
	Timestamp         int64       `json:"Timestamp"`
	CloudWatchMetrics []Directive `json:"CloudWatchMetrics"`
}

// Document is a single EMF log line: one namespace, one dimension set
// resolved to concrete values, the metrics it carries, and free-form
// properties. Metric values and properties serialize as siblings of the
// "_aws" metadata object.
type Document struct {
	// Timestamp is epoch milliseconds.
	Timestamp int64
	Namespace string

	// DimensionNames is the single dimension set declared by the document,
	// in emission order.
	DimensionNames []string
	// Dimensions maps each declared dimension name to its value.
	Dimensions map[string]string

	// Metrics lists the declared metric descriptors in emission order.
	Metrics []Descriptor
	// Values maps each declared metric name to its emitted value:
	// uint64 or float64 for scalars, []float64 for sample arrays.
	Values map[string]interface{}

	// Properties are additional sibling fields attached to the document.
	Properties map[string]interface{}
}

// MarshalJSON serializes the document as one EMF JSON object. Sibling
// regions are written in a fixed order (dimensions, properties, values)
// with each region's keys sorted, so output is byte-stable for identical
// inputs.
func (d *Document) MarshalJSON() ([]byte, error) {
	meta := Metadata{
		Timestamp: d.Timestamp,
		CloudWatchMetrics: []Directive{
			{
				Namespace:  d.Namespace,
				Dimensions: [][]string{d.dimensionSet()},
				Metrics:    d.metrics(),
			},
		},
	}

	buf := bytes.NewBuffer(make([]byte, 0, 256))
	buf.WriteString(`{"_aws":`)
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	buf.Write(b)

	write := func(name string, v interface{}) error {
		buf.WriteByte(',')
		nb, err := json.Marshal(name)
		if err != nil {
			return err
		}
		buf.Write(nb)
		buf.WriteByte(':')
		vb, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal field %q (%v)", name, err)
		}
		buf.Write(vb)
		return nil
	}

	for _, name := range sortedKeys(d.Dimensions) {
		if err := write(name, d.Dimensions[name]); err != nil {
			return nil, err
		}
	}
	props := make([]string, 0, len(d.Properties))
	for name := range d.Properties {
		props = append(props, name)
	}
	sort.Strings(props)
	for _, name := range props {
		if err := write(name, d.Properties[name]); err != nil {
			return nil, err
		}
	}
	values := make([]string, 0, len(d.Values))
	for name := range d.Values {
		values = append(values, name)
	}
	sort.Strings(values)
	for _, name := range values {
		if err := write(name, d.Values[name]); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *Document) dimensionSet() []string {
	if d.DimensionNames != nil {
		return d.DimensionNames
	}
	return []string{}
}

func (d *Document) metrics() []Descriptor {
	if d.Metrics != nil {
		return d.Metrics
	}
	return []Descriptor{}
}

func sortedKeys(m map[string]string) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
