package emf

import (
	"encoding/json"
	"fmt"
)

// UnmarshalJSON parses one EMF JSON object back into a Document. The
// object must carry a "_aws" member with exactly one CloudWatchMetrics
// directive; every declared dimension and metric must be present as a
// sibling field. Siblings that are neither dimensions nor metric values
// are collected into Properties.
func (d *Document) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	raw, ok := fields["_aws"]
	if !ok {
		return fmt.Errorf(`missing "_aws" metadata`)
	}
	delete(fields, "_aws")

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf(`invalid "_aws" metadata (%v)`, err)
	}
	if n := len(meta.CloudWatchMetrics); n != 1 {
		return fmt.Errorf("expected exactly 1 CloudWatchMetrics directive, got %d", n)
	}
	directive := meta.CloudWatchMetrics[0]
	if n := len(directive.Dimensions); n > 1 {
		return fmt.Errorf("expected at most 1 dimension set, got %d", n)
	}

	d.Timestamp = meta.Timestamp
	d.Namespace = directive.Namespace
	d.DimensionNames = nil
	d.Dimensions = make(map[string]string)
	d.Metrics = directive.Metrics
	d.Values = make(map[string]interface{})
	d.Properties = make(map[string]interface{})

	if len(directive.Dimensions) == 1 {
		d.DimensionNames = directive.Dimensions[0]
	}
	for _, name := range d.DimensionNames {
		raw, ok := fields[name]
		if !ok {
			return fmt.Errorf("dimension %q has no sibling value", name)
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("dimension %q is not a string (%v)", name, err)
		}
		d.Dimensions[name] = v
		delete(fields, name)
	}

	for _, m := range d.Metrics {
		raw, ok := fields[m.Name]
		if !ok {
			return fmt.Errorf("metric %q has no sibling value", m.Name)
		}
		v, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("metric %q (%v)", m.Name, err)
		}
		d.Values[m.Name] = v
		delete(fields, m.Name)
	}

	for name, raw := range fields {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("property %q (%v)", name, err)
		}
		d.Properties[name] = v
	}
	return nil
}

func decodeValue(raw json.RawMessage) (interface{}, error) {
	if len(raw) > 0 && raw[0] == '[' {
		var vs []float64
		if err := json.Unmarshal(raw, &vs); err != nil {
			return nil, fmt.Errorf("not a numeric array (%v)", err)
		}
		return vs, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("not a number (%v)", err)
	}
	return v, nil
}

// Validate checks the document against CloudWatch EMF limits.
func (d *Document) Validate() error {
	if d.Namespace == "" {
		return fmt.Errorf("empty Namespace")
	}
	if d.Timestamp <= 0 {
		return fmt.Errorf("invalid Timestamp %d", d.Timestamp)
	}
	if n := len(d.DimensionNames); n > MaxDimensions {
		return fmt.Errorf("%d dimensions exceeds CloudWatch limit %d", n, MaxDimensions)
	}
	for _, name := range d.DimensionNames {
		if name == "" {
			return fmt.Errorf("empty dimension name")
		}
		if _, ok := d.Dimensions[name]; !ok {
			return fmt.Errorf("dimension %q has no value", name)
		}
	}
	if len(d.Metrics) == 0 {
		return fmt.Errorf("no metrics declared")
	}
	seen := make(map[string]struct{}, len(d.Metrics))
	for _, m := range d.Metrics {
		if m.Name == "" {
			return fmt.Errorf("empty metric name")
		}
		if _, ok := seen[m.Name]; ok {
			return fmt.Errorf("duplicate metric %q", m.Name)
		}
		seen[m.Name] = struct{}{}
		if m.Unit != "" {
			if _, ok := ParseUnit(m.Unit); !ok {
				return fmt.Errorf("metric %q has unknown unit %q", m.Name, m.Unit)
			}
		}
		v, ok := d.Values[m.Name]
		if !ok {
			return fmt.Errorf("metric %q has no value", m.Name)
		}
		if vs, ok := v.([]float64); ok {
			if len(vs) == 0 {
				return fmt.Errorf("metric %q has empty value array", m.Name)
			}
			if len(vs) > MaxValues {
				return fmt.Errorf("metric %q carries %d values, exceeds CloudWatch limit %d", m.Name, len(vs), MaxValues)
			}
		}
	}
	return nil
}
