// Package collector implements a concurrent metric collector that
// aggregates counters, gauges, and histograms in memory and flushes them
// as CloudWatch Embedded Metric Format documents.
package collector

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Label is one metric label, emitted as an EMF dimension.
type Label struct {
	Name  string
	Value string
}

// separator cannot appear in valid UTF-8 label names or values, so the
// canonical forms below are collision-free.
const separator = "\xff"

// metricKey is the canonical identity of one metric series: a name plus
// labels sorted by name. Two keys built from maps with the same contents
// are equal regardless of map iteration order.
type metricKey struct {
	name   string
	labels []Label
}

func newMetricKey(name string, labels map[string]string) metricKey {
	k := metricKey{name: name}
	if len(labels) == 0 {
		return k
	}
	k.labels = make([]Label, 0, len(labels))
	for n, v := range labels {
		k.labels = append(k.labels, Label{Name: n, Value: v})
	}
	sort.Slice(k.labels, func(i, j int) bool { return k.labels[i].Name < k.labels[j].Name })
	return k
}

// ident is the canonical string form of the key, used as the registry map
// key and as the shard hash input.
func (k metricKey) ident() string {
	if len(k.labels) == 0 {
		return k.name
	}
	var b strings.Builder
	b.Grow(len(k.name) + 16*len(k.labels))
	b.WriteString(k.name)
	for _, l := range k.labels {
		b.WriteString(separator)
		b.WriteString(l.Name)
		b.WriteString(separator)
		b.WriteString(l.Value)
	}
	return b.String()
}

// groupIdent is the canonical string form of the key's labels alone.
// Entries with equal groupIdents share one document at flush.
func (k metricKey) groupIdent() string {
	if len(k.labels) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(16 * len(k.labels))
	for _, l := range k.labels {
		b.WriteString(l.Name)
		b.WriteString(separator)
		b.WriteString(l.Value)
		b.WriteString(separator)
	}
	return b.String()
}

func (k metricKey) labelMap() map[string]string {
	if len(k.labels) == 0 {
		return nil
	}
	m := make(map[string]string, len(k.labels))
	for _, l := range k.labels {
		m[l.Name] = l.Value
	}
	return m
}

func shardIndex(ident string) uint64 {
	return xxhash.Sum64String(ident) % shardCount
}
