package collector

import (
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	cloudwatchtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/aws/aws-emf-metrics/emf"
)

// ErrAlreadyInstalled is returned by Install when a process-wide
// collector already exists.
var ErrAlreadyInstalled = errors.New("collector already installed")

// Recorder is the recording surface handed to instrumented code. All
// methods are safe for concurrent use and never fail; invalid calls are
// dropped and reported through the configured DiagnosticSink.
type Recorder interface {
	// IncrementCounter adds amount to the counter registered under name
	// and labels.
	IncrementCounter(name string, labels map[string]string, amount uint64)
	// SetGauge replaces the value of the gauge registered under name and
	// labels.
	SetGauge(name string, labels map[string]string, value float64)
	// RecordHistogram appends one sample to the histogram registered
	// under name and labels.
	RecordHistogram(name string, labels map[string]string, sample float64)
	// DescribeUnit attaches a CloudWatch unit to every series of name.
	// Unrecognized units clear a previously attached one.
	DescribeUnit(name string, unit string)
}

// Collector aggregates metrics in memory and flushes them as EMF
// documents, one JSON line per document.
type Collector struct {
	cfg Config
	reg *registry

	units sync.Map // metric name -> cloudwatchtypes.StandardUnit

	propMu sync.Mutex
	props  map[string]interface{}

	// flushMu serializes document writes across Flush, FlushSingle, and
	// the background flush loop.
	flushMu sync.Mutex

	coldStart atomic.Bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ Recorder = (*Collector)(nil)

var defaultCollector atomic.Pointer[Collector]

// New validates cfg and returns a Collector. When
// cfg.AutoFlushInterval is set, a background flush loop runs until
// Close.
func New(cfg Config) (*Collector, error) {
	c, err := newCollector(cfg)
	if err != nil {
		return nil, err
	}
	c.start()
	return c, nil
}

// Install creates a Collector and claims the process-wide slot returned
// by Default. It fails with ErrAlreadyInstalled when the slot is taken.
func Install(cfg Config) (*Collector, error) {
	c, err := newCollector(cfg)
	if err != nil {
		return nil, err
	}
	if !defaultCollector.CompareAndSwap(nil, c) {
		return nil, ErrAlreadyInstalled
	}
	c.start()
	return c, nil
}

// Default returns the installed process-wide Collector, or nil.
func Default() *Collector {
	return defaultCollector.Load()
}

// Uninstall releases the process-wide slot and closes its Collector.
// Intended for test teardown.
func Uninstall() {
	if c := defaultCollector.Swap(nil); c != nil {
		c.Close()
	}
}

func newCollector(cfg Config) (*Collector, error) {
	if err := cfg.validateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Collector{
		cfg:  cfg,
		reg:  newRegistry(),
		done: make(chan struct{}),
	}, nil
}

func (c *Collector) start() {
	if c.cfg.AutoFlushInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.run()
}

func (c *Collector) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AutoFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Flush(nil); err != nil {
				c.cfg.Logger.Warn("auto flush failed", zap.Error(err))
			}
		}
	}
}

// Close stops the background flush loop. Pending metric state stays
// registered; call Flush first to drain it.
func (c *Collector) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

// Config returns a copy of the collector configuration. Map and
// interface fields are shared; treat them as read-only.
func (c *Collector) Config() Config {
	return c.cfg
}

// ColdStart returns true on the first call for this Collector and false
// forever after.
func (c *Collector) ColdStart() bool {
	return c.coldStart.CompareAndSwap(false, true)
}

func (c *Collector) IncrementCounter(name string, labels map[string]string, amount uint64) {
	if e := c.lookup(name, labels, KindCounter); e != nil {
		e.counter.add(amount)
	}
}

func (c *Collector) SetGauge(name string, labels map[string]string, value float64) {
	if e := c.lookup(name, labels, KindGauge); e != nil {
		e.gauge.set(value)
	}
}

func (c *Collector) RecordHistogram(name string, labels map[string]string, sample float64) {
	if e := c.lookup(name, labels, KindHistogram); e != nil {
		e.histogram.record(sample)
	}
}

func (c *Collector) DescribeUnit(name string, unit string) {
	u, ok := emf.ParseUnit(unit)
	if !ok || u == cloudwatchtypes.StandardUnitNone {
		c.units.Delete(name)
		return
	}
	c.units.Store(name, u)
}

// lookup validates one recording call and resolves its entry. Invalid
// calls report a diagnostic and return nil.
func (c *Collector) lookup(name string, labels map[string]string, kind Kind) *entry {
	if len(c.cfg.Dimensions)+len(labels) > emf.MaxDimensions {
		c.cfg.Diagnostics.Report(Diagnostic{Kind: DimensionOverflow, Metric: name, Labels: labels})
		return nil
	}
	for label := range labels {
		if _, ok := c.cfg.Dimensions[label]; ok {
			c.cfg.Diagnostics.Report(Diagnostic{Kind: LabelDimensionCollision, Metric: name, Labels: labels, Label: label})
			return nil
		}
	}
	if bound, ok := c.reg.bindKind(name, kind); !ok {
		c.cfg.Diagnostics.Report(Diagnostic{Kind: TypeMismatch, Metric: name, Expected: bound, Actual: kind})
		return nil
	}
	return c.reg.lookup(newMetricKey(name, labels), kind)
}

func (c *Collector) unitFor(name string) string {
	if u, ok := c.units.Load(name); ok {
		return string(u.(cloudwatchtypes.StandardUnit))
	}
	return ""
}

// SetProperty stages a property that will be attached to every document
// of the next flush. Staged properties are cleared once flushed.
func (c *Collector) SetProperty(name string, value interface{}) *Collector {
	c.propMu.Lock()
	defer c.propMu.Unlock()
	if c.props == nil {
		c.props = make(map[string]interface{})
	}
	c.props[name] = value
	return c
}

// RemoveProperty drops a staged property before it is flushed.
func (c *Collector) RemoveProperty(name string) *Collector {
	c.propMu.Lock()
	defer c.propMu.Unlock()
	delete(c.props, name)
	return c
}

func (c *Collector) takeProperties() map[string]interface{} {
	c.propMu.Lock()
	defer c.propMu.Unlock()
	props := c.props
	c.props = nil
	if props == nil {
		props = make(map[string]interface{})
	}
	return props
}

// flushGroup collects the metrics that share one label set and hence
// one document.
type flushGroup struct {
	key    metricKey
	values []flushValue
}

type flushValue struct {
	name  string
	value interface{}
}

// Flush drains pending metric state and writes one EMF JSON line per
// distinct label set to w (nil means the configured writer). Counters
// reset to zero, histograms empty, gauges keep their value. Staged
// properties are attached to every document and cleared. Documents that
// fail to encode or write are reported as EncodingFailure diagnostics;
// the remaining documents are still attempted and the first error is
// returned.
func (c *Collector) Flush(w io.Writer) error {
	return c.FlushWithProperties(w, nil)
}

// FlushWithProperties is Flush with extra properties merged over the
// staged ones for this flush only.
func (c *Collector) FlushWithProperties(w io.Writer, extra map[string]interface{}) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if w == nil {
		w = c.cfg.Writer
	}

	timestamp := c.cfg.Now().UnixMilli()
	props := c.takeProperties()
	for name, value := range extra {
		props[name] = value
	}

	groups := make(map[string]*flushGroup)
	for _, e := range c.reg.all() {
		value, ok := c.emissionValue(e)
		if !ok {
			continue
		}
		ident := e.key.groupIdent()
		g := groups[ident]
		if g == nil {
			g = &flushGroup{key: e.key}
			groups[ident] = g
		}
		g.values = append(g.values, flushValue{name: e.key.name, value: value})
	}

	idents := make([]string, 0, len(groups))
	for ident := range groups {
		idents = append(idents, ident)
	}
	sort.Strings(idents)

	var firstErr error
	for _, ident := range idents {
		doc := c.document(timestamp, groups[ident], props)
		if err := writeDocument(w, doc); err != nil {
			c.cfg.Diagnostics.Report(Diagnostic{Kind: EncodingFailure, Metric: doc.Metrics[0].Name, Err: err})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// emissionValue drains or reads one entry per its kind and applies the
// zero-omission rules.
func (c *Collector) emissionValue(e *entry) (interface{}, bool) {
	switch e.kind {
	case KindCounter:
		delta := e.counter.drain()
		if delta == 0 && !c.cfg.EmitZeros {
			return nil, false
		}
		return delta, true
	case KindGauge:
		value, dirty := e.gauge.peek()
		if value == 0 && !dirty && !c.cfg.EmitZeros {
			return nil, false
		}
		return value, true
	case KindHistogram:
		samples, dropped := e.histogram.drain()
		if dropped > 0 {
			c.cfg.Diagnostics.Report(Diagnostic{Kind: HistogramOverflow, Metric: e.key.name, Dropped: dropped})
		}
		if len(samples) == 0 {
			return nil, false
		}
		return samples, true
	}
	return nil, false
}

// document builds one EMF document for a flush group: global dimensions
// first, then the group's labels, each region sorted by name.
func (c *Collector) document(timestamp int64, g *flushGroup, props map[string]interface{}) *emf.Document {
	names := make([]string, 0, len(c.cfg.Dimensions)+len(g.key.labels))
	dims := make(map[string]string, len(c.cfg.Dimensions)+len(g.key.labels))
	for name, value := range c.cfg.Dimensions {
		names = append(names, name)
		dims[name] = value
	}
	sort.Strings(names)
	for _, l := range g.key.labels {
		names = append(names, l.Name)
		dims[l.Name] = l.Value
	}

	sort.Slice(g.values, func(i, j int) bool { return g.values[i].name < g.values[j].name })
	metrics := make([]emf.Descriptor, 0, len(g.values))
	values := make(map[string]interface{}, len(g.values))
	for _, v := range g.values {
		metrics = append(metrics, emf.Descriptor{Name: v.name, Unit: c.unitFor(v.name)})
		values[v.name] = v.value
	}

	return &emf.Document{
		Timestamp:      timestamp,
		Namespace:      c.cfg.Namespace,
		DimensionNames: names,
		Dimensions:     dims,
		Metrics:        metrics,
		Values:         values,
		Properties:     props,
	}
}

// FlushSingle writes one document carrying a single metric value
// without touching registered series, units for other names, or staged
// properties. The document declares the global dimensions and the given
// properties.
func (c *Collector) FlushSingle(w io.Writer, name string, kind Kind, value float64, props map[string]interface{}) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if w == nil {
		w = c.cfg.Writer
	}

	var v interface{}
	switch kind {
	case KindCounter:
		v = uint64(value)
	case KindHistogram:
		v = []float64{value}
	default:
		v = value
	}

	names := make([]string, 0, len(c.cfg.Dimensions))
	for n := range c.cfg.Dimensions {
		names = append(names, n)
	}
	sort.Strings(names)

	return writeDocument(w, &emf.Document{
		Timestamp:      c.cfg.Now().UnixMilli(),
		Namespace:      c.cfg.Namespace,
		DimensionNames: names,
		Dimensions:     c.cfg.Dimensions,
		Metrics:        []emf.Descriptor{{Name: name, Unit: c.unitFor(name)}},
		Values:         map[string]interface{}{name: v},
		Properties:     props,
	})
}

func writeDocument(w io.Writer, doc *emf.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}

// Sample is one point-in-time observation returned by Snapshot.
type Sample struct {
	Name   string
	Labels map[string]string
	Kind   Kind

	// Value holds the cumulative total for counters, the current value
	// for gauges, and the sum of buffered samples for histograms.
	Value float64
	// Count holds the cumulative total for counters and the buffered
	// sample count for histograms.
	Count uint64
}

// Snapshot reports the current state of every registered series without
// draining anything. Counters report cumulative totals unaffected by
// flushes.
func (c *Collector) Snapshot() []Sample {
	entries := c.reg.all()
	out := make([]Sample, 0, len(entries))
	for _, e := range entries {
		s := Sample{Name: e.key.name, Labels: e.key.labelMap(), Kind: e.kind}
		switch e.kind {
		case KindCounter:
			total := e.counter.cumulative()
			s.Value, s.Count = float64(total), total
		case KindGauge:
			s.Value = e.gauge.load()
		case KindHistogram:
			s.Count, s.Value = e.histogram.pending()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return metricKeyOf(out[i]).ident() < metricKeyOf(out[j]).ident()
	})
	return out
}

func metricKeyOf(s Sample) metricKey {
	return newMetricKey(s.Name, s.Labels)
}
