package collector

import (
	"math"
	"sync"
	"sync/atomic"
)

// Kind identifies the metric variant bound to a name. The first
// recording call for a name fixes its kind for the process lifetime.
type Kind uint8

const (
	KindCounter Kind = iota
	KindGauge
	KindHistogram
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	case KindHistogram:
		return "histogram"
	}
	return "unknown"
}

// maxSamples bounds one histogram reservoir between flushes. Records
// beyond the bound are dropped and surface as an overflow diagnostic.
const maxSamples = 100

// counterValue accumulates increments. delta is drained by flush; total
// is monotonic and never reset.
type counterValue struct {
	delta atomic.Uint64
	total atomic.Uint64
}

func (c *counterValue) add(amount uint64) {
	c.delta.Add(amount)
	c.total.Add(amount)
}

// drain returns the increments accumulated since the previous drain.
func (c *counterValue) drain() uint64 { return c.delta.Swap(0) }

func (c *counterValue) cumulative() uint64 { return c.total.Load() }

// gaugeValue holds the last set value. dirty tracks whether the gauge
// was set since the previous flush, which decides zero omission.
type gaugeValue struct {
	bits  atomic.Uint64
	dirty atomic.Bool
}

func (g *gaugeValue) set(v float64) {
	g.bits.Store(math.Float64bits(v))
	g.dirty.Store(true)
}

func (g *gaugeValue) load() float64 { return math.Float64frombits(g.bits.Load()) }

// peek returns the current value and clears the dirty flag.
func (g *gaugeValue) peek() (v float64, dirty bool) {
	dirty = g.dirty.Swap(false)
	return g.load(), dirty
}

// histogramValue is a bounded reservoir of raw samples in record order.
type histogramValue struct {
	mu      sync.Mutex
	samples []float64
	dropped uint64
}

// record appends one sample, or counts it as dropped when the reservoir
// is full.
func (h *histogramValue) record(sample float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= maxSamples {
		h.dropped++
		return
	}
	h.samples = append(h.samples, sample)
}

// drain returns the buffered samples in record order and the number of
// samples dropped since the previous drain, resetting both.
func (h *histogramValue) drain() (samples []float64, dropped uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	samples, h.samples = h.samples, nil
	dropped, h.dropped = h.dropped, 0
	return samples, dropped
}

// pending returns the buffered sample count and sum without draining.
func (h *histogramValue) pending() (count uint64, sum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var s float64
	for _, v := range h.samples {
		s += v
	}
	return uint64(len(h.samples)), s
}

// entry is one registered metric series.
type entry struct {
	key  metricKey
	kind Kind

	counter   counterValue
	gauge     gaugeValue
	histogram histogramValue
}
