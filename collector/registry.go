package collector

import "sync"

// shardCount trades memory for lock spread. Recording on one series
// only contends with series that hash to the same shard.
const shardCount = 64

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// registry is the sharded store of registered metric series. The kind
// bound to a name is process-global and tracked outside the shards, so
// label variance cannot create two variants under one name.
type registry struct {
	shards [shardCount]shard
	kinds  sync.Map // metric name -> Kind
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

// bindKind fixes the kind for name on first use. It returns the bound
// kind and whether it matches k.
func (r *registry) bindKind(name string, k Kind) (Kind, bool) {
	actual, _ := r.kinds.LoadOrStore(name, k)
	bound := actual.(Kind)
	return bound, bound == k
}

// lookup returns the entry for key, creating it on first use. The key's
// name must already be bound to kind.
func (r *registry) lookup(key metricKey, kind Kind) *entry {
	ident := key.ident()
	s := &r.shards[shardIndex(ident)]

	s.mu.RLock()
	e := s.entries[ident]
	s.mu.RUnlock()
	if e != nil {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[ident]; e != nil {
		return e
	}
	e = &entry{key: key, kind: kind}
	s.entries[ident] = e
	return e
}

// all returns every registered entry. Shards are locked one at a time,
// so recording on other shards proceeds during iteration.
func (r *registry) all() []*entry {
	out := make([]*entry, 0, 64)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out
}
