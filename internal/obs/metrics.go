package obs

import (
	"sort"
	"strings"
	"sync"
)

// Label is a key/value pair attached to measurements.
type Label struct {
	Key   string
	Value string
}

// Meter is a very small interface for emitting counters/histograms.
// Implementations may no-op or bridge to a metrics system.
type Meter interface {
	Counter(name string, value float64, labels ...Label)
	Histogram(name string, value float64, labels ...Label)
}

// NopMeter is a Meter that discards all measurements.
type NopMeter struct{}

func (NopMeter) Counter(name string, value float64, labels ...Label)   {}
func (NopMeter) Histogram(name string, value float64, labels ...Label) {}

// Tally keeps measurements in memory. Counters are summed; histograms keep
// a count and a sum. Safe for concurrent use.
type Tally struct {
	mu     sync.Mutex
	counts map[string]float64
	hists  map[string]histo
}

type histo struct {
	n   int
	sum float64
}

func NewTally() *Tally {
	return &Tally{counts: make(map[string]float64), hists: make(map[string]histo)}
}

func (t *Tally) Counter(name string, value float64, labels ...Label) {
	k := seriesKey(name, labels)
	t.mu.Lock()
	t.counts[k] += value
	t.mu.Unlock()
}

func (t *Tally) Histogram(name string, value float64, labels ...Label) {
	k := seriesKey(name, labels)
	t.mu.Lock()
	h := t.hists[k]
	h.n++
	h.sum += value
	t.hists[k] = h
	t.mu.Unlock()
}

// Value returns the counter total for name with exactly labels.
func (t *Tally) Value(name string, labels ...Label) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[seriesKey(name, labels)]
}

// Snapshot returns every series as "name{k=v,...}" -> value. Histograms
// contribute "_count" and "_sum" series.
func (t *Tally) Snapshot() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.counts)+2*len(t.hists))
	for k, v := range t.counts {
		out[k] = v
	}
	for k, h := range t.hists {
		name, rest, _ := strings.Cut(k, "{")
		if rest != "" {
			rest = "{" + rest
		}
		out[name+"_count"+rest] = float64(h.n)
		out[name+"_sum"+rest] = h.sum
	}
	return out
}

func seriesKey(name string, labels []Label) string {
	if len(labels) == 0 {
		return name
	}
	ls := make([]Label, len(labels))
	copy(ls, labels)
	sort.Slice(ls, func(i, j int) bool { return ls[i].Key < ls[j].Key })
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, l := range ls {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Key)
		b.WriteByte('=')
		b.WriteString(l.Value)
	}
	b.WriteByte('}')
	return b.String()
}
