package acquire

import (
	"math"

	"github.com/kalambet/sensorgate/internal/reading"
)

// SampleCountField holds the number of samples that went into an aggregate.
const SampleCountField = "sample_count"

// Aggregator reduces a fixed window of samples to one payload. Numeric
// fields become their arithmetic mean plus "<name>_min" and "<name>_max".
// Cumulative fields, such as energy counters, and non-numeric fields keep
// their last value.
type Aggregator struct {
	window     int
	cumulative map[string]bool
	samples    []reading.Payload
}

// NewAggregator creates an Aggregator emitting one payload per window samples.
func NewAggregator(window int, cumulative ...string) *Aggregator {
	if window < 1 {
		window = 1
	}
	c := make(map[string]bool, len(cumulative))
	for _, name := range cumulative {
		c[name] = true
	}
	return &Aggregator{window: window, cumulative: c, samples: make([]reading.Payload, 0, window)}
}

// Add buffers p. When the window is full it returns the aggregate and true,
// and starts a new window.
func (a *Aggregator) Add(p reading.Payload) (reading.Payload, bool) {
	a.samples = append(a.samples, p)
	if len(a.samples) < a.window {
		return nil, false
	}
	out := a.combine()
	a.samples = a.samples[:0]
	return out, true
}

// Flush returns the aggregate of a partially filled window and the fraction
// of the window it covers. ok is false when the window is empty.
func (a *Aggregator) Flush() (p reading.Payload, fill float64, ok bool) {
	if len(a.samples) == 0 {
		return nil, 0, false
	}
	fill = float64(len(a.samples)) / float64(a.window)
	p = a.combine()
	a.samples = a.samples[:0]
	return p, fill, true
}

// Len returns the number of buffered samples.
func (a *Aggregator) Len() int { return len(a.samples) }

type numStats struct {
	sum, min, max, last float64
	n                   int
}

func (a *Aggregator) combine() reading.Payload {
	nums := make(map[string]*numStats)
	other := make(map[string]reading.Value)

	for _, p := range a.samples {
		for k, v := range p {
			f, ok := v.Float()
			if !ok {
				other[k] = v
				continue
			}
			st, seen := nums[k]
			if !seen {
				st = &numStats{min: math.Inf(1), max: math.Inf(-1)}
				nums[k] = st
			}
			st.sum += f
			st.n++
			st.last = f
			st.min = math.Min(st.min, f)
			st.max = math.Max(st.max, f)
		}
	}

	out := make(reading.Payload, len(nums)*3+len(other)+1)
	for k, v := range other {
		if _, numeric := nums[k]; !numeric {
			out[k] = v
		}
	}
	for k, st := range nums {
		if a.cumulative[k] {
			out[k] = reading.Number(st.last)
			continue
		}
		out[k] = reading.Number(st.sum / float64(st.n))
		out[k+"_min"] = reading.Number(st.min)
		out[k+"_max"] = reading.Number(st.max)
	}
	out[SampleCountField] = reading.Number(float64(len(a.samples)))
	return out
}
