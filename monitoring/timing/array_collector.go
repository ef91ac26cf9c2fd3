package timing

import (
	"fmt"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// arrayCollector keeps the most recent cycle periods in a ring buffer and
// computes exact percentiles with montanaflynn/stats. Aggregation is O(n) in
// the window size.
type arrayCollector struct {
	periodsSeconds    []float64
	next              int
	full              bool
	periodsSecondsMux *sync.Mutex
}

func NewArrayCollector(window int) (*arrayCollector, error) {
	if window <= 0 {
		return nil, fmt.Errorf("NewArrayCollector() expected positive window; got %d", window)
	}
	return &arrayCollector{
		periodsSeconds:    make([]float64, window),
		periodsSecondsMux: &sync.Mutex{},
	}, nil
}

func (c *arrayCollector) Len() int {
	c.periodsSecondsMux.Lock()
	defer c.periodsSecondsMux.Unlock()
	return c.lenLocked()
}

func (c *arrayCollector) lenLocked() int {
	if c.full {
		return len(c.periodsSeconds)
	}
	return c.next
}

func (c *arrayCollector) Add(t time.Duration) {
	c.periodsSecondsMux.Lock()
	c.periodsSeconds[c.next] = t.Seconds()
	c.next++
	if c.next == len(c.periodsSeconds) {
		c.next = 0
		c.full = true
	}
	c.periodsSecondsMux.Unlock()
}

func (c *arrayCollector) Aggregate() *Aggregation {
	// The stats package sorts a copy of the input, so we must hold onto the
	// mutex while calculations are being made.
	c.periodsSecondsMux.Lock()
	defer c.periodsSecondsMux.Unlock()

	// The stats package requires input arrays to be non-empty.
	n := c.lenLocked()
	if n == 0 {
		return &Aggregation{}
	}
	periods := c.periodsSeconds[:n]

	p50, err := stats.Median(periods)
	if err != nil {
		panic(fmt.Errorf("unexpected err in arrayCollector.Aggregate() while calculating p50: %w", err))
	}
	p75, err := stats.Percentile(periods, 75)
	if err != nil {
		panic(fmt.Errorf("unexpected err in arrayCollector.Aggregate() while calculating p75: %w", err))
	}
	p95, err := stats.Percentile(periods, 95)
	if err != nil {
		panic(fmt.Errorf("unexpected err in arrayCollector.Aggregate() while calculating p95: %w", err))
	}

	return &Aggregation{
		P50: time.Duration(p50 * float64(time.Second)),
		P75: time.Duration(p75 * float64(time.Second)),
		P95: time.Duration(p95 * float64(time.Second)),
	}
}

func (c *arrayCollector) Reset() {
	c.periodsSecondsMux.Lock()
	c.next = 0
	c.full = false
	c.periodsSecondsMux.Unlock()
}
