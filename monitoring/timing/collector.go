package timing

import "time"

type Aggregation struct {
	P50 time.Duration // P50 is the 50th percentile cycle period.
	P75 time.Duration // P75 is the 75th percentile cycle period.
	P95 time.Duration // P95 is the 95th percentile cycle period.
}

// Collector gathers control cycle periods over a sliding window.
type Collector interface {
	Len() int                // Len gets the number of periods within the window.
	Add(t time.Duration)     // Add sends a new cycle period to the collector.
	Aggregate() *Aggregation // Aggregate calculates percentiles over the window.
	Reset()                  // Reset resets the state of the collector for reuse.
}
