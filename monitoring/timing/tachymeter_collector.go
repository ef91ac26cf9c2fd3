package timing

import (
	"sync"
	"time"

	"github.com/jamiealquiza/tachymeter"
)

// tachymeterCollector uses the jamiealquiza/tachymeter library to capture and
// calculate timings locally.
type tachymeterCollector struct {
	tach   *tachymeter.Tachymeter
	window int
	len    int
	lenMux *sync.Mutex
}

func NewTachymeterCollector(window int) *tachymeterCollector {
	return &tachymeterCollector{
		tach: tachymeter.New(&tachymeter.Config{
			Size: window,
		}),
		window: window,
		lenMux: &sync.Mutex{},
	}
}

func (c *tachymeterCollector) Len() int {
	c.lenMux.Lock()
	defer c.lenMux.Unlock()
	return c.len
}

func (c *tachymeterCollector) Add(t time.Duration) {
	c.tach.AddTime(t)
	c.lenMux.Lock()
	if c.len < c.window {
		c.len++
	}
	c.lenMux.Unlock()
}

func (c *tachymeterCollector) Aggregate() *Aggregation {
	if c.Len() == 0 {
		return &Aggregation{}
	}
	aggregation := c.tach.Calc()
	return &Aggregation{
		P50: aggregation.Time.P50,
		P75: aggregation.Time.P75,
		P95: aggregation.Time.P95,
	}
}

func (c *tachymeterCollector) Reset() {
	c.tach.Reset()
	c.lenMux.Lock()
	c.len = 0
	c.lenMux.Unlock()
}
