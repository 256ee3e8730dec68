package semaphore

import (
	"sync/atomic"
)

// permits is the lock-free counter of available permits. It never goes
// negative.
type permits struct {
	n atomic.Int64
}

// tryDecrement takes one permit if any is available. It compares and retries
// rather than decrementing and correcting, so no observer ever sees a negative
// count.
func (p *permits) tryDecrement() bool {
	for {
		n := p.n.Load()
		if n <= 0 {
			return false
		}
		if p.n.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (p *permits) increment(n int) {
	p.n.Add(int64(n))
}

func (p *permits) load() int {
	return int(p.n.Load())
}
