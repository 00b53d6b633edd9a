package routing

import (
	"sync"
	"sync/atomic"
)

// keyRotator hands out round-robin key indices per channel. Counters are
// created lazily on first use.
type keyRotator struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

func newKeyRotator() *keyRotator {
	return &keyRotator{counters: make(map[string]*atomic.Uint64)}
}

// next returns the index of the key to use for this request out of n keys.
func (r *keyRotator) next(channelID string, n int) int {
	if n <= 1 {
		return 0
	}
	r.mu.Lock()
	counter, ok := r.counters[channelID]
	if !ok {
		counter = &atomic.Uint64{}
		r.counters[channelID] = counter
	}
	r.mu.Unlock()

	return int((counter.Add(1) - 1) % uint64(n))
}
