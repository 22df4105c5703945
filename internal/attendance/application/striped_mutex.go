package application

import (
	"hash/fnv"
	"sync"
)

const stripeCount = 64

// stripedMutex serializes work per string key with a fixed set of stripes,
// bounding memory regardless of how many (user, day) keys flow through.
type stripedMutex struct {
	stripes [stripeCount]sync.Mutex
}

// lock acquires the stripe for key and returns its release func.
func (s *stripedMutex) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	stripe := &s.stripes[h.Sum32()%stripeCount]
	stripe.Lock()
	return stripe.Unlock
}
