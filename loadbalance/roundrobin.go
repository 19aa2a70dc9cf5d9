package loadbalance

import (
	"fmt"
	"sync/atomic"
)

// RoundRobinBalancer cycles through candidates in order, using an atomic
// counter for lock-free, goroutine-safe selection.
//
// PollingClient uses this to order its reconnect attempts across its
// configured candidate endpoints for one subscription, so a single
// unreachable candidate doesn't get retried ahead of the others on every
// cycle.
type RoundRobinBalancer struct {
	counter int64
}

func (b *RoundRobinBalancer) Pick(candidates []Candidate) (*Candidate, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("loadbalance: no candidates available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(candidates))
	return &candidates[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
