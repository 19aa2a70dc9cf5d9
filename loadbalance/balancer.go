// Package loadbalance selects among several candidate endpoints for the same
// logical destination. Two strategies survive from the teacher's three:
// RoundRobin, for ordering a PollingClient's reconnect attempts across its
// configured candidates, and WeightedRandom, for a Runtime's seed-address
// fanout when discovering peers. ConsistentHash is dropped — see DESIGN.md —
// since nothing in this system shards work across a hash ring: the
// connection pool is one LIFO stack per endpoint and the route table is one
// via per destination, never a key-sharded selection.
package loadbalance

import "duplexrpc/message"

// Candidate pairs an endpoint with a selection weight. RoundRobinBalancer
// ignores Weight; WeightedRandomBalancer uses it directly.
type Candidate struct {
	Endpoint message.Endpoint
	Weight   int
}

// Balancer selects one candidate from a non-empty list.
type Balancer interface {
	// Pick selects one candidate. Called on every selection — must be
	// goroutine-safe.
	Pick(candidates []Candidate) (*Candidate, error)

	// Name returns the strategy name, for logging.
	Name() string
}
