package runtime

import (
	"sync"

	"duplexrpc/message"
)

// RouteTable records, for a destination a Runtime cannot reach directly, the
// intermediate endpoint ("via") requests to it should be relayed through. It
// is first-writer-wins: once a destination has a route, later calls to
// SetIfAbsent for the same destination are no-ops. There is no cycle
// detection — a route table that loops back on itself is a configuration
// mistake the operator is expected to avoid, the same way SPEC_FULL.md
// leaves it unspecified.
type RouteTable struct {
	mu       sync.Mutex
	routes   map[string]message.Endpoint
	onChange func(to, via message.Endpoint)
}

// NewRouteTable returns an empty RouteTable.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]message.Endpoint)}
}

// SetIfAbsent records that requests to "to" should be relayed via "via",
// unless "to" already has a route. It reports whether it actually set one.
func (r *RouteTable) SetIfAbsent(to, via message.Endpoint) bool {
	key := to.String()
	r.mu.Lock()
	if _, exists := r.routes[key]; exists {
		r.mu.Unlock()
		return false
	}
	r.routes[key] = via
	r.mu.Unlock()
	if r.onChange != nil {
		r.onChange(to, via)
	}
	return true
}

// Lookup returns the "via" endpoint routed for "to", if any.
func (r *RouteTable) Lookup(to string) (message.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	via, ok := r.routes[to]
	return via, ok
}

// Remove drops any route for "to".
func (r *RouteTable) Remove(to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, to)
}
