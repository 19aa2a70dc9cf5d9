// Package transport implements the client side of the wire protocol: dialing
// and authenticating a connection, pooling it for reuse, and driving one
// request/response exchange over it.
//
// Pooling here is LIFO and per-endpoint, unlike the teacher's single
// buffered-channel FIFO pool shared across one address: the most recently
// used connection is handed out first (the one least likely to have gone
// idle and been dropped by the peer), and each destination endpoint gets its
// own stack so one endpoint's traffic can never starve another's connection
// budget.
package transport

import (
	"sync"
	"time"
)

// pooledConn is one idle, previously-authenticated session sitting in a
// Pool, along with the time it was returned.
type pooledConn struct {
	session    *Session
	returnedAt time.Time
}

// endpointPool is the LIFO stack of idle sessions for a single endpoint.
type endpointPool struct {
	mu    sync.Mutex
	stack []*pooledConn
}

// Pool holds one endpointPool per destination endpoint, capped at maxIdle
// connections each, with entries older than idleTimeout evicted and closed
// rather than handed back out.
type Pool struct {
	mu          sync.Mutex
	endpoints   map[string]*endpointPool
	maxIdle     int
	idleTimeout time.Duration
}

// NewPool builds a pool that keeps at most maxIdle idle sessions per
// endpoint, evicting any left unused for longer than idleTimeout.
func NewPool(maxIdle int, idleTimeout time.Duration) *Pool {
	return &Pool{
		endpoints:   make(map[string]*endpointPool),
		maxIdle:     maxIdle,
		idleTimeout: idleTimeout,
	}
}

func (p *Pool) forEndpoint(key string) *endpointPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[key]
	if !ok {
		ep = &endpointPool{}
		p.endpoints[key] = ep
	}
	return ep
}

// Get pops the most recently returned live session for key, discarding any
// entries that have exceeded idleTimeout along the way. It returns nil if no
// usable idle session is available, in which case the caller must dial one.
func (p *Pool) Get(key string) *Session {
	ep := p.forEndpoint(key)
	ep.mu.Lock()
	defer ep.mu.Unlock()

	for len(ep.stack) > 0 {
		last := len(ep.stack) - 1
		entry := ep.stack[last]
		ep.stack = ep.stack[:last]

		if p.idleTimeout > 0 && time.Since(entry.returnedAt) > p.idleTimeout {
			entry.session.Close()
			continue
		}
		return entry.session
	}
	return nil
}

// Put returns session to the idle pool for key, unless the endpoint is
// already at capacity, in which case it is closed instead. A connection
// that failed at the protocol level must never reach Put in the first
// place; see SecureClient.ExecuteTransaction.
func (p *Pool) Put(key string, session *Session) {
	ep := p.forEndpoint(key)
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if len(ep.stack) >= p.maxIdle {
		session.Close()
		return
	}
	ep.stack = append(ep.stack, &pooledConn{session: session, returnedAt: time.Now()})
}

// CloseAll closes every idle session in the pool, across every endpoint.
// Sessions currently checked out via Get are not affected.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	endpoints := make([]*endpointPool, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		endpoints = append(endpoints, ep)
	}
	p.mu.Unlock()

	for _, ep := range endpoints {
		ep.mu.Lock()
		for _, entry := range ep.stack {
			entry.session.Close()
		}
		ep.stack = nil
		ep.mu.Unlock()
	}
}
