package queue

import (
	"context"
	"sync"
	"time"

	"duplexrpc/halerr"
	"duplexrpc/message"
)

// PendingRequestQueue holds requests addressed to one poll://... subscription
// URI until a polling connection claims and answers them. There is exactly
// one queue per subscription URI, created lazily by a QueueMap.
//
// QueueAndWait is the single producer path: a caller routing a request to a
// subscriber enqueues it and blocks until either a polling connection claims
// it and returns a response, or one of the two deadlines expires. Dequeue is
// the many-consumer path: each polling connection that services this
// subscription calls it in a loop, claiming one entry at a time.
type PendingRequestQueue struct {
	mu      sync.Mutex
	pending []*PendingRequest
	claimed map[string]*PendingRequest
	notify  chan struct{}
	closed  bool
}

// NewQueue constructs an empty queue. Callers needing one queue per
// subscription URI should go through a QueueMap instead, so concurrent
// lookups for the same URI share a single instance.
func NewQueue() *PendingRequestQueue {
	return &PendingRequestQueue{
		claimed: make(map[string]*PendingRequest),
		notify:  make(chan struct{}),
	}
}

func (q *PendingRequestQueue) signal() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// QueueAndWait enqueues req and blocks until a polling connection claims and
// answers it, the context is cancelled, or a deadline expires. collectionTimeout
// bounds how long the request may sit unclaimed; responseTimeout bounds how
// long a claimed request may go unanswered. The two run back to back, not
// concurrently, matching the collection-deadline/response-deadline split in
// the data model: a request that is claimed just before its collection
// deadline still gets a full response window.
func (q *PendingRequestQueue) QueueAndWait(ctx context.Context, req *message.RequestMessage, collectionTimeout, responseTimeout time.Duration) (*message.ResponseMessage, error) {
	pr := newPendingRequest(req)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, halerr.ErrShuttingDown
	}
	q.pending = append(q.pending, pr)
	q.signal()
	q.mu.Unlock()

	collectionTimer := time.NewTimer(collectionTimeout)
	defer collectionTimer.Stop()

	select {
	case <-ctx.Done():
		q.removeUnclaimed(pr)
		return nil, ctx.Err()
	case resp := <-pr.respCh:
		return resp, nil
	case <-pr.claimedCh:
		// Claimed within the collection window; fall through to wait out
		// the response window below.
	case <-collectionTimer.C:
		if q.removeUnclaimed(pr) {
			return nil, &halerr.TimeoutError{Phase: "collection"}
		}
		// Claimed in the instant between the timer firing and us taking
		// the lock; treat it as claimed and proceed to the response wait.
	}

	responseTimer := time.NewTimer(responseTimeout)
	defer responseTimer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-pr.respCh:
		return resp, nil
	case <-responseTimer.C:
		q.abandonClaimed(req.RequestID)
		return nil, &halerr.TimeoutError{Phase: "response"}
	}
}

// Dequeue claims the oldest pending entry, waiting up to maxWait for one to
// arrive if the queue is currently empty. It returns false if maxWait
// elapses or ctx is cancelled before an entry becomes available.
func (q *PendingRequestQueue) Dequeue(ctx context.Context, maxWait time.Duration) (*PendingRequest, bool) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			pr := q.pending[0]
			q.pending = q.pending[1:]
			q.claimed[pr.Request.RequestID] = pr
			q.mu.Unlock()
			close(pr.claimedCh)
			return pr, true
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-notify:
			continue
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		}
	}
}

// ApplyResponse delivers resp to the claimed entry matching requestID. It is
// a no-op if no such entry exists — already completed, abandoned after a
// response timeout, or never claimed by this queue at all — since a
// duplicate or late-arriving response must not panic or block the caller.
func (q *PendingRequestQueue) ApplyResponse(requestID string, resp *message.ResponseMessage) {
	q.mu.Lock()
	pr, ok := q.claimed[requestID]
	if ok {
		delete(q.claimed, requestID)
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	pr.respCh <- resp
}

// removeUnclaimed removes pr from the pending FIFO if it is still there,
// reporting whether it did. False means pr was already claimed by a
// concurrent Dequeue.
func (q *PendingRequestQueue) removeUnclaimed(pr *PendingRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, candidate := range q.pending {
		if candidate == pr {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// abandonClaimed removes requestID from the claimed set without signaling
// anything, so a response that arrives after the response deadline finds no
// matching entry and is silently dropped by ApplyResponse.
func (q *PendingRequestQueue) abandonClaimed(requestID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claimed, requestID)
}

// Close marks the queue as no longer accepting new requests. Entries already
// pending or claimed are left to resolve on their own deadlines.
func (q *PendingRequestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Len reports the number of currently unclaimed entries, for diagnostics and
// tests.
func (q *PendingRequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
