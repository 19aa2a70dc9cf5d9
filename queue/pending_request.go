// Package queue implements the PendingRequestQueue: the single-producer,
// many-consumer structure that bridges a local call to a poll://... endpoint
// with the remote polling peer that will eventually collect and answer it.
//
// An entry moves through exactly three states, forward only: pending (in
// the FIFO, unclaimed), claimed (handed to exactly one Dequeue caller), and
// completed (its response delivered, or abandoned after a deadline). The
// single-shot synchronization cell backing each entry is a buffered channel
// of size 1 — the same "channel as a promise" idiom the teacher's transport
// layer uses for its pending-request map, just keyed by an explicit struct
// instead of a bare channel so the entry can also carry claim state.
package queue

import "duplexrpc/message"

// PendingRequest pairs a RequestMessage with the single-shot cell that will
// hold its ResponseMessage. It is owned by the PendingRequestQueue that
// created it until a response arrives or a timeout abandons it.
type PendingRequest struct {
	Request   *message.RequestMessage
	respCh    chan *message.ResponseMessage
	claimedCh chan struct{}
}

func newPendingRequest(req *message.RequestMessage) *PendingRequest {
	return &PendingRequest{
		Request:   req,
		respCh:    make(chan *message.ResponseMessage, 1),
		claimedCh: make(chan struct{}),
	}
}
