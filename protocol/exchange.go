package protocol

import (
	"bufio"
	"context"
	"net"
	"time"

	"duplexrpc/codec"
	"duplexrpc/halerr"
	"duplexrpc/message"
	"duplexrpc/queue"
)

// HandlerFunc services one RequestMessage and produces its ResponseMessage.
// It never returns a Go error directly — a failure while servicing a request
// is reported as an error ResponseMessage, not a protocol-level failure, so
// the connection stays open and IDLE for the next envelope.
type HandlerFunc func(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage

// QueueLookupFunc resolves a subscription URI (as carried in a subscriber's
// identification frame) to the queue a listener should drain when inverting
// its loop to serve that subscriber.
type QueueLookupFunc func(subscriptionURI string) (*queue.PendingRequestQueue, error)

// ServerLoopConfig bounds how long ExchangeAsServer waits for activity
// before treating the connection as idle and returning.
type ServerLoopConfig struct {
	// IdleTimeout closes a plain MX-CLIENT connection that sends nothing
	// for this long.
	IdleTimeout time.Duration
	// DequeueWait bounds each poll of the subscription queue while
	// inverting for an MX-SUBSCRIBER connection; the loop keeps polling
	// until IdleTimeout has elapsed with nothing to deliver.
	DequeueWait time.Duration
}

// MessageExchangeProtocol drives one connection's envelope traffic after the
// identification preamble has been exchanged. A single instance is used for
// the lifetime of the connection and is not safe for concurrent use by more
// than one goroutine at a time — the exchange protocol guarantees at most
// one envelope in flight per direction, so callers never need to.
type MessageExchangeProtocol struct {
	conn      net.Conn
	br        *bufio.Reader
	codecType codec.CodecType
}

// NewClientProtocol dials the identification handshake for a plain
// request-sending peer ("MX-CLIENT") and returns a protocol ready to drive
// ExchangeAsClient over conn.
func NewClientProtocol(conn net.Conn, codecType codec.CodecType) (*MessageExchangeProtocol, error) {
	if err := writeIdentification(conn, RoleClient, ""); err != nil {
		return nil, halerr.NewTransportError(conn.RemoteAddr().String(), err)
	}
	return &MessageExchangeProtocol{conn: conn, br: bufio.NewReader(conn), codecType: codecType}, nil
}

// NewSubscriberProtocol dials the identification handshake for a polling
// peer ("MX-SUBSCRIBER"), announcing subscriptionURI. The caller is expected
// to then run ExchangeAsServer over the returned protocol: once identified
// as a subscriber, the dialer inverts to become the request handler, while
// the accepting side inverts to become the request sender.
func NewSubscriberProtocol(conn net.Conn, codecType codec.CodecType, subscriptionURI string) (*MessageExchangeProtocol, error) {
	if err := writeIdentification(conn, RoleSubscriber, subscriptionURI); err != nil {
		return nil, halerr.NewTransportError(conn.RemoteAddr().String(), err)
	}
	return &MessageExchangeProtocol{conn: conn, br: bufio.NewReader(conn), codecType: codecType}, nil
}

// Accept reads the identification preamble off an inbound connection and
// returns the peer's declared role and, for a subscriber, its subscription
// URI. The caller dispatches to ExchangeAsServer either way: which loop body
// runs (plain request service, or inverted queue-draining) is decided
// entirely by the returned role, never by who dialed.
func Accept(conn net.Conn) (*MessageExchangeProtocol, Role, string, error) {
	br := bufio.NewReader(conn)
	role, subscriptionURI, err := readIdentification(br)
	if err != nil {
		return nil, "", "", &halerr.ProtocolError{Reason: "identification: " + err.Error()}
	}
	return &MessageExchangeProtocol{conn: conn, br: br, codecType: codec.CodecTypeJSON}, role, subscriptionURI, nil
}

// Close closes the underlying connection. Per the error-handling design, a
// connection that fails at the protocol level is never returned to a pool —
// callers close it and let a fresh dial replace it.
func (p *MessageExchangeProtocol) Close() error {
	return p.conn.Close()
}

// ExchangeAsClient sends one request and waits for its matching response.
// The caller must not have another exchange in flight on the same
// connection. It is used directly by a SecureClient transaction, and
// internally by ExchangeAsServer's inverted loop when delivering a queued
// request to a polling peer.
func (p *MessageExchangeProtocol) ExchangeAsClient(ctx context.Context, req *message.RequestMessage) (*message.ResponseMessage, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(deadline)
	} else {
		_ = p.conn.SetWriteDeadline(time.Time{})
	}
	if err := p.sendRequest(req); err != nil {
		return nil, &halerr.ProtocolError{Reason: "writing request: " + err.Error()}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetReadDeadline(deadline)
	} else {
		_ = p.conn.SetReadDeadline(time.Time{})
	}
	resp, err := p.recvResponse()
	if err != nil {
		return nil, &halerr.ProtocolError{Reason: "reading response: " + err.Error()}
	}
	return resp, nil
}

// ExchangeAsServer runs the request-servicing loop for one accepted
// connection until the peer goes idle or disconnects. identifiedRole and
// subscriptionURI are the values Accept returned for this connection.
//
//   - RoleClient: the plain loop. Read a request, invoke handler, write its
//     response, repeat — this is SERVER_ROLE in the state model.
//   - RoleSubscriber: the inverted loop. Drain queueLookup(subscriptionURI),
//     sending each pending request to the peer and collecting its response
//     — this is POLL_SERVER, and is the only place a listener originates a
//     request rather than a response.
func (p *MessageExchangeProtocol) ExchangeAsServer(ctx context.Context, identifiedRole Role, subscriptionURI string, handler HandlerFunc, queueLookup QueueLookupFunc, cfg ServerLoopConfig) error {
	if identifiedRole == RoleSubscriber {
		q, err := queueLookup(subscriptionURI)
		if err != nil {
			return err
		}
		return p.serveFromQueue(ctx, q, cfg)
	}
	return p.serveRequests(ctx, handler, cfg)
}

// serveRequests implements the plain server loop (and, run on a dialer that
// identified as MX-SUBSCRIBER, the POLL_CLIENT inversion — structurally
// identical: read a request, hand it to handler, write the response).
func (p *MessageExchangeProtocol) serveRequests(ctx context.Context, handler HandlerFunc, cfg ServerLoopConfig) error {
	for {
		if cfg.IdleTimeout > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
		req, err := p.recvRequest()
		if err != nil {
			if isIdleClose(err) {
				return nil
			}
			return &halerr.ProtocolError{Reason: "reading request: " + err.Error()}
		}

		resp := handler(ctx, req)

		_ = p.conn.SetWriteDeadline(time.Time{})
		if err := p.sendResponse(resp); err != nil {
			return &halerr.ProtocolError{Reason: "writing response: " + err.Error()}
		}
	}
}

// serveFromQueue implements the POLL_SERVER inversion: instead of reading
// requests off the wire, it pulls them from the subscription's pending
// queue and sends them, using the same single-shot send/receive ExchangeAsClient
// performs for a plain caller.
func (p *MessageExchangeProtocol) serveFromQueue(ctx context.Context, q *queue.PendingRequestQueue, cfg ServerLoopConfig) error {
	deadline := time.Now().Add(cfg.IdleTimeout)
	for {
		wait := cfg.DequeueWait
		if cfg.IdleTimeout > 0 {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
			if wait <= 0 {
				return nil
			}
		}

		pr, ok := q.Dequeue(ctx, wait)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if cfg.IdleTimeout > 0 && !time.Now().Before(deadline) {
				return nil
			}
			continue
		}

		resp, err := p.ExchangeAsClient(ctx, pr.Request)
		if err != nil {
			// The connection is broken; this particular request stays
			// claimed and will time out on its own response deadline for
			// the caller still waiting in QueueAndWait.
			return err
		}
		q.ApplyResponse(pr.Request.RequestID, resp)
		deadline = time.Now().Add(cfg.IdleTimeout)
	}
}

func isIdleClose(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (p *MessageExchangeProtocol) sendRequest(req *message.RequestMessage) error {
	c := codec.GetCodec(p.codecType)
	body, err := c.Encode(req)
	if err != nil {
		return err
	}
	return encodeFrame(p.conn, frameHeader{Codec: p.codecType, Type: msgTypeRequest, BodyLen: uint32(len(body))}, body)
}

func (p *MessageExchangeProtocol) recvRequest() (*message.RequestMessage, error) {
	h, body, err := decodeFrame(p.br)
	if err != nil {
		return nil, err
	}
	if h.Type != msgTypeRequest {
		return nil, &halerr.ProtocolError{Reason: "expected a request envelope"}
	}
	var req message.RequestMessage
	if err := codec.GetCodec(h.Codec).Decode(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (p *MessageExchangeProtocol) sendResponse(resp *message.ResponseMessage) error {
	c := codec.GetCodec(p.codecType)
	body, err := c.Encode(resp)
	if err != nil {
		return err
	}
	return encodeFrame(p.conn, frameHeader{Codec: p.codecType, Type: msgTypeResponse, BodyLen: uint32(len(body))}, body)
}

func (p *MessageExchangeProtocol) recvResponse() (*message.ResponseMessage, error) {
	h, body, err := decodeFrame(p.br)
	if err != nil {
		return nil, err
	}
	if h.Type != msgTypeResponse {
		return nil, &halerr.ProtocolError{Reason: "expected a response envelope"}
	}
	var resp message.ResponseMessage
	if err := codec.GetCodec(h.Codec).Decode(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
