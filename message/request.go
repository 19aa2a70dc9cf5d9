package message

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/url"
)

// RequestMessage is the envelope for a single RPC call: who it's headed to,
// which service/method, and its positional arguments. Params is carried as
// already-serialized argument values rather than a single opaque blob — that
// is what lets a RequestMessage be nested inside another RequestMessage's
// Params[0] for router wrapping (see Router.Route) without the outer
// envelope's codec needing to understand the inner envelope's argument
// types.
type RequestMessage struct {
	ActivityID    string            `json:"activityId"`
	RequestID     string            `json:"requestId"`
	Destination   Endpoint          `json:"-"`
	DestinationURI string           `json:"destination"`
	ServiceName   string            `json:"serviceName"`
	MethodName    string            `json:"methodName"`
	Params        []json.RawMessage `json:"params"`
}

// NewRequestMessage builds a RequestMessage with a fresh request id. If
// activityID is empty, a fresh one is minted too — otherwise the caller's
// activityID is propagated, which is how a single logical operation keeps
// one tracing identity across a chain of router hops.
func NewRequestMessage(activityID string, destination Endpoint, serviceName, methodName string, params []json.RawMessage) *RequestMessage {
	if activityID == "" {
		activityID = newID()
	}
	return &RequestMessage{
		ActivityID:     activityID,
		RequestID:      newID(),
		Destination:    destination,
		DestinationURI: destination.String(),
		ServiceName:    serviceName,
		MethodName:     methodName,
		Params:         params,
	}
}

// ResolveDestination parses DestinationURI (the wire form) back into
// Destination.BaseURI. It is called by the codec after decoding a
// RequestMessage off the wire, since a *url.URL does not itself round-trip
// through JSON. The thumbprint half of Destination is never carried on the
// wire — it's a local trust decision, not something a peer asserts about
// itself — so callers that need it must look it up locally (e.g. the route
// table, keyed by base URI string alone).
func (r *RequestMessage) ResolveDestination() error {
	u, err := url.Parse(r.DestinationURI)
	if err != nil {
		return err
	}
	r.Destination = Endpoint{BaseURI: u}
	return nil
}

// newID returns a 128-bit random identifier rendered as lowercase hex. This
// replaces a central monotonic counter with an identifier that cannot
// collide across independently-running runtime instances, which matters
// once a request can be relayed through a router hop and re-enter this
// process under a different correlation scope.
func newID() string {
	var buf [16]byte
	// crypto/rand.Read on the standard library's reader never returns a
	// short read without an error, and an error here would mean the host
	// has no usable entropy source — not a condition this layer can
	// meaningfully recover from.
	if _, err := rand.Read(buf[:]); err != nil {
		panic("message: failed to generate request id: " + err.Error())
	}
	return hex.EncodeToString(buf[:])
}
