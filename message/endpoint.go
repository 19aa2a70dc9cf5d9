// Package message defines the envelopes exchanged between peers of the RPC
// runtime, and the Endpoint addressing record used to reach them.
//
// Every type here is immutable once constructed: callers build a value with
// the constructor and never mutate it afterwards. This mirrors the way the
// wire protocol treats a request/response pair as a value that travels
// across a connection boundary and must not change shape mid-flight.
package message

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is the identity of a remote peer: a base URI (scheme https or
// poll) plus the thumbprint the peer is expected to present. Two endpoints
// are Equal if their base URIs match, regardless of thumbprint — the
// thumbprint affects what is accepted when dialing or accepting a
// connection, not the map identity used for pooling and routing.
type Endpoint struct {
	BaseURI    *url.URL
	Thumbprint string
}

// NewEndpoint parses rawURI and returns an Endpoint expecting thumbprint to
// be presented by the remote. The thumbprint is normalized to uppercase hex
// so callers never have to think about case when comparing it later.
func NewEndpoint(rawURI string, thumbprint string) (Endpoint, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint uri %q: %w", rawURI, err)
	}
	switch u.Scheme {
	case "https", "poll":
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return Endpoint{
		BaseURI:    u,
		Thumbprint: strings.ToUpper(thumbprint),
	}, nil
}

// String renders the endpoint's base URI, the key used for pooling, routing
// and queue lookups.
func (e Endpoint) String() string {
	if e.BaseURI == nil {
		return ""
	}
	return e.BaseURI.String()
}

// Equal reports whether two endpoints address the same base URI.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.String() == other.String()
}

// SubscriptionURI returns the poll:// identifier for a poll-scheme endpoint,
// or ok=false if this endpoint does not use the poll scheme.
func (e Endpoint) SubscriptionURI() (string, bool) {
	if e.BaseURI == nil || e.BaseURI.Scheme != "poll" {
		return "", false
	}
	return e.String(), true
}
