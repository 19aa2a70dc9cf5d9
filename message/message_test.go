package message

import (
	"encoding/json"
	"testing"
)

func TestEndpointEqualityIgnoresThumbprint(t *testing.T) {
	a, err := NewEndpoint("https://example.test:8080/", "AA:BB")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewEndpoint("https://example.test:8080/", "cc:dd")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected endpoints with same base URI but different thumbprints to be equal")
	}
	if a.Thumbprint != "AA:BB" {
		t.Fatalf("expected thumbprint to be normalized to uppercase, got %q", a.Thumbprint)
	}
}

func TestEndpointRejectsUnknownScheme(t *testing.T) {
	if _, err := NewEndpoint("ftp://example.test/", ""); err == nil {
		t.Fatal("expected an error for an unsupported scheme")
	}
}

func TestEndpointSubscriptionURI(t *testing.T) {
	e, err := NewEndpoint("poll://SQ-TENTAPOLL", "")
	if err != nil {
		t.Fatal(err)
	}
	uri, ok := e.SubscriptionURI()
	if !ok || uri != "poll://SQ-TENTAPOLL" {
		t.Fatalf("expected poll subscription uri, got %q ok=%v", uri, ok)
	}

	https, err := NewEndpoint("https://example.test/", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := https.SubscriptionURI(); ok {
		t.Fatal("expected an https endpoint to not be a subscription uri")
	}
}

func TestNewRequestMessagePropagatesActivityID(t *testing.T) {
	dest, _ := NewEndpoint("https://example.test/", "")
	req := NewRequestMessage("activity-123", dest, "IEcho", "SayHello", nil)
	if req.ActivityID != "activity-123" {
		t.Fatalf("expected activity id to be propagated, got %q", req.ActivityID)
	}
	if req.RequestID == "" {
		t.Fatal("expected a request id to be minted")
	}

	fresh := NewRequestMessage("", dest, "IEcho", "SayHello", nil)
	if fresh.ActivityID == "" {
		t.Fatal("expected an activity id to be minted when none is supplied")
	}
	if fresh.ActivityID == req.ActivityID {
		t.Fatal("expected distinct activity ids across requests")
	}
}

func TestRequestMessageRoundTripsDestination(t *testing.T) {
	dest, _ := NewEndpoint("https://example.test:8080/", "AA")
	req := NewRequestMessage("", dest, "IEcho", "SayHello", nil)

	bs, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	var decoded RequestMessage
	if err := json.Unmarshal(bs, &decoded); err != nil {
		t.Fatal(err)
	}
	if err := decoded.ResolveDestination(); err != nil {
		t.Fatal(err)
	}
	if !decoded.Destination.Equal(dest) {
		t.Fatalf("expected destination to round-trip, got %q want %q", decoded.Destination, dest)
	}
}

func TestResponseMessageIsErrorExclusive(t *testing.T) {
	ok := NewResultResponse("req-1", json.RawMessage(`"hello"`))
	if ok.IsError() {
		t.Fatal("expected a result response to not be an error")
	}

	failed := NewErrorResponse("req-1", "divide by zero", "at Echo.Crash")
	if !failed.IsError() {
		t.Fatal("expected an error response to report IsError")
	}
	if failed.Err.Message != "divide by zero" || failed.Err.Remote != "at Echo.Crash" {
		t.Fatalf("unexpected error fields: %+v", failed.Err)
	}
}
