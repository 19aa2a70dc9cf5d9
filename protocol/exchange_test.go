package protocol

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"duplexrpc/codec"
	"duplexrpc/message"
	"duplexrpc/queue"
)

func echoHandler(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	return message.NewResultResponse(req.RequestID, req.Params[0])
}

func TestExchangeAsClientServerRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverDone := make(chan error, 1)
	go func() {
		p, role, _, err := Accept(serverConn)
		if err != nil {
			serverDone <- err
			return
		}
		if role != RoleClient {
			serverDone <- &wrongRoleError{role}
			return
		}
		serverDone <- p.ExchangeAsServer(context.Background(), role, "", echoHandler, nil, ServerLoopConfig{IdleTimeout: time.Second})
	}()

	clientProto, err := NewClientProtocol(clientConn, codec.CodecTypeJSON)
	if err != nil {
		t.Fatalf("NewClientProtocol failed: %v", err)
	}

	dest, err := message.NewEndpoint("https://example.test/", "AA")
	if err != nil {
		t.Fatal(err)
	}
	req := message.NewRequestMessage("", dest, "IEchoService", "SayHello",
		[]json.RawMessage{json.RawMessage(`"Paul"`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := clientProto.ExchangeAsClient(ctx, req)
	if err != nil {
		t.Fatalf("ExchangeAsClient failed: %v", err)
	}
	if string(resp.Result) != `"Paul"` {
		t.Fatalf("unexpected result: %s", resp.Result)
	}

	clientConn.Close()
	serverConn.Close()
	<-serverDone
}

type wrongRoleError struct{ role Role }

func (e *wrongRoleError) Error() string { return "unexpected role: " + string(e.role) }

func TestExchangeAsServerSubscriberInversion(t *testing.T) {
	pollerConn, listenerConn := net.Pipe()
	defer pollerConn.Close()
	defer listenerConn.Close()

	q := queue.NewQueue()
	subscriptionURI := "poll://worker-1"

	pollerDone := make(chan error, 1)
	listenerDone := make(chan error, 1)

	go func() {
		p, role, uri, err := Accept(listenerConn)
		if err != nil {
			listenerDone <- err
			return
		}
		lookup := func(u string) (*queue.PendingRequestQueue, error) {
			if u != subscriptionURI {
				t.Errorf("unexpected subscription uri: %s", u)
			}
			return q, nil
		}
		listenerDone <- p.ExchangeAsServer(context.Background(), role, uri, nil, lookup, ServerLoopConfig{IdleTimeout: 200 * time.Millisecond, DequeueWait: 20 * time.Millisecond})
	}()

	go func() {
		p, err := NewSubscriberProtocol(pollerConn, codec.CodecTypeJSON, subscriptionURI)
		if err != nil {
			pollerDone <- err
			return
		}
		pollerDone <- p.ExchangeAsServer(context.Background(), RoleClient, "", echoHandler, nil, ServerLoopConfig{IdleTimeout: 200 * time.Millisecond})
	}()

	dest, err := message.NewEndpoint(subscriptionURI, "")
	if err != nil {
		t.Fatal(err)
	}
	req := message.NewRequestMessage("", dest, "IEchoService", "SayHello",
		[]json.RawMessage{json.RawMessage(`"Dana"`)})

	resp, err := q.QueueAndWait(context.Background(), req, time.Second, time.Second)
	if err != nil {
		t.Fatalf("QueueAndWait failed: %v", err)
	}
	if string(resp.Result) != `"Dana"` {
		t.Fatalf("unexpected result: %s", resp.Result)
	}

	pollerConn.Close()
	listenerConn.Close()
	<-pollerDone
	<-listenerDone
}
