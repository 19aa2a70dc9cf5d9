package listener

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"duplexrpc/codec"
	"duplexrpc/internal/testcerts"
	"duplexrpc/message"
	"duplexrpc/protocol"
	"duplexrpc/queue"
	"duplexrpc/transport"
)

type staticTrust struct{ allowed map[string]bool }

func (s staticTrust) IsTrusted(thumbprint string) bool { return s.allowed[thumbprint] }

func echoHandler(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	return message.NewResultResponse(req.RequestID, req.Params[0])
}

func newListener(t *testing.T, trust TrustChecker) (*SecureListener, string, string) {
	t.Helper()
	serverCert, serverThumb, err := testcerts.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}
	l, err := NewSecureListener(Config{
		Addr:        "127.0.0.1:0",
		Certificate: serverCert,
		Trust:       trust,
		Handler:     echoHandler,
		Queues:      queue.NewQueueMap(),
		CodecType:   codec.CodecTypeJSON,
		IdleTimeout: time.Second,
		DequeueWait: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	l.Start()
	t.Cleanup(func() { l.Dispose() })
	return l, l.Addr().String(), serverThumb
}

func TestSecureListenerAcceptsTrustedClient(t *testing.T) {
	clientCert, clientThumb, err := testcerts.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}
	_, addr, serverThumb := newListener(t, staticTrust{allowed: map[string]bool{clientThumb: true}})

	client := transport.NewSecureClient(transport.Config{
		Certificate: clientCert,
		DialTimeout: time.Second,
		CodecType:   codec.CodecTypeJSON,
	})
	defer client.Close()

	dest, err := message.NewEndpoint("https://"+addr+"/", serverThumb)
	if err != nil {
		t.Fatal(err)
	}
	req := message.NewRequestMessage("", dest, "IEchoService", "SayHello",
		[]json.RawMessage{json.RawMessage(`"Paul"`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.ExecuteTransaction(ctx, dest, req)
	if err != nil {
		t.Fatalf("ExecuteTransaction failed: %v", err)
	}
	if string(resp.Result) != `"Paul"` {
		t.Fatalf("unexpected result: %s", resp.Result)
	}
}

func TestSecureListenerRejectsUntrustedClient(t *testing.T) {
	clientCert, _, err := testcerts.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}
	_, addr, serverThumb := newListener(t, staticTrust{allowed: map[string]bool{}})

	client := transport.NewSecureClient(transport.Config{
		Certificate: clientCert,
		DialTimeout: time.Second,
		CodecType:   codec.CodecTypeJSON,
	})
	defer client.Close()

	dest, err := message.NewEndpoint("https://"+addr+"/", serverThumb)
	if err != nil {
		t.Fatal(err)
	}
	req := message.NewRequestMessage("", dest, "IEchoService", "SayHello",
		[]json.RawMessage{json.RawMessage(`"Paul"`)})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := client.ExecuteTransaction(ctx, dest, req); err == nil {
		t.Fatal("expected the untrusted client's request to fail")
	}
}

func TestSecureListenerServicesSubscriber(t *testing.T) {
	clientCert, clientThumb, err := testcerts.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}
	l, addr, serverThumb := newListener(t, staticTrust{allowed: map[string]bool{clientThumb: true}})

	subscriptionURI := "poll://worker-1"
	dest, err := message.NewEndpoint(subscriptionURI, "")
	if err != nil {
		t.Fatal(err)
	}
	req := message.NewRequestMessage("", dest, "IEchoService", "SayHello",
		[]json.RawMessage{json.RawMessage(`"Dana"`)})

	q := l.cfg.Queues.GetOrCreate(subscriptionURI)

	pollerDone := make(chan error, 1)
	go func() {
		serverDest, err := message.NewEndpoint("https://"+addr+"/", serverThumb)
		if err != nil {
			pollerDone <- err
			return
		}
		tlsConn, err := transport.DialTLS(context.Background(), serverDest, clientCert, time.Second)
		if err != nil {
			pollerDone <- err
			return
		}
		defer tlsConn.Close()
		proto, err := protocol.NewSubscriberProtocol(tlsConn, codec.CodecTypeJSON, subscriptionURI)
		if err != nil {
			pollerDone <- err
			return
		}
		pollerDone <- proto.ExchangeAsServer(context.Background(), protocol.RoleClient, "", echoHandler, nil,
			protocol.ServerLoopConfig{IdleTimeout: 500 * time.Millisecond})
	}()

	resp, err := q.QueueAndWait(context.Background(), req, time.Second, time.Second)
	if err != nil {
		t.Fatalf("QueueAndWait failed: %v", err)
	}
	if string(resp.Result) != `"Dana"` {
		t.Fatalf("unexpected result: %s", resp.Result)
	}

	select {
	case <-pollerDone:
	case <-time.After(time.Second):
		t.Fatal("poller loop did not finish")
	}
}
