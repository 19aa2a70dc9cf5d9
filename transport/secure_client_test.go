package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"testing"
	"time"

	"duplexrpc/codec"
	"duplexrpc/internal/testcerts"
	"duplexrpc/message"
	"duplexrpc/protocol"
)

// startEchoServer starts a TLS listener that accepts one MX-CLIENT
// connection, echoes every request's first param back as the result, and
// stops when the test ends. It returns the listener's address and the
// server certificate's thumbprint.
func startEchoServer(t *testing.T) (addr string, thumbprint string) {
	t.Helper()
	serverCert, serverThumb, err := testcerts.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		p, role, _, err := protocol.Accept(conn)
		if err != nil || role != protocol.RoleClient {
			conn.Close()
			return
		}
		_ = p.ExchangeAsServer(context.Background(), role, "", echoHandler, nil, protocol.ServerLoopConfig{IdleTimeout: 2 * time.Second})
	}()

	return ln.Addr().String(), serverThumb
}

func echoHandler(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	return message.NewResultResponse(req.RequestID, req.Params[0])
}

func TestSecureClientExecuteTransactionDialsAndPools(t *testing.T) {
	addr, thumb := startEchoServer(t)

	clientCert, _, err := testcerts.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}

	client := NewSecureClient(Config{
		Certificate:        clientCert,
		DialTimeout:        time.Second,
		MaxIdlePerEndpoint: 2,
		IdleTimeout:        time.Minute,
		CodecType:          codec.CodecTypeJSON,
	})
	defer client.Close()

	dest, err := message.NewEndpoint("https://"+addr+"/", thumb)
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

func TestSecureClientRejectsWrongThumbprint(t *testing.T) {
	addr, _ := startEchoServer(t)

	clientCert, _, err := testcerts.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}

	client := NewSecureClient(Config{
		Certificate: clientCert,
		DialTimeout: time.Second,
		CodecType:   codec.CodecTypeJSON,
	})
	defer client.Close()

	dest, err := message.NewEndpoint("https://"+addr+"/", "0000000000000000000000000000000000000000")
	if err != nil {
		t.Fatal(err)
	}

	req := message.NewRequestMessage("", dest, "IEchoService", "SayHello",
		[]json.RawMessage{json.RawMessage(`"Paul"`)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.ExecuteTransaction(ctx, dest, req); err == nil {
		t.Fatal("expected a thumbprint mismatch error")
	}
}
