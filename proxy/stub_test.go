package proxy

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"duplexrpc/codec"
	"duplexrpc/internal/testcerts"
	"duplexrpc/message"
	"duplexrpc/runtime"
)

// GreeterStub is an example transparent-proxy shape: one exported
// function-typed field per remote method, named to match the method it
// calls.
type GreeterStub struct {
	SayHello func(ctx context.Context, name string) (string, error)
	Explode  func(reason string) error
}

type greeterService struct{}

func (s *greeterService) SayHello(ctx context.Context, name string) (string, error) {
	return "hello " + name, nil
}

func (s *greeterService) Explode(reason string) error {
	return errors.New(reason)
}

func newTestRuntime(t *testing.T) (*runtime.Runtime, string) {
	t.Helper()
	cert, thumb, err := testcerts.Generate("localhost")
	if err != nil {
		t.Fatal(err)
	}
	rt := runtime.NewRuntime(runtime.Config{
		Certificate:        cert,
		CodecType:          codec.CodecTypeJSON,
		DialTimeout:        time.Second,
		IdleTimeout:        time.Second,
		DequeueWait:        20 * time.Millisecond,
		CollectionTimeout:  time.Second,
		ResponseTimeout:    time.Second,
		MaxIdlePerEndpoint: 2,
	})
	t.Cleanup(func() { rt.Dispose() })
	return rt, thumb
}

func TestNewClientStubRoundTrip(t *testing.T) {
	server, serverThumb := newTestRuntime(t)
	if err := server.RegisterService("GreeterStub", &greeterService{}); err != nil {
		t.Fatal(err)
	}

	client, clientThumb := newTestRuntime(t)
	server.Trust(clientThumb)

	port, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dest, err := message.NewEndpoint("https://127.0.0.1:"+strconv.Itoa(port)+"/", serverThumb)
	if err != nil {
		t.Fatal(err)
	}

	greeter := NewClientStub[GreeterStub](client, dest)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := greeter.SayHello(ctx, "Dana")
	if err != nil {
		t.Fatalf("SayHello failed: %v", err)
	}
	if got != "hello Dana" {
		t.Fatalf("unexpected result: %q", got)
	}
}

func TestNewClientStubSurfacesRemoteError(t *testing.T) {
	server, serverThumb := newTestRuntime(t)
	if err := server.RegisterService("GreeterStub", &greeterService{}); err != nil {
		t.Fatal(err)
	}

	client, clientThumb := newTestRuntime(t)
	server.Trust(clientThumb)

	port, err := server.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dest, err := message.NewEndpoint("https://127.0.0.1:"+strconv.Itoa(port)+"/", serverThumb)
	if err != nil {
		t.Fatal(err)
	}

	greeter := NewClientStub[GreeterStub](client, dest)

	err = greeter.Explode("boom")
	if err == nil || err.Error() != "boom\nat GreeterStub.Explode" {
		t.Fatalf("expected the remote error text to surface, got %v", err)
	}
}

func TestNewClientStubRejectsNonStruct(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected NewClientStub to panic for a non-struct T")
		}
	}()
	client, _ := newTestRuntime(t)
	dest, _ := message.NewEndpoint("https://127.0.0.1:1/", "AA")
	NewClientStub[func()](client, dest)
}
