package runtime

import (
	"context"
	"encoding/json"
	"testing"
)

type greeterService struct{}

func (s *greeterService) SayHello(ctx context.Context, name string) (string, error) {
	return "hello " + name, nil
}

func (s *greeterService) Explode(reason string) error {
	return errStub(reason)
}

type errStub string

func (e errStub) Error() string { return string(e) }

func TestInvokableServiceInvokesMatchingMethod(t *testing.T) {
	svc, err := newInvokableService("IGreeterService", &greeterService{})
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.Invoke(context.Background(), "SayHello", []json.RawMessage{json.RawMessage(`"Dana"`)})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if string(result) != `"hello Dana"` {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestInvokableServiceReturnsMethodError(t *testing.T) {
	svc, err := newInvokableService("IGreeterService", &greeterService{})
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.Invoke(context.Background(), "Explode", []json.RawMessage{json.RawMessage(`"boom"`)})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected the method's own error to surface, got %v", err)
	}
}

func TestInvokableServiceRejectsUnknownMethod(t *testing.T) {
	svc, err := newInvokableService("IGreeterService", &greeterService{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Invoke(context.Background(), "DoesNotExist", nil); err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
}

func TestNewInvokableServiceRejectsNonPointer(t *testing.T) {
	if _, err := newInvokableService("IGreeterService", greeterService{}); err == nil {
		t.Fatal("expected newInvokableService to reject a non-pointer receiver")
	}
}
