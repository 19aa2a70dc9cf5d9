package transport

import (
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	net.Conn
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func newTestSession() (*Session, *fakeConn) {
	fc := &fakeConn{}
	return &Session{conn: fc}, fc
}

func TestPoolGetEmptyReturnsNil(t *testing.T) {
	p := NewPool(2, time.Minute)
	if s := p.Get("https://a.test/"); s != nil {
		t.Fatal("expected nil from an empty pool")
	}
}

func TestPoolPutGetLIFOOrder(t *testing.T) {
	p := NewPool(2, time.Minute)
	s1, _ := newTestSession()
	s2, _ := newTestSession()

	p.Put("https://a.test/", s1)
	p.Put("https://a.test/", s2)

	if got := p.Get("https://a.test/"); got != s2 {
		t.Fatal("expected LIFO: most recently returned session first")
	}
	if got := p.Get("https://a.test/"); got != s1 {
		t.Fatal("expected the earlier session next")
	}
	if got := p.Get("https://a.test/"); got != nil {
		t.Fatal("expected the pool to be empty now")
	}
}

func TestPoolPutBeyondCapacityCloses(t *testing.T) {
	p := NewPool(1, time.Minute)
	s1, c1 := newTestSession()
	s2, c2 := newTestSession()

	p.Put("https://a.test/", s1)
	p.Put("https://a.test/", s2)

	if !c2.closed {
		t.Fatal("expected the session put beyond capacity to be closed")
	}
	if c1.closed {
		t.Fatal("expected the already-pooled session to remain open")
	}
}

func TestPoolGetEvictsIdleSessions(t *testing.T) {
	p := NewPool(2, 10*time.Millisecond)
	s1, c1 := newTestSession()
	p.Put("https://a.test/", s1)

	time.Sleep(20 * time.Millisecond)
	if got := p.Get("https://a.test/"); got != nil {
		t.Fatal("expected an idle-expired session to be discarded")
	}
	if !c1.closed {
		t.Fatal("expected the expired session to be closed")
	}
}

func TestPoolEndpointsAreIndependent(t *testing.T) {
	p := NewPool(1, time.Minute)
	sA, _ := newTestSession()
	sB, _ := newTestSession()
	p.Put("https://a.test/", sA)
	p.Put("https://b.test/", sB)

	if p.Get("https://a.test/") != sA {
		t.Fatal("endpoint a lost its session")
	}
	if p.Get("https://b.test/") != sB {
		t.Fatal("endpoint b lost its session")
	}
}
