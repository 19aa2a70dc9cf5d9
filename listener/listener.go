// Package listener implements the accepting side of the wire protocol: bind,
// TLS-authenticate each inbound connection against a caller-supplied trust
// check, admit it past a token-bucket limiter, and hand it to the message
// exchange protocol's server loop.
package listener

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"duplexrpc/codec"
	"duplexrpc/halerr"
	"duplexrpc/internal/certutil"
	"duplexrpc/protocol"
	"duplexrpc/queue"
)

// TrustChecker answers whether a presented certificate thumbprint is
// currently trusted. Runtime's TrustSet implements this; it is taken as an
// interface here so this package never depends on runtime.
type TrustChecker interface {
	IsTrusted(thumbprint string) bool
}

// Config configures a SecureListener.
type Config struct {
	// Addr is the "host:port" to bind, e.g. ":8443".
	Addr string
	// Certificate is this listener's own identity, presented during the
	// TLS handshake.
	Certificate tls.Certificate
	// Trust decides whether an inbound peer's certificate is accepted.
	Trust TrustChecker
	// Handler services a plain MX-CLIENT peer's requests.
	Handler protocol.HandlerFunc
	// Queues resolves a subscriber's subscription URI to the queue this
	// listener should drain when servicing an MX-SUBSCRIBER connection.
	Queues *queue.QueueMap
	// CodecType is stored but not applied: protocol.Accept encodes every
	// frame sent on an accepted connection as JSON, whatever this is set to.
	CodecType codec.CodecType
	// IdleTimeout closes a connection that carries no traffic for this
	// long.
	IdleTimeout time.Duration
	// DequeueWait bounds each poll of a subscriber's queue; see
	// protocol.ServerLoopConfig.
	DequeueWait time.Duration
	// AdmissionRate and AdmissionBurst configure the token-bucket limiter
	// guarding connection admission before the (expensive) TLS handshake
	// runs — a flood of connection attempts is rejected at accept time
	// rather than left to exhaust handshake goroutines. Zero AdmissionRate
	// disables the limiter.
	AdmissionRate  float64
	AdmissionBurst int
	// Logger receives per-connection diagnostics. Defaults to log.Default().
	Logger *log.Logger
}

// SecureListener binds Config.Addr, authenticates each inbound connection,
// and drives the message exchange protocol's server loop over it until the
// connection goes idle or the peer disconnects.
type SecureListener struct {
	cfg     Config
	ln      net.Listener
	limiter *rate.Limiter
	logger  *log.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewSecureListener binds cfg.Addr and prepares a SecureListener; call Start
// to begin accepting.
func NewSecureListener(cfg Config) (*SecureListener, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cfg.Certificate},
		ClientAuth:   tls.RequireAnyClientCert,
	}
	ln, err := tls.Listen("tcp", cfg.Addr, tlsCfg)
	if err != nil {
		return nil, halerr.NewTransportError(cfg.Addr, err)
	}

	var limiter *rate.Limiter
	if cfg.AdmissionRate > 0 {
		burst := cfg.AdmissionBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AdmissionRate), burst)
	}

	return &SecureListener{
		cfg:     cfg,
		ln:      ln,
		limiter: limiter,
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
	}, nil
}

// Addr returns the address the listener is bound to.
func (l *SecureListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Start begins accepting connections in a background goroutine. It returns
// immediately.
func (l *SecureListener) Start() {
	l.wg.Add(1)
	go l.acceptLoop()
}

func (l *SecureListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Printf("listener: accept error: %v", err)
				return
			}
		}

		if l.limiter != nil && !l.limiter.Allow() {
			l.logger.Printf("listener: rejecting connection from %s: admission rate exceeded", conn.RemoteAddr())
			conn.Close()
			continue
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *SecureListener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		l.logger.Printf("listener: non-TLS connection from %s", conn.RemoteAddr())
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		l.logger.Printf("listener: handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		l.logger.Printf("listener: %s presented no certificate", conn.RemoteAddr())
		return
	}
	thumb := certutil.Thumbprint(state.PeerCertificates[0].Raw)
	if l.cfg.Trust != nil && !l.cfg.Trust.IsTrusted(thumb) {
		l.logger.Printf("listener: rejecting untrusted peer %s (thumbprint %s)", conn.RemoteAddr(), thumb)
		return
	}

	proto, role, subscriptionURI, err := protocol.Accept(tlsConn)
	if err != nil {
		l.logger.Printf("listener: identification failed from %s: %v", conn.RemoteAddr(), err)
		return
	}

	lookup := func(uri string) (*queue.PendingRequestQueue, error) {
		return l.cfg.Queues.GetOrCreate(uri), nil
	}

	err = proto.ExchangeAsServer(context.Background(), role, subscriptionURI, l.cfg.Handler, lookup, protocol.ServerLoopConfig{
		IdleTimeout: l.cfg.IdleTimeout,
		DequeueWait: l.cfg.DequeueWait,
	})
	if err != nil {
		l.logger.Printf("listener: connection from %s ended: %v", conn.RemoteAddr(), err)
	}
}

// Dispose stops accepting new connections and closes the listening socket.
// Connections already in progress are left to finish on their own idle
// timeout or peer disconnect; Dispose does not forcibly close them.
func (l *SecureListener) Dispose() error {
	close(l.stopCh)
	return l.ln.Close()
}
