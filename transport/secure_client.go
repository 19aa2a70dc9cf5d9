package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"duplexrpc/codec"
	"duplexrpc/halerr"
	"duplexrpc/internal/certutil"
	"duplexrpc/message"
	"duplexrpc/protocol"
)

// Session is one authenticated, identified connection checked out of or
// ready to be returned to a Pool.
type Session struct {
	conn  net.Conn
	proto *protocol.MessageExchangeProtocol
}

// Close closes the underlying connection. A Session that has been handed to
// Pool.Put must not be used afterwards.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Config configures a SecureClient.
type Config struct {
	// Certificate is this client's own identity, presented during the TLS
	// handshake for mutual authentication.
	Certificate tls.Certificate
	// DialTimeout bounds connect + handshake for a fresh dial.
	DialTimeout time.Duration
	// MaxIdlePerEndpoint caps how many idle sessions are kept per
	// destination endpoint. Defaults to 4 if zero.
	MaxIdlePerEndpoint int
	// IdleTimeout evicts a pooled session that has sat idle longer than
	// this. Zero disables eviction.
	IdleTimeout time.Duration
	// CodecType selects the wire codec used for outgoing requests.
	CodecType codec.CodecType
}

// SecureClient dials, authenticates, and pools connections to the
// endpoints it is asked to call, executing one request/response exchange
// per call via ExecuteTransaction.
type SecureClient struct {
	cfg  Config
	pool *Pool
}

// NewSecureClient builds a SecureClient from cfg.
func NewSecureClient(cfg Config) *SecureClient {
	if cfg.MaxIdlePerEndpoint <= 0 {
		cfg.MaxIdlePerEndpoint = 4
	}
	return &SecureClient{
		cfg:  cfg,
		pool: NewPool(cfg.MaxIdlePerEndpoint, cfg.IdleTimeout),
	}
}

// ExecuteTransaction sends req to dest and returns its response, reusing a
// pooled session when one is idle and available, dialing a fresh one
// otherwise. A session is only returned to the pool after a fully
// successful exchange — any transport or protocol failure closes it instead,
// per the error-handling design's "not returned to the pool" rule.
func (c *SecureClient) ExecuteTransaction(ctx context.Context, dest message.Endpoint, req *message.RequestMessage) (*message.ResponseMessage, error) {
	key := dest.String()

	session := c.pool.Get(key)
	if session == nil {
		var err error
		session, err = c.dial(ctx, dest)
		if err != nil {
			return nil, err
		}
	}

	resp, err := session.proto.ExchangeAsClient(ctx, req)
	if err != nil {
		session.Close()
		return nil, &halerr.TransportError{URI: key, Op: "during the request", Err: err}
	}

	c.pool.Put(key, session)
	return resp, nil
}

// dial opens a fresh TLS connection to dest, verifies its thumbprint, and
// completes the MX-CLIENT identification handshake.
func (c *SecureClient) dial(ctx context.Context, dest message.Endpoint) (*Session, error) {
	tlsConn, err := DialTLS(ctx, dest, c.cfg.Certificate, c.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	proto, err := protocol.NewClientProtocol(tlsConn, c.cfg.CodecType)
	if err != nil {
		tlsConn.Close()
		return nil, err
	}

	return &Session{conn: tlsConn, proto: proto}, nil
}

// DialTLS opens and authenticates a TLS connection to dest: it dials the
// endpoint's host, completes the handshake presenting cert as this side's
// identity, and checks the peer's certificate against dest.Thumbprint. It is
// shared by SecureClient (for MX-CLIENT transactions) and PollingClient (for
// MX-SUBSCRIBER connections) since both need the identical dial-then-verify
// sequence before diverging on which identification frame they send.
func DialTLS(ctx context.Context, dest message.Endpoint, cert tls.Certificate, dialTimeout time.Duration) (*tls.Conn, error) {
	if dest.BaseURI == nil || dest.BaseURI.Host == "" {
		return nil, halerr.NewTransportError(dest.String(), errMissingHost)
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", dest.BaseURI.Host)
	if err != nil {
		return nil, halerr.NewTransportError(dest.String(), err)
	}

	tlsConn := tls.Client(rawConn, &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Hostname/CA-chain validation is replaced entirely by the
		// thumbprint check below; InsecureSkipVerify just tells the
		// standard library not to also attempt the validation it has no
		// CA pool configured for anyway.
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, halerr.NewTransportError(dest.String(), err)
	}

	if err := certutil.VerifyPeer(tlsConn.ConnectionState(), dest.Thumbprint); err != nil {
		tlsConn.Close()
		return nil, halerr.NewTransportError(dest.String(), err)
	}

	return tlsConn, nil
}

// Close shuts down every idle pooled session. In-flight transactions are
// unaffected.
func (c *SecureClient) Close() {
	c.pool.CloseAll()
}

var errMissingHost = missingHostError{}

type missingHostError struct{}

func (missingHostError) Error() string { return "endpoint has no host to dial" }
