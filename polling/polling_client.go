package polling

import (
	"context"
	"crypto/tls"
	"log"
	"time"

	"duplexrpc/codec"
	"duplexrpc/loadbalance"
	"duplexrpc/message"
	"duplexrpc/protocol"
	"duplexrpc/transport"
)

// Config configures a PollingClient.
type Config struct {
	// SubscriptionURI is the poll://... identity this client announces.
	SubscriptionURI string
	// Candidates is the set of listener endpoints to try dialing, in the
	// order Balancer selects them.
	Candidates []loadbalance.Candidate
	// Balancer orders reconnect attempts across Candidates. Defaults to a
	// fresh RoundRobinBalancer.
	Balancer loadbalance.Balancer
	// Certificate is this client's own identity for the TLS handshake.
	Certificate tls.Certificate
	// Handler services requests the listener delivers over the
	// subscriber connection.
	Handler protocol.HandlerFunc
	// CodecType selects the wire codec for outgoing response frames.
	CodecType codec.CodecType
	// DialTimeout bounds connect + handshake for each attempt.
	DialTimeout time.Duration
	// CycleIdleTimeout ends one polling cycle (and triggers an immediate
	// reconnect) after this long without a request from the listener.
	CycleIdleTimeout time.Duration
	// Backoff governs the delay between reconnect attempts after a
	// failed dial or a cycle that ended in error.
	Backoff Backoff
	// Logger receives per-attempt diagnostics. Defaults to log.Default().
	Logger *log.Logger
}

// PollingClient dials out to one of Config.Candidates, identifies as a
// subscriber, and then runs polling cycles: each cycle inverts to a
// request-handler loop until the connection goes idle or breaks, at which
// point it reconnects (immediately after a clean idle cycle, after a
// backoff delay following a failure).
type PollingClient struct {
	cfg     Config
	client  *transport.SecureClient
	logger  *log.Logger
	balancer loadbalance.Balancer
}

// NewPollingClient builds a PollingClient from cfg.
func NewPollingClient(cfg Config) *PollingClient {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	balancer := cfg.Balancer
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	return &PollingClient{
		cfg:      cfg,
		logger:   cfg.Logger,
		balancer: balancer,
	}
}

// Run dials and services polling cycles in a loop until ctx is cancelled.
func (c *PollingClient) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		candidate, err := c.balancer.Pick(c.cfg.Candidates)
		if err != nil {
			return err
		}

		if err := c.runOneCycle(ctx, candidate.Endpoint); err != nil {
			c.logger.Printf("polling: cycle against %s ended: %v", candidate.Endpoint, err)
			attempt++
			delay := c.cfg.Backoff.Delay(attempt)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
			continue
		}

		// A clean idle exit resets the backoff and reconnects immediately.
		attempt = 0
	}
}

func (c *PollingClient) runOneCycle(ctx context.Context, listener message.Endpoint) error {
	conn, err := transport.DialTLS(ctx, listener, c.cfg.Certificate, c.cfg.DialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	proto, err := protocol.NewSubscriberProtocol(conn, c.cfg.CodecType, c.cfg.SubscriptionURI)
	if err != nil {
		return err
	}

	return proto.ExchangeAsServer(ctx, protocol.RoleClient, "", c.cfg.Handler, nil, protocol.ServerLoopConfig{
		IdleTimeout: c.cfg.CycleIdleTimeout,
	})
}
