// Package runtime wires the rest of this module into the single object an
// application actually talks to: a Runtime listens for inbound connections,
// dials or polls to reach remote peers, decides whether an outbound call
// goes direct or through a router hop, and dispatches inbound calls to
// locally registered services. It is grounded on the teacher's Server and
// Client put together — Server's service registration and middleware-chain
// wiring (server/server.go), Client's registry+balancer-driven dispatch
// (client/client.go) — generalized from "one registry, one balancer, one
// service map" into the trust/route/queue/listener/poller surface this
// system's spec calls for.
package runtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"duplexrpc/codec"
	"duplexrpc/halerr"
	"duplexrpc/internal/certutil"
	"duplexrpc/listener"
	"duplexrpc/loadbalance"
	"duplexrpc/message"
	"duplexrpc/middleware"
	"duplexrpc/polling"
	"duplexrpc/protocol"
	"duplexrpc/queue"
	"duplexrpc/registry"
	"duplexrpc/transport"
)

const (
	routerServiceName = "Router"
	routeMethodName   = "Route"

	trustKeyPrefix = "trust/"
	routeKeyPrefix = "route/"

	// defaultBackoffBase and defaultBackoffMax seed Config.Backoff when the
	// caller leaves it at its zero value, so a PollingClient reconnecting
	// against a down candidate paces itself instead of spinning at 100% CPU.
	defaultBackoffBase = 250 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// Config configures a Runtime.
type Config struct {
	// Certificate is this runtime's own identity, presented both when
	// accepting inbound connections and when dialing out.
	Certificate tls.Certificate
	// CodecType selects the wire codec for frames sent on connections this
	// runtime dials (outgoing requests and polling responses). Frames sent
	// on connections its listeners accept are always JSON.
	CodecType codec.CodecType
	// DialTimeout bounds connect + handshake for outbound dials and
	// PollingClient reconnects.
	DialTimeout time.Duration
	// IdleTimeout closes an inbound connection that carries no traffic
	// for this long, and ends a polling cycle after the same quiet period.
	IdleTimeout time.Duration
	// DequeueWait bounds each poll of a subscriber's queue.
	DequeueWait time.Duration
	// CollectionTimeout and ResponseTimeout bound a poll:// destination's
	// two-phase wait: how long a request may sit unclaimed, and how long
	// a claimed request may go unanswered.
	CollectionTimeout time.Duration
	ResponseTimeout   time.Duration
	// MaxIdlePerEndpoint and PoolIdleTimeout configure the outbound
	// connection pool.
	MaxIdlePerEndpoint int
	PoolIdleTimeout    time.Duration
	// AdmissionRate and AdmissionBurst configure connection-admission
	// rate limiting on every listener this runtime starts. Zero disables
	// the limiter.
	AdmissionRate  float64
	AdmissionBurst int
	// Middlewares wraps every inbound dispatch (both plain and
	// router-relayed), built into a single chain once at construction
	// time, the way server.Server builds svr.handler once in Serve.
	Middlewares []middleware.Middleware
	// Backoff governs reconnect delay for every PollingClient this
	// runtime starts via Poll. Left at its zero value, NewRuntime applies
	// defaultBackoffBase/defaultBackoffMax rather than leaving it at
	// Backoff{}, which would otherwise reconnect with no delay at all.
	Backoff polling.Backoff
	// Logger receives diagnostics. Defaults to log.Default().
	Logger *log.Logger
}

type pollHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runtime is the top-level object an application constructs once: it owns a
// trust set, a route table, a map of pending-request queues, an outbound
// SecureClient, any number of SecureListeners and PollingClients, and the
// services it has registered to answer inbound calls.
type Runtime struct {
	cfg    Config
	logger *log.Logger

	trust  *TrustSet
	routes *RouteTable
	queues *queue.QueueMap

	client  *transport.SecureClient
	handler protocol.HandlerFunc

	mu        sync.Mutex
	services  map[string]ServiceInvoker
	listeners []*listener.SecureListener
	pollers   map[string]*pollHandle

	configStore       registry.ConfigStore
	configStoreCancel context.CancelFunc
}

// NewRuntime builds a Runtime from cfg. It does not start listening or
// polling anything by itself — call Listen and Poll to do that.
func NewRuntime(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = defaultBackoffBase
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = defaultBackoffMax
	}

	rt := &Runtime{
		cfg:      cfg,
		logger:   cfg.Logger,
		trust:    NewTrustSet(),
		routes:   NewRouteTable(),
		queues:   queue.NewQueueMap(),
		services: make(map[string]ServiceInvoker),
		pollers:  make(map[string]*pollHandle),
		client: transport.NewSecureClient(transport.Config{
			Certificate:        cfg.Certificate,
			DialTimeout:        cfg.DialTimeout,
			MaxIdlePerEndpoint: cfg.MaxIdlePerEndpoint,
			IdleTimeout:        cfg.PoolIdleTimeout,
			CodecType:          cfg.CodecType,
		}),
	}
	rt.handler = middleware.Chain(cfg.Middlewares...)(middleware.HandlerFunc(rt.HandleIncomingRequest))
	return rt
}

// RegisterService scans impl's exported methods via reflection and makes
// them answerable under serviceName, the way server.Server.Register does
// for the teacher's fixed (receiver, *Args, *Reply) error method shape —
// generalized here to this system's positional-argument method shape. impl
// must be a pointer to a struct.
func (rt *Runtime) RegisterService(serviceName string, impl any) error {
	svc, err := newInvokableService(serviceName, impl)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.services[serviceName] = svc
	rt.mu.Unlock()
	return nil
}

// RegisterInvoker registers a caller-supplied ServiceInvoker directly,
// bypassing reflection — for callers whose dispatch logic does not fit the
// reflect.Method scanning RegisterService performs.
func (rt *Runtime) RegisterInvoker(serviceName string, invoker ServiceInvoker) {
	rt.mu.Lock()
	rt.services[serviceName] = invoker
	rt.mu.Unlock()
}

// Listen binds addr (e.g. ":8443"; an empty host picks any free port when
// addr is just ":0" or "") and starts accepting connections. It returns the
// bound port.
func (rt *Runtime) Listen(addr string) (int, error) {
	if addr == "" {
		addr = ":0"
	}
	ln, err := listener.NewSecureListener(listener.Config{
		Addr:           addr,
		Certificate:    rt.cfg.Certificate,
		Trust:          rt.trust,
		Handler:        rt.handler,
		Queues:         rt.queues,
		CodecType:      rt.cfg.CodecType,
		IdleTimeout:    rt.cfg.IdleTimeout,
		DequeueWait:    rt.cfg.DequeueWait,
		AdmissionRate:  rt.cfg.AdmissionRate,
		AdmissionBurst: rt.cfg.AdmissionBurst,
		Logger:         rt.logger,
	})
	if err != nil {
		return 0, err
	}
	ln.Start()

	rt.mu.Lock()
	rt.listeners = append(rt.listeners, ln)
	rt.mu.Unlock()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, err
	}
	return port, nil
}

// Trust adds thumbprint to the runtime's trust set. Trust is additive and
// live: it affects every connection accepted from this call onward, and
// there is no corresponding Untrust in the core surface (see TrustSet for
// the expansion that does support removal). If a ConfigStore is attached,
// the decision is also mirrored to it.
func (rt *Runtime) Trust(thumbprint string) {
	rt.trust.Trust(thumbprint)

	rt.mu.Lock()
	store := rt.configStore
	rt.mu.Unlock()
	if store == nil {
		return
	}
	key := trustKeyPrefix + strings.ToUpper(thumbprint)
	if err := store.Put(context.Background(), key, "1"); err != nil {
		rt.logger.Printf("runtime: mirroring trust decision to config store: %v", err)
	}
}

// Route records that requests addressed to "to" should be relayed via
// "via", unless "to" already has a route (first-writer-wins). It reports
// whether it actually recorded one.
func (rt *Runtime) Route(to, via message.Endpoint) bool {
	set := rt.routes.SetIfAbsent(to, via)
	if !set {
		return false
	}

	rt.mu.Lock()
	store := rt.configStore
	rt.mu.Unlock()
	if store == nil {
		return true
	}
	value, err := encodeRouteValue(via)
	if err != nil {
		return true
	}
	if err := store.Put(context.Background(), routeKeyPrefix+to.String(), value); err != nil {
		rt.logger.Printf("runtime: mirroring route to config store: %v", err)
	}
	return true
}

// Poll starts a PollingClient dialing out to candidates and servicing
// requests delivered over that connection under subscriptionURI. It is an
// error to call Poll twice for the same subscriptionURI without an
// intervening StopPoll.
func (rt *Runtime) Poll(subscriptionURI string, candidates []loadbalance.Candidate, balancer loadbalance.Balancer) error {
	rt.mu.Lock()
	if _, exists := rt.pollers[subscriptionURI]; exists {
		rt.mu.Unlock()
		return fmt.Errorf("runtime: already polling subscription %q", subscriptionURI)
	}
	ctx, cancel := context.WithCancel(context.Background())
	handle := &pollHandle{cancel: cancel, done: make(chan struct{})}
	rt.pollers[subscriptionURI] = handle
	rt.mu.Unlock()

	pc := polling.NewPollingClient(polling.Config{
		SubscriptionURI:  subscriptionURI,
		Candidates:       candidates,
		Balancer:         balancer,
		Certificate:      rt.cfg.Certificate,
		Handler:          rt.handler,
		CodecType:        rt.cfg.CodecType,
		DialTimeout:      rt.cfg.DialTimeout,
		CycleIdleTimeout: rt.cfg.IdleTimeout,
		Backoff:          rt.cfg.Backoff,
		Logger:           rt.logger,
	})

	go func() {
		defer close(handle.done)
		if err := pc.Run(ctx); err != nil && ctx.Err() == nil {
			rt.logger.Printf("runtime: polling subscription %q ended: %v", subscriptionURI, err)
		}
	}()
	return nil
}

// StopPoll cancels the PollingClient servicing subscriptionURI, if any, and
// waits for it to exit.
func (rt *Runtime) StopPoll(subscriptionURI string) {
	rt.mu.Lock()
	handle, ok := rt.pollers[subscriptionURI]
	if ok {
		delete(rt.pollers, subscriptionURI)
	}
	rt.mu.Unlock()
	if !ok {
		return
	}
	handle.cancel()
	<-handle.done
}

// SendOutgoingRequest dispatches req, rewriting it into a Router.Route call
// against the route table's "via" endpoint if one is recorded for
// req.Destination, and otherwise dispatching directly by scheme: poll://
// destinations go through this runtime's queue map, https:// destinations
// go through its SecureClient.
func (rt *Runtime) SendOutgoingRequest(ctx context.Context, req *message.RequestMessage) (*message.ResponseMessage, error) {
	if via, ok := rt.routes.Lookup(req.Destination.String()); ok {
		return rt.sendRouted(ctx, via, req)
	}
	return rt.sendDirect(ctx, req.Destination, req)
}

func (rt *Runtime) sendDirect(ctx context.Context, dest message.Endpoint, req *message.RequestMessage) (*message.ResponseMessage, error) {
	if dest.BaseURI == nil {
		return nil, &halerr.ConfigurationError{Reason: "request has no resolved destination"}
	}
	switch dest.BaseURI.Scheme {
	case "poll":
		uri, _ := dest.SubscriptionURI()
		q := rt.queues.GetOrCreate(uri)
		return q.QueueAndWait(ctx, req, rt.cfg.CollectionTimeout, rt.cfg.ResponseTimeout)
	case "https":
		return rt.client.ExecuteTransaction(ctx, dest, req)
	default:
		return nil, &halerr.ConfigurationError{Reason: "unsupported destination scheme " + dest.BaseURI.Scheme}
	}
}

// sendRouted wraps inner as the sole argument of a synthetic Router.Route
// call addressed to via, sends that, and unwraps the inner ResponseMessage
// from its result. If the Router.Route call itself fails or comes back as
// an error (the relay hop was unreachable, or rejected the call), that
// failure is surfaced directly rather than unwrapped.
func (rt *Runtime) sendRouted(ctx context.Context, via message.Endpoint, inner *message.RequestMessage) (*message.ResponseMessage, error) {
	innerBytes, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	outer := message.NewRequestMessage(inner.ActivityID, via, routerServiceName, routeMethodName, []json.RawMessage{innerBytes})

	outerResp, err := rt.sendDirect(ctx, via, outer)
	if err != nil {
		return nil, err
	}
	if outerResp.IsError() {
		return outerResp, nil
	}

	var innerResp message.ResponseMessage
	if err := json.Unmarshal(outerResp.Result, &innerResp); err != nil {
		return nil, &halerr.ProtocolError{Reason: "decoding routed response: " + err.Error()}
	}
	return &innerResp, nil
}

// HandleIncomingRequest is this runtime's inbound dispatch entry point,
// wired as the HandlerFunc every SecureListener and PollingClient this
// runtime owns invokes for each request it receives. A Router.Route call is
// unwrapped and either relayed one further hop or invoked locally; every
// other call is handed straight to its registered ServiceInvoker.
func (rt *Runtime) HandleIncomingRequest(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	if req.ServiceName == routerServiceName && req.MethodName == routeMethodName {
		return rt.handleRoute(ctx, req)
	}
	return rt.invokeLocal(ctx, req)
}

func (rt *Runtime) handleRoute(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	remote := routerServiceName + "." + routeMethodName
	if len(req.Params) != 1 {
		return message.NewErrorResponse(req.RequestID, "Router.Route requires exactly one parameter", remote)
	}

	var original message.RequestMessage
	if err := json.Unmarshal(req.Params[0], &original); err != nil {
		return message.NewErrorResponse(req.RequestID, "decoding routed request: "+err.Error(), remote)
	}
	if err := original.ResolveDestination(); err != nil {
		return message.NewErrorResponse(req.RequestID, "decoding routed destination: "+err.Error(), remote)
	}

	var innerResp *message.ResponseMessage
	if _, hasFurtherRoute := rt.routes.Lookup(original.Destination.String()); hasFurtherRoute {
		resp, err := rt.SendOutgoingRequest(ctx, &original)
		if err != nil {
			return message.NewErrorResponse(req.RequestID, err.Error(), remote)
		}
		innerResp = resp
	} else {
		innerResp = rt.invokeLocal(ctx, &original)
	}

	resultBytes, err := json.Marshal(innerResp)
	if err != nil {
		return message.NewErrorResponse(req.RequestID, err.Error(), remote)
	}
	return message.NewResultResponse(req.RequestID, resultBytes)
}

func (rt *Runtime) invokeLocal(ctx context.Context, req *message.RequestMessage) *message.ResponseMessage {
	rt.mu.Lock()
	invoker, ok := rt.services[req.ServiceName]
	rt.mu.Unlock()
	if !ok {
		return message.NewErrorResponse(req.RequestID, fmt.Sprintf("unknown service %q", req.ServiceName), req.ServiceName+"."+req.MethodName)
	}
	return invokeAndRespond(ctx, invoker, req)
}

// Discover opens a short TLS session against one of seeds — all addresses
// for the same logical peer — reads its presented certificate's thumbprint,
// and returns an Endpoint combining that peer's base URI with the
// discovered thumbprint. No identification preamble is sent and no envelope
// is exchanged: this is strictly a certificate probe. Probes are spread
// across seeds by WeightedRandomBalancer so a heavier-weighted seed is
// tried more often without starving the others; the first seed that
// completes a handshake wins.
func (rt *Runtime) Discover(ctx context.Context, seeds []loadbalance.Candidate) (message.Endpoint, error) {
	if len(seeds) == 0 {
		return message.Endpoint{}, fmt.Errorf("runtime: Discover requires at least one seed candidate")
	}

	balancer := &loadbalance.WeightedRandomBalancer{}
	remaining := append([]loadbalance.Candidate(nil), seeds...)
	var lastErr error

	for len(remaining) > 0 {
		pick, err := balancer.Pick(remaining)
		if err != nil {
			return message.Endpoint{}, err
		}
		ep, probeErr := rt.probeThumbprint(ctx, pick.Endpoint)
		if probeErr == nil {
			return ep, nil
		}
		lastErr = probeErr
		remaining = dropCandidate(remaining, pick.Endpoint)
	}
	return message.Endpoint{}, lastErr
}

func (rt *Runtime) probeThumbprint(ctx context.Context, seed message.Endpoint) (message.Endpoint, error) {
	if seed.BaseURI == nil || seed.BaseURI.Host == "" {
		return message.Endpoint{}, halerr.NewTransportError(seed.String(), errors.New("endpoint has no host to dial"))
	}

	dialer := &net.Dialer{Timeout: rt.cfg.DialTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", seed.BaseURI.Host)
	if err != nil {
		return message.Endpoint{}, halerr.NewTransportError(seed.String(), err)
	}
	defer rawConn.Close()

	tlsConn := tls.Client(rawConn, &tls.Config{
		Certificates: []tls.Certificate{rt.cfg.Certificate},
		// Discover's whole point is to learn the thumbprint to trust
		// going forward; there is nothing to verify against yet.
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return message.Endpoint{}, halerr.NewTransportError(seed.String(), err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return message.Endpoint{}, halerr.NewTransportError(seed.String(), errors.New("peer presented no certificate"))
	}
	return message.Endpoint{
		BaseURI:    seed.BaseURI,
		Thumbprint: certutil.Thumbprint(state.PeerCertificates[0].Raw),
	}, nil
}

func dropCandidate(candidates []loadbalance.Candidate, drop message.Endpoint) []loadbalance.Candidate {
	out := candidates[:0]
	for _, c := range candidates {
		if !c.Endpoint.Equal(drop) {
			out = append(out, c)
		}
	}
	return out
}

// WithConfigStore attaches store as this runtime's shared configuration
// mirror: every trust/route entry already in store is applied locally, and
// a background watch applies entries written afterward by other runtime
// instances sharing the same store. Trust and Route calls made on this
// runtime from now on are, in turn, written back to store. A Runtime with
// no attached ConfigStore behaves exactly like the core spec describes;
// this is additive sugar.
func (rt *Runtime) WithConfigStore(ctx context.Context, store registry.ConfigStore) error {
	existingTrust, err := store.List(ctx, trustKeyPrefix)
	if err != nil {
		return err
	}
	for key := range existingTrust {
		rt.trust.Trust(strings.TrimPrefix(key, trustKeyPrefix))
	}

	existingRoutes, err := store.List(ctx, routeKeyPrefix)
	if err != nil {
		return err
	}
	for key, value := range existingRoutes {
		rt.applyRemoteRoute(key, value)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.configStore = store
	rt.configStoreCancel = cancel
	rt.mu.Unlock()

	// Register both watches before returning, so a change written right
	// after WithConfigStore returns is already observed.
	trustEvents := store.Watch(watchCtx, trustKeyPrefix)
	routeEvents := store.Watch(watchCtx, routeKeyPrefix)
	go rt.watchPrefix(trustEvents, rt.applyRemoteTrustEvent)
	go rt.watchPrefix(routeEvents, rt.applyRemoteRouteEvent)
	return nil
}

// DetachConfigStore stops mirroring trust/route changes and forgets the
// attached ConfigStore. It does not touch entries already applied locally.
func (rt *Runtime) DetachConfigStore() {
	rt.mu.Lock()
	cancel := rt.configStoreCancel
	rt.configStore = nil
	rt.configStoreCancel = nil
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (rt *Runtime) watchPrefix(events <-chan registry.KVEvent, apply func(registry.KVEvent)) {
	for ev := range events {
		apply(ev)
	}
}

func (rt *Runtime) applyRemoteTrustEvent(ev registry.KVEvent) {
	thumb := strings.TrimPrefix(ev.Key, trustKeyPrefix)
	if ev.Deleted {
		rt.trust.Untrust(thumb)
		return
	}
	rt.trust.Trust(thumb)
}

func (rt *Runtime) applyRemoteRouteEvent(ev registry.KVEvent) {
	if ev.Deleted {
		return
	}
	rt.applyRemoteRoute(ev.Key, ev.Value)
}

func (rt *Runtime) applyRemoteRoute(key, value string) {
	to := strings.TrimPrefix(key, routeKeyPrefix)
	via, err := decodeRouteValue(value)
	if err != nil {
		rt.logger.Printf("runtime: decoding mirrored route for %q: %v", to, err)
		return
	}
	toEndpoint, err := message.NewEndpoint(to, "")
	if err != nil {
		rt.logger.Printf("runtime: decoding mirrored route destination %q: %v", to, err)
		return
	}
	rt.routes.SetIfAbsent(toEndpoint, via)
}

type routeValue struct {
	BaseURI    string `json:"baseUri"`
	Thumbprint string `json:"thumbprint"`
}

func encodeRouteValue(via message.Endpoint) (string, error) {
	b, err := json.Marshal(routeValue{BaseURI: via.String(), Thumbprint: via.Thumbprint})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRouteValue(value string) (message.Endpoint, error) {
	var rv routeValue
	if err := json.Unmarshal([]byte(value), &rv); err != nil {
		return message.Endpoint{}, err
	}
	return message.NewEndpoint(rv.BaseURI, rv.Thumbprint)
}

// Dispose releases every listener, polling worker, and pooled connection
// this runtime owns, and closes its queues so later QueueAndWait calls fail
// with halerr.ErrShuttingDown. It does not flush or cancel in-flight
// requests: a caller already blocked in QueueAndWait is not woken and
// returns on its own collection or response deadline.
func (rt *Runtime) Dispose() error {
	rt.DetachConfigStore()

	rt.mu.Lock()
	listeners := rt.listeners
	rt.listeners = nil
	pollers := rt.pollers
	rt.pollers = make(map[string]*pollHandle)
	rt.mu.Unlock()

	var firstErr error
	for _, ln := range listeners {
		if err := ln.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, handle := range pollers {
		handle.cancel()
		<-handle.done
	}

	rt.client.Close()
	rt.queues.CloseAll()
	return firstErr
}
