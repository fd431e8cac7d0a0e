// Package registry manages the fleet of capability-server clients: it owns
// one client per configured server, projects their lifecycle into Connection
// snapshots, aggregates capability listings, and routes calls by server name.
package registry

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mcpfleet/mcpfleet/internal/client"
	"github.com/mcpfleet/mcpfleet/internal/config"
	"github.com/mcpfleet/mcpfleet/internal/errors"
	"github.com/mcpfleet/mcpfleet/internal/metrics"
	"github.com/mcpfleet/mcpfleet/internal/wire"
)

// Connection is the registry's read-only projection of one client, rebuilt
// whenever the client emits a lifecycle event. The registry never reaches
// into a client's internals; this snapshot is all external callers see.
type Connection struct {
	ID            string
	Server        string
	State         client.State
	LastConnected time.Time
	LastError     error
	Capabilities  *wire.Capabilities
}

// ServerTool is a tool tagged with the server that exposes it.
type ServerTool struct {
	Server string
	Tool   wire.Tool
}

// ServerResource is a resource tagged with the server that exposes it.
type ServerResource struct {
	Server   string
	Resource wire.Resource
}

// Health reports the fleet's overall condition. Healthy means every
// registered connection is connected.
type Health struct {
	Healthy bool
	Servers map[string]Connection
}

// NotificationHandler receives out-of-band notifications from any server.
type NotificationHandler func(server, method string, params []byte)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// WithTransportFactory replaces the subprocess transport for every client.
// Intended for tests.
func WithTransportFactory(f client.TransportFactory) Option {
	return func(r *Registry) {
		r.newTransport = f
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithNotificationHandler forwards server notifications to the given handler.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(r *Registry) {
		r.onNotification = h
	}
}

// Registry owns the server-name-to-client map and the parallel Connection
// projections. It is the sole subscriber to client lifecycle events.
type Registry struct {
	log            *slog.Logger
	defaults       config.Defaults
	newTransport   client.TransportFactory
	metrics        *metrics.Metrics
	onNotification NotificationHandler

	mu      sync.Mutex
	closed  bool
	clients map[string]*client.Client
	conns   map[string]*Connection

	healthStop chan struct{}
	healthDone chan struct{}
}

// New builds a registry from the given configuration, registers every
// configured server, and auto-connects those that want it. Individual
// auto-connect failures are logged, not returned; the failing server stays
// registered and can be connected later.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		log:      slog.Default(),
		defaults: cfg.Defaults.WithDefaults(),
		clients:  make(map[string]*client.Client, len(cfg.Servers)),
		conns:    make(map[string]*Connection, len(cfg.Servers)),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.log = r.log.With("component", "registry")

	for _, sc := range cfg.Servers {
		if err := r.AddServer(ctx, sc); err != nil {
			return nil, err
		}
	}

	if interval := r.defaults.HealthCheckInterval.Std(); interval > 0 {
		r.healthStop = make(chan struct{})
		r.healthDone = make(chan struct{})

		go r.healthLoop(interval)
	}

	return r, nil
}

// AddServer registers a new server and, unless auto-connect is disabled for
// it, connects immediately. A connect failure is logged and absorbed; the
// server remains registered in its error state.
func (r *Registry) AddServer(ctx context.Context, sc config.ServerConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return errors.ErrRegistryClosed
	}

	if _, ok := r.clients[sc.Name]; ok {
		r.mu.Unlock()

		return &errors.DuplicateServerError{Name: sc.Name}
	}

	opts := []client.Option{
		client.WithEventHandler(r.handleEvent),
	}
	if r.newTransport != nil {
		opts = append(opts, client.WithTransportFactory(r.newTransport))
	}

	cl := client.New(r.log, sc, r.defaults, opts...)

	r.clients[sc.Name] = cl
	r.conns[sc.Name] = &Connection{
		ID:     uuid.NewString(),
		Server: sc.Name,
		State:  client.StateDisconnected,
	}
	r.mu.Unlock()

	r.log.Info("Registered server", "server", sc.Name, "command", sc.Command)
	r.metrics.SetConnectionState(sc.Name, int(client.StateDisconnected))

	if sc.AutoConnectEnabled(r.defaults) {
		if err := cl.Connect(ctx); err != nil {
			r.log.Error("Auto-connect failed", "server", sc.Name, "error", err)
		}
	}

	return nil
}

// RemoveServer disconnects and deletes the named server.
func (r *Registry) RemoveServer(name string) error {
	r.mu.Lock()

	cl, ok := r.clients[name]
	if !ok {
		r.mu.Unlock()

		return &errors.UnknownServerError{Name: name}
	}

	delete(r.clients, name)
	delete(r.conns, name)
	r.mu.Unlock()

	if err := cl.Disconnect(); err != nil {
		r.log.Warn("Disconnect during removal failed", "server", name, "error", err)
	}

	r.metrics.RemoveServer(name)
	r.log.Info("Removed server", "server", name)

	return nil
}

// ConnectServer connects the named server.
func (r *Registry) ConnectServer(ctx context.Context, name string) error {
	cl, err := r.clientFor(name)
	if err != nil {
		return err
	}

	return cl.Connect(ctx)
}

// DisconnectServer disconnects the named server. It stays registered.
func (r *Registry) DisconnectServer(name string) error {
	cl, err := r.clientFor(name)
	if err != nil {
		return err
	}

	return cl.Disconnect()
}

// Connections returns a snapshot of every connection, ordered by server name.
func (r *Registry) Connections() []Connection {
	r.mu.Lock()

	out := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, *conn)
	}

	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Server < out[j].Server })

	return out
}

// Connection returns the snapshot for the named server.
func (r *Registry) Connection(name string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[name]
	if !ok {
		return Connection{}, &errors.UnknownServerError{Name: name}
	}

	return *conn, nil
}

// CallTool invokes a tool on the named server. It fails fast when the server
// is unknown or not connected; a zero timeout uses the server's default.
func (r *Registry) CallTool(
	ctx context.Context,
	server, tool string,
	args map[string]any,
	timeout time.Duration,
) ([]byte, error) {
	params := wire.CallToolParams{Name: tool, Arguments: args}

	return r.request(ctx, server, wire.MethodToolsCall, params, timeout)
}

// ReadResource reads a resource from the named server.
func (r *Registry) ReadResource(
	ctx context.Context,
	server, uri string,
	timeout time.Duration,
) ([]byte, error) {
	params := wire.ReadResourceParams{URI: uri}

	return r.request(ctx, server, wire.MethodResourcesRead, params, timeout)
}

// request forwards to the named client and records the outcome.
func (r *Registry) request(
	ctx context.Context,
	server, method string,
	params any,
	timeout time.Duration,
) ([]byte, error) {
	cl, err := r.clientFor(server)
	if err != nil {
		return nil, err
	}

	if cl.State() != client.StateConnected {
		return nil, errors.ErrNotConnected
	}

	start := time.Now()

	result, err := cl.Request(ctx, method, params, timeout)
	elapsed := time.Since(start)

	r.metrics.ObserveRequest(server, method, requestOutcome(err), elapsed)
	r.metrics.SetBreakerState(server, int(cl.BreakerState()))

	return result, err
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case stderrors.Is(err, errors.ErrRequestTimeout):
		return metrics.OutcomeTimeout
	case stderrors.Is(err, errors.ErrBreakerOpen):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

// ListTools returns the named server's cached tool list, or, with an empty
// name, the union across all connected servers tagged by origin. A named but
// never-negotiated server contributes nothing.
func (r *Registry) ListTools(server string) ([]ServerTool, error) {
	conns, err := r.capabilitySources(server)
	if err != nil {
		return nil, err
	}

	var out []ServerTool

	for _, conn := range conns {
		if conn.Capabilities == nil {
			continue
		}

		for _, tool := range conn.Capabilities.Tools {
			out = append(out, ServerTool{Server: conn.Server, Tool: tool})
		}
	}

	return out, nil
}

// ListResources mirrors ListTools for resources.
func (r *Registry) ListResources(server string) ([]ServerResource, error) {
	conns, err := r.capabilitySources(server)
	if err != nil {
		return nil, err
	}

	var out []ServerResource

	for _, conn := range conns {
		if conn.Capabilities == nil {
			continue
		}

		for _, res := range conn.Capabilities.Resources {
			out = append(out, ServerResource{Server: conn.Server, Resource: res})
		}
	}

	return out, nil
}

// capabilitySources resolves which connection snapshots a listing draws
// from: the named one, or every connected one.
func (r *Registry) capabilitySources(server string) ([]Connection, error) {
	if server != "" {
		conn, err := r.Connection(server)
		if err != nil {
			return nil, err
		}

		return []Connection{conn}, nil
	}

	all := r.Connections()

	connected := all[:0]

	for _, conn := range all {
		if conn.State == client.StateConnected {
			connected = append(connected, conn)
		}
	}

	return connected, nil
}

// Health reports per-server state and overall healthiness. The fleet is
// healthy only when every registered server is connected.
func (r *Registry) Health() Health {
	conns := r.Connections()

	h := Health{
		Healthy: true,
		Servers: make(map[string]Connection, len(conns)),
	}

	for _, conn := range conns {
		h.Servers[conn.Server] = conn

		if conn.State != client.StateConnected {
			h.Healthy = false
		}
	}

	return h
}

// Shutdown stops the health monitor and disconnects every client
// concurrently. Individual disconnect failures are logged and absorbed.
// The registry accepts no further calls afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()

		return nil
	}

	r.closed = true

	clients := make([]*client.Client, 0, len(r.clients))
	for _, cl := range r.clients {
		clients = append(clients, cl)
	}

	r.clients = make(map[string]*client.Client)
	r.conns = make(map[string]*Connection)
	r.mu.Unlock()

	if r.healthStop != nil {
		close(r.healthStop)
		<-r.healthDone
	}

	r.log.Info("Shutting down", "servers", len(clients))

	eg, _ := errgroup.WithContext(ctx)

	for _, cl := range clients {
		cl := cl

		eg.Go(func() error {
			if err := cl.Disconnect(); err != nil {
				r.log.Warn("Disconnect during shutdown failed",
					"server", cl.Name(), "error", err)
			}

			return nil
		})
	}

	return eg.Wait()
}

// clientFor resolves a server name. Unknown names fail synchronously before
// any transport interaction.
func (r *Registry) clientFor(name string) (*client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.ErrRegistryClosed
	}

	cl, ok := r.clients[name]
	if !ok {
		return nil, &errors.UnknownServerError{Name: name}
	}

	return cl, nil
}

// handleEvent re-projects a client lifecycle event into the Connection view
// and forwards notifications. The registry is the only event subscriber.
func (r *Registry) handleEvent(ev client.Event) {
	if ev.Type == client.EventNotification {
		r.metrics.ObserveNotification(ev.Server, ev.Method)

		if r.onNotification != nil {
			r.onNotification(ev.Server, ev.Method, ev.Params)
		}

		return
	}

	r.mu.Lock()

	conn, ok := r.conns[ev.Server]
	cl := r.clients[ev.Server]

	if ok {
		switch ev.Type {
		case client.EventConnected:
			conn.State = client.StateConnected
			conn.LastConnected = time.Now()
			conn.LastError = nil
			conn.Capabilities = cl.Capabilities()

		case client.EventDisconnected:
			conn.State = client.StateDisconnected
			conn.Capabilities = nil

		case client.EventError:
			conn.State = client.StateError
			conn.LastError = ev.Err
			conn.Capabilities = nil
		}
	}

	r.mu.Unlock()

	if !ok {
		return
	}

	r.metrics.SetConnectionState(ev.Server, int(stateForEvent(ev.Type)))
}

func stateForEvent(t client.EventType) client.State {
	switch t {
	case client.EventConnected:
		return client.StateConnected
	case client.EventError:
		return client.StateError
	default:
		return client.StateDisconnected
	}
}

// healthLoop pings every connected client on the configured interval.
// Failures are logged; the client's own transport handling decides whether
// the connection survives.
func (r *Registry) healthLoop(interval time.Duration) {
	defer close(r.healthDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthStop:
			return

		case <-ticker.C:
			r.pingConnected(interval)
		}
	}
}

func (r *Registry) pingConnected(timeout time.Duration) {
	r.mu.Lock()

	clients := make([]*client.Client, 0, len(r.clients))
	for _, cl := range r.clients {
		clients = append(clients, cl)
	}

	r.mu.Unlock()

	for _, cl := range clients {
		if cl.State() != client.StateConnected {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := cl.Ping(ctx)

		cancel()

		if err != nil {
			r.log.Warn("Health check failed", "server", cl.Name(), "error", err)

			r.mu.Lock()

			if conn, ok := r.conns[cl.Name()]; ok {
				conn.LastError = err
			}

			r.mu.Unlock()
		}
	}
}
