// Package client implements one logical connection to one named capability
// server: connection lifecycle, capability negotiation, request/response
// correlation, and the retry and circuit-breaker policies around requests.
package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mcpfleet/mcpfleet/internal/breaker"
	"github.com/mcpfleet/mcpfleet/internal/config"
	"github.com/mcpfleet/mcpfleet/internal/errors"
	"github.com/mcpfleet/mcpfleet/internal/retry"
	"github.com/mcpfleet/mcpfleet/internal/subprocess"
	"github.com/mcpfleet/mcpfleet/internal/wire"
)

// clientName and clientVersion identify this client during the handshake.
const (
	clientName    = "mcpfleet"
	clientVersion = "0.1.0"
)

// State is the connection's position in its lifecycle.
type State int

const (
	// StateDisconnected means no process is attached.
	StateDisconnected State = iota

	// StateConnecting means the process is live but the handshake has not
	// completed.
	StateConnecting

	// StateConnected means the handshake succeeded and requests may flow.
	StateConnected

	// StateError means the last connect attempt or the transport failed.
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventType classifies a lifecycle event.
type EventType int

const (
	// EventConnected fires after a successful handshake.
	EventConnected EventType = iota

	// EventDisconnected fires when the connection is torn down.
	EventDisconnected

	// EventError fires when a connect attempt or the transport fails.
	EventError

	// EventNotification carries an out-of-band message from the server.
	EventNotification
)

// Event is one lifecycle or notification event emitted by a client.
type Event struct {
	Type   EventType
	Server string
	Err    error
	Method string
	Params json.RawMessage
}

// EventHandler receives events. Handlers are invoked synchronously from
// client goroutines and must not block.
type EventHandler func(Event)

// TransportFactory constructs the transport for each connect attempt.
type TransportFactory func(log *slog.Logger, cfg config.ServerConfig) config.Transport

// Option configures a Client.
type Option func(*Client)

// WithTransportFactory replaces the default subprocess transport. Intended
// for tests and alternative transports.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) {
		c.newTransport = f
	}
}

// WithEventHandler registers the lifecycle event callback.
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) {
		c.onEvent = h
	}
}

// pendingRequest correlates an in-flight request id with its waiter.
type pendingRequest struct {
	method   string
	response chan wire.Message
}

// Client is one logical connection to one named capability server.
//
// A client has exactly one transport and one circuit breaker at a time.
// Many requests may be outstanding concurrently; the pending table keyed by
// request id resolves responses regardless of arrival order.
type Client struct {
	log          *slog.Logger
	cfg          config.ServerConfig
	defaults     config.Defaults
	newTransport TransportFactory
	onEvent      EventHandler
	retry        *retry.Executor
	breaker      *breaker.Breaker

	mu        sync.Mutex
	state     State
	transport config.Transport
	caps      *wire.Capabilities
	lastErr   error
	done      chan struct{}
	doneOnce  *sync.Once
	eg        *errgroup.Group

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest
}

// New creates a disconnected client for the given server definition.
// Policy fields left zero in cfg are filled from the package defaults.
func New(log *slog.Logger, cfg config.ServerConfig, defaults config.Defaults, opts ...Option) *Client {
	cfg = cfg.WithDefaults()
	log = log.With("component", "client", "server", cfg.Name)

	c := &Client{
		log:      log,
		cfg:      cfg,
		defaults: defaults,
		newTransport: func(log *slog.Logger, cfg config.ServerConfig) config.Transport {
			return subprocess.New(log, cfg)
		},
		retry:   retry.New(log),
		breaker: breaker.New(log, cfg.Breaker.Threshold, cfg.Breaker.ResetTimeout.Std()),
		pending: make(map[string]*pendingRequest, 10),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the server name this client is bound to.
func (c *Client) Name() string {
	return c.cfg.Name
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// LastError returns the error recorded by the most recent failed transition.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

// Capabilities returns the manifest from the last successful handshake, or
// nil when never negotiated or after disconnect.
func (c *Client) Capabilities() *wire.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.caps
}

// BreakerState returns the circuit breaker's current state.
func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}

// Connect spawns the transport and performs the initialize handshake.
//
// Connect on an already-connected client is a no-op. A concurrent connect
// returns ErrConnectInProgress. On handshake failure or timeout the attempt
// is aborted, the state moves to error, and the client never reaches
// connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()

	switch c.state {
	case StateConnected:
		c.mu.Unlock()

		return nil

	case StateConnecting:
		c.mu.Unlock()

		return errors.ErrConnectInProgress
	}

	c.state = StateConnecting
	c.lastErr = nil

	tr := c.newTransport(c.log, c.cfg)
	c.transport = tr

	done := make(chan struct{})
	c.done = done
	c.doneOnce = &sync.Once{}
	c.mu.Unlock()

	c.log.Info("Connecting")

	if err := tr.Start(ctx); err != nil {
		c.failConnect(err)

		return err
	}

	// The reader outlives the connect call; it runs until the process
	// exits or Disconnect is called, so it gets a background context.
	msgs, errs := tr.ReadMessages(context.Background())

	eg, _ := errgroup.WithContext(context.Background())

	c.mu.Lock()
	c.eg = eg
	c.mu.Unlock()

	eg.Go(func() error {
		c.readLoop(done, msgs, errs)

		return nil
	})

	// The reserved initialize request is the one request permitted while
	// still connecting.
	params := wire.InitializeParams{
		ProtocolVersion: wire.ProtocolVersion,
		ClientInfo:      wire.ClientInfo{Name: clientName, Version: clientVersion},
	}

	resp, err := c.roundTrip(ctx, wire.MethodInitialize, params, c.requestTimeout(0))
	if err == nil && resp.Error != nil {
		err = resp.Error
	}

	if err != nil {
		hErr := &errors.HandshakeError{Server: c.cfg.Name, Err: err}
		c.failConnect(hErr)

		_ = tr.Close()
		_ = eg.Wait()

		return hErr
	}

	var caps wire.Capabilities
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &caps); err != nil {
			hErr := &errors.HandshakeError{
				Server: c.cfg.Name,
				Err:    fmt.Errorf("parse capabilities: %w", err),
			}
			c.failConnect(hErr)

			_ = tr.Close()
			_ = eg.Wait()

			return hErr
		}
	}

	c.mu.Lock()
	c.state = StateConnected
	c.caps = &caps
	c.mu.Unlock()

	// One breaker instance per connection: failures from a previous
	// connection do not carry over.
	c.breaker.Reset()

	c.log.Info("Connected",
		"tools", len(caps.Tools),
		"resources", len(caps.Resources),
		"prompts", len(caps.Prompts),
	)

	c.emit(Event{Type: EventConnected})

	return nil
}

// Disconnect terminates the transport, fails every pending request with a
// disconnect error, and forces the state to disconnected. It is valid from
// any state and safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()

	prev := c.state
	tr := c.transport
	eg := c.eg
	doneOnce := c.doneOnce
	done := c.done

	c.transport = nil
	c.eg = nil
	c.caps = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if prev == StateDisconnected && tr == nil {
		return nil
	}

	c.log.Info("Disconnecting")

	if doneOnce != nil {
		doneOnce.Do(func() { close(done) })
	}

	c.failPending()

	var closeErr error
	if tr != nil {
		closeErr = tr.Close()
	}

	if eg != nil {
		_ = eg.Wait()
	}

	if prev != StateDisconnected {
		c.emit(Event{Type: EventDisconnected})
	}

	return closeErr
}

// Request sends one request and waits for the correlated response, applying
// the circuit breaker and the retry policy.
//
// Timeouts and well-formed error responses count as breaker failures and are
// retried up to the policy's limits. A request rejected by an open breaker
// fails immediately with ErrBreakerOpen, is not counted as a further
// failure, and is not retried. Transport failures abort the call; a fresh
// Connect is their only retry path. A zero timeout falls back to the
// server's configured timeout, then the global default.
func (c *Client) Request(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, errors.ErrNotConnected
	}

	timeout = c.requestTimeout(timeout)

	var result json.RawMessage

	err := c.retry.Do(ctx, c.cfg.Retry, func() error {
		if !c.breaker.CanExecute() {
			return retry.Permanent(errors.ErrBreakerOpen)
		}

		resp, err := c.roundTrip(ctx, method, params, timeout)

		switch {
		case err == nil && resp.Error != nil:
			// An application error is indistinguishable from a
			// transient fault at this layer.
			c.breaker.RecordFailure()

			return resp.Error

		case err == nil:
			c.breaker.RecordSuccess()
			result = resp.Result

			return nil

		case stderrors.Is(err, errors.ErrRequestTimeout):
			c.breaker.RecordFailure()

			return err

		default:
			// Transport failures and cancellations are fatal to
			// this call; only a fresh Connect retries them.
			return retry.Permanent(err)
		}
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Ping sends a single ping request outside the retry and breaker policies.
// Used by the registry's health monitor.
func (c *Client) Ping(ctx context.Context) error {
	if c.State() != StateConnected {
		return errors.ErrNotConnected
	}

	resp, err := c.roundTrip(ctx, wire.MethodPing, nil, c.requestTimeout(0))
	if err != nil {
		return err
	}

	if resp.Error != nil {
		return resp.Error
	}

	return nil
}

// roundTrip performs one attempt: register the pending entry, write the
// request, and wait for the correlated response, the timeout, disconnect,
// or context cancellation.
//
// The pending entry is registered before the write so a response arriving
// faster than the bookkeeping cannot be dropped.
func (c *Client) roundTrip(
	ctx context.Context,
	method string,
	params any,
	timeout time.Duration,
) (*wire.Message, error) {
	c.mu.Lock()
	tr := c.transport
	done := c.done
	c.mu.Unlock()

	if tr == nil {
		return nil, errors.ErrTransportNotConnected
	}

	id := ulid.Make().String()
	pending := &pendingRequest{
		method:   method,
		response: make(chan wire.Message, 1),
	}

	c.pendingMu.Lock()
	c.pending[id] = pending
	c.pendingMu.Unlock()

	req := wire.Request{
		JSONRPC: wire.Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}

	data, err := json.Marshal(req)
	if err != nil {
		c.removePending(id)

		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.log.Debug("Sending request", "id", id, "method", method)

	if err := tr.SendMessage(ctx, data); err != nil {
		c.removePending(id)

		return nil, err
	}

	select {
	case resp := <-pending.response:
		return &resp, nil

	case <-time.After(timeout):
		c.removePending(id)
		c.log.Warn("Request timed out", "id", id, "method", method, "timeout", timeout)

		return nil, fmt.Errorf("%w after %s", errors.ErrRequestTimeout, timeout)

	case <-done:
		c.removePending(id)

		return nil, errors.ErrDisconnected

	case <-ctx.Done():
		c.removePending(id)

		return nil, ctx.Err()
	}
}

// readLoop routes inbound messages until the transport goes away.
func (c *Client) readLoop(done chan struct{}, msgs <-chan wire.Message, errs <-chan error) {
	defer c.log.Debug("Read loop stopped")

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				// The transport queues an exit error before
				// closing; pick it up if present.
				var cause error

				if errs != nil {
					select {
					case e, open := <-errs:
						if open {
							cause = e
						}
					default:
					}
				}

				c.transportLost(cause)

				return
			}

			c.handleMessage(msg)

		case err, ok := <-errs:
			if !ok {
				errs = nil

				continue
			}

			if err != nil {
				c.transportLost(err)

				return
			}

		case <-done:
			return
		}
	}
}

// handleMessage resolves responses against the pending table and routes
// notifications out of band.
func (c *Client) handleMessage(msg wire.Message) {
	if msg.IsNotification() {
		c.log.Debug("Received notification", "method", msg.Method)
		c.emit(Event{Type: EventNotification, Method: msg.Method, Params: msg.Params})

		return
	}

	if !msg.IsResponse() {
		c.log.Debug("Dropping message with neither id nor method")

		return
	}

	c.pendingMu.Lock()

	pending, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}

	c.pendingMu.Unlock()

	if !ok {
		// Duplicate or late response; the waiter is already gone.
		c.log.Debug("No pending request for response", "id", msg.ID)

		return
	}

	// Buffered channel, and ownership was claimed above.
	pending.response <- msg
}

// transportLost reacts to the transport going away underneath a live
// connection: process exit moves to disconnected, other failures to error.
func (c *Client) transportLost(cause error) {
	c.mu.Lock()

	prev := c.state
	if prev == StateDisconnected || prev == StateError {
		c.mu.Unlock()

		return
	}

	c.caps = nil
	tr := c.transport
	c.transport = nil
	c.lastErr = cause

	var evType EventType

	var exitErr *errors.ProcessExitError

	switch {
	case prev == StateConnecting:
		c.state = StateError
		evType = EventError

	case cause == nil || stderrors.As(cause, &exitErr):
		c.state = StateDisconnected
		evType = EventDisconnected

	default:
		c.state = StateError
		evType = EventError
	}

	doneOnce := c.doneOnce
	done := c.done
	c.mu.Unlock()

	c.log.Warn("Transport lost", "error", cause)

	// The process may still be running after a read-side failure; make
	// sure it is killed and reaped before the handle is dropped.
	if tr != nil {
		_ = tr.Close()
	}

	if doneOnce != nil {
		doneOnce.Do(func() { close(done) })
	}

	c.failPending()
	c.emit(Event{Type: evType, Err: cause})
}

// failConnect aborts an in-progress connect attempt. If something else
// (transport loss, explicit disconnect) already moved the state on, the
// transition and event are theirs.
func (c *Client) failConnect(cause error) {
	c.mu.Lock()

	if c.state != StateConnecting {
		c.mu.Unlock()

		return
	}

	c.state = StateError
	c.lastErr = cause
	c.transport = nil
	c.caps = nil

	doneOnce := c.doneOnce
	done := c.done
	c.mu.Unlock()

	c.log.Warn("Connect failed", "error", cause)

	if doneOnce != nil {
		doneOnce.Do(func() { close(done) })
	}

	c.failPending()
	c.emit(Event{Type: EventError, Err: cause})
}

// failPending clears the pending table. Waiters observe the closed done
// channel and each return a disconnect error.
func (c *Client) failPending() {
	c.pendingMu.Lock()

	n := len(c.pending)
	c.pending = make(map[string]*pendingRequest, 10)

	c.pendingMu.Unlock()

	if n > 0 {
		c.log.Debug("Failed pending requests", "count", n)
	}
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// pendingCount reports the number of in-flight requests.
func (c *Client) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	return len(c.pending)
}

// requestTimeout resolves the effective timeout: per-request override, then
// the server's configured timeout, then the global default.
func (c *Client) requestTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}

	if t := c.cfg.Timeout.Std(); t > 0 {
		return t
	}

	if t := c.defaults.DefaultTimeout.Std(); t > 0 {
		return t
	}

	return config.DefaultTimeout
}

func (c *Client) emit(ev Event) {
	if c.onEvent == nil {
		return
	}

	ev.Server = c.cfg.Name
	c.onEvent(ev)
}
