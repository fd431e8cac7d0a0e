package client

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/mcpfleet/internal/breaker"
	"github.com/mcpfleet/mcpfleet/internal/config"
	"github.com/mcpfleet/mcpfleet/internal/errors"
	"github.com/mcpfleet/mcpfleet/internal/wire"
)

// mockTransport implements config.Transport in memory. A responder function
// decides how each written request is answered.
type mockTransport struct {
	mu        sync.Mutex
	started   bool
	closed    bool
	closeOnce sync.Once
	sent      []wire.Request

	msgs chan wire.Message
	errs chan error

	startErr error
	sendErr  error

	// respond is invoked for each written request; a nil return leaves the
	// request unanswered.
	respond func(req wire.Request) *wire.Message
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		msgs: make(chan wire.Message, 16),
		errs: make(chan error, 1),
	}
}

// respondOK answers every request with the given result payload.
func respondOK(result string) func(req wire.Request) *wire.Message {
	return func(req wire.Request) *wire.Message {
		return &wire.Message{ID: req.ID, Result: json.RawMessage(result)}
	}
}

func (m *mockTransport) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return m.startErr
	}

	m.started = true

	return nil
}

func (m *mockTransport) ReadMessages(_ context.Context) (<-chan wire.Message, <-chan error) {
	return m.msgs, m.errs
}

func (m *mockTransport) SendMessage(_ context.Context, data []byte) error {
	m.mu.Lock()

	if !m.started {
		m.mu.Unlock()

		return errors.ErrTransportNotConnected
	}

	if m.sendErr != nil {
		err := m.sendErr
		m.mu.Unlock()

		return err
	}

	var req wire.Request
	if err := json.Unmarshal(data, &req); err != nil {
		m.mu.Unlock()

		return err
	}

	m.sent = append(m.sent, req)
	respond := m.respond
	m.mu.Unlock()

	if respond != nil {
		if resp := respond(req); resp != nil {
			m.msgs <- *resp
		}
	}

	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.closeOnce.Do(func() {
		close(m.msgs)
		close(m.errs)
	})

	return nil
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// fail simulates the process dying underneath the connection.
func (m *mockTransport) fail(err error) {
	m.errs <- err
	m.Close()
}

// inject delivers an unsolicited inbound message.
func (m *mockTransport) inject(msg wire.Message) {
	m.msgs <- msg
}

func (m *mockTransport) sentRequests() []wire.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]wire.Request(nil), m.sent...)
}

func (m *mockTransport) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.started
}

// handshakeOnly answers initialize with the given capabilities manifest and
// leaves everything else to next.
func handshakeOnly(caps string, next func(req wire.Request) *wire.Message) func(req wire.Request) *wire.Message {
	return func(req wire.Request) *wire.Message {
		if req.Method == wire.MethodInitialize {
			return &wire.Message{ID: req.ID, Result: json.RawMessage(caps)}
		}

		if next != nil {
			return next(req)
		}

		return nil
	}
}

const testCaps = `{"tools":[{"name":"echo","description":"echoes input"}]}`

type testEnv struct {
	transport *mockTransport
	client    *Client

	eventsMu sync.Mutex
	events   []Event
}

func newTestEnv(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()

	if cfg.Name == "" {
		cfg.Name = "test"
	}

	if cfg.Command == "" {
		cfg.Command = "test-server"
	}

	env := &testEnv{transport: newMockTransport()}

	env.client = New(slog.Default(), cfg, config.Defaults{},
		WithTransportFactory(func(_ *slog.Logger, _ config.ServerConfig) config.Transport {
			return env.transport
		}),
		WithEventHandler(func(ev Event) {
			env.eventsMu.Lock()
			env.events = append(env.events, ev)
			env.eventsMu.Unlock()
		}),
	)

	t.Cleanup(func() { _ = env.client.Disconnect() })

	return env
}

func (e *testEnv) eventTypes() []EventType {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()

	types := make([]EventType, len(e.events))
	for i, ev := range e.events {
		types[i] = ev.Type
	}

	return types
}

func TestClient_ConnectHandshakeSuccess(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.transport.respond = handshakeOnly(testCaps, nil)

	require.NoError(t, env.client.Connect(context.Background()))

	require.Equal(t, StateConnected, env.client.State())

	caps := env.client.Capabilities()
	require.NotNil(t, caps)
	require.Len(t, caps.Tools, 1)
	require.Equal(t, "echo", caps.Tools[0].Name)

	require.Equal(t, []EventType{EventConnected}, env.eventTypes())
}

func TestClient_ConnectIsNoOpWhenConnected(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.transport.respond = handshakeOnly(testCaps, nil)

	require.NoError(t, env.client.Connect(context.Background()))
	require.NoError(t, env.client.Connect(context.Background()))

	// One handshake, one event.
	require.Len(t, env.transport.sentRequests(), 1)
	require.Equal(t, []EventType{EventConnected}, env.eventTypes())
}

func TestClient_ConnectHandshakeErrorReply(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.transport.respond = func(req wire.Request) *wire.Message {
		return &wire.Message{
			ID:    req.ID,
			Error: &wire.Error{Code: -32600, Message: "unsupported protocol"},
		}
	}

	err := env.client.Connect(context.Background())
	require.Error(t, err)

	var hErr *errors.HandshakeError
	require.ErrorAs(t, err, &hErr)

	require.Equal(t, StateError, env.client.State())
	require.Nil(t, env.client.Capabilities())
	require.Equal(t, []EventType{EventError}, env.eventTypes())
}

func TestClient_ConnectHandshakeTimeout(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{
		Timeout: config.Duration(50 * time.Millisecond),
	})
	// No responder: initialize never gets an answer.

	err := env.client.Connect(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, errors.ErrRequestTimeout)

	require.Equal(t, StateError, env.client.State())
	require.Nil(t, env.client.Capabilities())
}

func TestClient_ConnectSpawnFailure(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.transport.startErr = &errors.SpawnError{Command: "test-server", Err: errors.ErrTransportNotConnected}

	err := env.client.Connect(context.Background())
	require.Error(t, err)

	var spawnErr *errors.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.Equal(t, StateError, env.client.State())
}

func TestClient_RequestNotConnected(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	_, err := env.client.Request(context.Background(), wire.MethodToolsCall, nil, 0)
	require.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestClient_RequestResolvesOutOfOrderResponses(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	env.transport.respond = handshakeOnly(testCaps, func(req wire.Request) *wire.Message {
		return nil // answered manually below
	})

	require.NoError(t, env.client.Connect(context.Background()))

	type outcome struct {
		result string
		err    error
	}

	results := make(chan outcome, 2)

	request := func(tag string) {
		res, err := env.client.Request(
			context.Background(),
			wire.MethodToolsCall,
			wire.CallToolParams{Name: tag},
			time.Second,
		)
		results <- outcome{result: string(res), err: err}
	}

	go request("first")
	go request("second")

	var ids []string

	require.Eventually(t, func() bool {
		reqs := env.transport.sentRequests()
		if len(reqs) < 3 {
			return false
		}

		ids = []string{reqs[1].ID, reqs[2].ID}

		return true
	}, time.Second, 5*time.Millisecond)

	// Answer in reverse order of issue; correlation is by id, not arrival.
	env.transport.inject(wire.Message{ID: ids[1], Result: json.RawMessage(`"late"`)})
	env.transport.inject(wire.Message{ID: ids[0], Result: json.RawMessage(`"early"`)})

	got := make(map[string]bool, 2)

	for i := 0; i < 2; i++ {
		out := <-results
		require.NoError(t, out.err)

		got[out.result] = true
	}

	require.True(t, got[`"late"`])
	require.True(t, got[`"early"`])
}

func TestClient_RequestIDsAreUnique(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.transport.respond = handshakeOnly(testCaps, respondOK(`{}`))

	require.NoError(t, env.client.Connect(context.Background()))

	errc := make(chan error, 20)

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := env.client.Request(context.Background(), wire.MethodPing, nil, time.Second)
			errc <- err
		}()
	}

	wg.Wait()
	close(errc)

	for err := range errc {
		require.NoError(t, err)
	}

	seen := make(map[string]struct{})
	for _, req := range env.transport.sentRequests() {
		_, dup := seen[req.ID]
		require.False(t, dup, "duplicate request id %s", req.ID)
		seen[req.ID] = struct{}{}
	}
}

func TestClient_LateResponseIgnored(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.transport.respond = handshakeOnly(testCaps, respondOK(`{}`))

	require.NoError(t, env.client.Connect(context.Background()))

	// A response with an unknown id must be dropped without effect.
	env.transport.inject(wire.Message{ID: "no-such-request", Result: json.RawMessage(`{}`)})

	res, err := env.client.Request(context.Background(), wire.MethodPing, nil, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(res))
}

func TestClient_RequestTimeoutCountsAsBreakerFailure(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{
		Timeout: config.Duration(30 * time.Millisecond),
		Retry:   config.RetryPolicy{MaxRetries: -1},
	})
	env.transport.respond = handshakeOnly(testCaps, nil)

	require.NoError(t, env.client.Connect(context.Background()))

	_, err := env.client.Request(context.Background(), wire.MethodToolsCall, nil, 0)
	require.ErrorIs(t, err, errors.ErrRequestTimeout)

	require.Equal(t, 0, env.client.pendingCount())
	require.Equal(t, 1, env.client.breaker.Failures())
}

func TestClient_BreakerOpenRejectsWithoutCounting(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{
		Timeout: config.Duration(30 * time.Millisecond),
		Retry:   config.RetryPolicy{MaxRetries: -1},
		Breaker: config.BreakerPolicy{Threshold: 1},
	})
	env.transport.respond = handshakeOnly(testCaps, nil)

	require.NoError(t, env.client.Connect(context.Background()))

	// One timeout trips the threshold-1 breaker.
	_, err := env.client.Request(context.Background(), wire.MethodToolsCall, nil, 0)
	require.ErrorIs(t, err, errors.ErrRequestTimeout)
	require.Equal(t, breaker.Open, env.client.BreakerState())

	// Rejected immediately, and the failure count does not grow.
	start := time.Now()
	_, err = env.client.Request(context.Background(), wire.MethodToolsCall, nil, 0)
	require.ErrorIs(t, err, errors.ErrBreakerOpen)
	require.Less(t, time.Since(start), 25*time.Millisecond)
	require.Equal(t, 1, env.client.breaker.Failures())
}

func TestClient_ApplicationErrorRetriedThenSucceeds(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{
		Retry: config.RetryPolicy{
			MaxRetries:        3,
			InitialDelay:      config.Duration(time.Millisecond),
			MaxDelay:          config.Duration(10 * time.Millisecond),
			BackoffMultiplier: 2,
		},
	})

	var calls int

	var callsMu sync.Mutex

	env.transport.respond = handshakeOnly(testCaps, func(req wire.Request) *wire.Message {
		callsMu.Lock()
		calls++
		n := calls
		callsMu.Unlock()

		if n < 3 {
			return &wire.Message{ID: req.ID, Error: &wire.Error{Code: 500, Message: "overloaded"}}
		}

		return &wire.Message{ID: req.ID, Result: json.RawMessage(`"ok"`)}
	})

	require.NoError(t, env.client.Connect(context.Background()))

	res, err := env.client.Request(context.Background(), wire.MethodToolsCall, nil, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(res))

	callsMu.Lock()
	require.Equal(t, 3, calls)
	callsMu.Unlock()
}

func TestClient_ApplicationErrorSurfacedAsIs(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{
		Retry: config.RetryPolicy{MaxRetries: -1},
	})
	env.transport.respond = handshakeOnly(testCaps, func(req wire.Request) *wire.Message {
		return &wire.Message{ID: req.ID, Error: &wire.Error{Code: 404, Message: "no such tool"}}
	})

	require.NoError(t, env.client.Connect(context.Background()))

	_, err := env.client.Request(context.Background(), wire.MethodToolsCall, nil, time.Second)

	var rpcErr *wire.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, 404, rpcErr.Code)
}

func TestClient_DisconnectFailsAllPending(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{
		Retry: config.RetryPolicy{MaxRetries: -1},
	})
	env.transport.respond = handshakeOnly(testCaps, nil)

	require.NoError(t, env.client.Connect(context.Background()))

	const n = 3

	results := make(chan error, n)

	for i := 0; i < n; i++ {
		go func() {
			_, err := env.client.Request(context.Background(), wire.MethodToolsCall, nil, time.Minute)
			results <- err
		}()
	}

	require.Eventually(t, func() bool {
		return env.client.pendingCount() == n
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, env.client.Disconnect())

	// Exactly N waiters fail with the disconnect error.
	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			require.ErrorIs(t, err, errors.ErrDisconnected)
		case <-time.After(time.Second):
			t.Fatal("pending request did not fail after disconnect")
		}
	}

	require.Equal(t, 0, env.client.pendingCount())
	require.Equal(t, StateDisconnected, env.client.State())
	require.Nil(t, env.client.Capabilities())
}

func TestClient_ProcessExitMovesToDisconnected(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.transport.respond = handshakeOnly(testCaps, nil)

	require.NoError(t, env.client.Connect(context.Background()))

	env.transport.fail(&errors.ProcessExitError{ExitCode: 1, Stderr: "crashed"})

	require.Eventually(t, func() bool {
		return env.client.State() == StateDisconnected
	}, time.Second, 5*time.Millisecond)

	require.Nil(t, env.client.Capabilities())
	require.Equal(t, []EventType{EventConnected, EventDisconnected}, env.eventTypes())
}

func TestClient_NotificationsRoutedOutOfBand(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.transport.respond = handshakeOnly(testCaps, nil)

	require.NoError(t, env.client.Connect(context.Background()))

	env.transport.inject(wire.Message{
		Method: "notifications/tools/list_changed",
		Params: json.RawMessage(`{}`),
	})

	require.Eventually(t, func() bool {
		env.eventsMu.Lock()
		defer env.eventsMu.Unlock()

		for _, ev := range env.events {
			if ev.Type == EventNotification {
				return ev.Method == "notifications/tools/list_changed"
			}
		}

		return false
	}, time.Second, 5*time.Millisecond)
}

func TestClient_TransportErrorClosesTransport(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.transport.respond = handshakeOnly(testCaps, nil)

	require.NoError(t, env.client.Connect(context.Background()))

	// A read-side failure that is not a process exit. The child may still
	// be alive, so the client must close the transport rather than just
	// dropping its handle.
	env.transport.errs <- stderrors.New("scanner error: token too long")

	require.Eventually(t, func() bool {
		return env.client.State() == StateError
	}, time.Second, 5*time.Millisecond)

	require.True(t, env.transport.isClosed())
	require.Nil(t, env.client.Capabilities())
}

func TestClient_ReconnectResetsBreaker(t *testing.T) {
	var (
		transportsMu sync.Mutex
		transports   []*mockTransport
	)

	c := New(slog.Default(), config.ServerConfig{
		Name:    "test",
		Command: "test-server",
		Timeout: config.Duration(30 * time.Millisecond),
		Retry:   config.RetryPolicy{MaxRetries: -1},
		Breaker: config.BreakerPolicy{Threshold: 1},
	}, config.Defaults{},
		WithTransportFactory(func(_ *slog.Logger, _ config.ServerConfig) config.Transport {
			tr := newMockTransport()
			tr.respond = handshakeOnly(testCaps, nil)

			transportsMu.Lock()
			transports = append(transports, tr)
			transportsMu.Unlock()

			return tr
		}),
	)

	t.Cleanup(func() { _ = c.Disconnect() })

	require.NoError(t, c.Connect(context.Background()))

	// Trip the threshold-1 breaker with a timeout.
	_, err := c.Request(context.Background(), wire.MethodToolsCall, nil, 0)
	require.ErrorIs(t, err, errors.ErrRequestTimeout)
	require.Equal(t, breaker.Open, c.BreakerState())

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Connect(context.Background()))

	// The fresh connection starts with a clean breaker.
	require.Equal(t, breaker.Closed, c.BreakerState())
	require.Equal(t, 0, c.breaker.Failures())

	transportsMu.Lock()
	second := transports[1]
	transportsMu.Unlock()

	second.mu.Lock()
	second.respond = handshakeOnly(testCaps, respondOK(`{}`))
	second.mu.Unlock()

	_, err = c.Request(context.Background(), wire.MethodToolsCall, nil, time.Second)
	require.NoError(t, err)
}

func TestClient_DisconnectFromDisconnectedIsNoOp(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})

	require.NoError(t, env.client.Disconnect())
	require.Empty(t, env.eventTypes())
}
