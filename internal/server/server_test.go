package server_test

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/dtp/internal/client"
	"github.com/muurk/dtp/internal/crypt"
	"github.com/muurk/dtp/internal/event"
	"github.com/muurk/dtp/internal/metrics"
	"github.com/muurk/dtp/internal/protocol"
	"github.com/muurk/dtp/internal/server"
)

const eventTimeout = 5 * time.Second

func startServer(t *testing.T, opts server.Options) *server.Server {
	t.Helper()
	s := server.New(opts)
	require.NoError(t, s.Start("127.0.0.1", 0))
	t.Cleanup(func() {
		if s.IsServing() {
			_ = s.Stop()
		}
	})
	return s
}

func serverAddr(t *testing.T, s *server.Server) string {
	t.Helper()
	addr, err := s.Addr()
	require.NoError(t, err)
	return addr.String()
}

func connect(t *testing.T, s *server.Server, opts client.Options) *client.Client {
	t.Helper()
	c := client.New(opts)
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	require.NoError(t, c.Connect(ctx, serverAddr(t, s)))
	t.Cleanup(func() {
		if c.Connected() {
			_ = c.Disconnect()
		}
	})
	return c
}

func next(t *testing.T, sub *event.Subscription) event.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(eventTimeout):
		require.FailNow(t, "timed out waiting for event")
	}
	return event.Event{}
}

func expectNone(t *testing.T, sub *event.Subscription, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-sub.C:
		require.FailNowf(t, "unexpected event", "%v for client %d", ev.Kind, ev.ClientID)
	case <-time.After(wait):
	}
}

func TestEndToEnd(t *testing.T) {
	s := startServer(t, server.Options{})
	events := s.Subscribe()

	c := connect(t, s, client.Options{})
	inbox := c.Subscribe(event.Receive)

	ev := next(t, events)
	require.Equal(t, event.Connect, ev.Kind)
	require.Equal(t, uint64(0), ev.ClientID)

	require.NoError(t, c.Send("Hello, world!"))
	ev = next(t, events)
	require.Equal(t, event.Receive, ev.Kind)
	assert.Equal(t, uint64(0), ev.ClientID)
	assert.Equal(t, "Hello, world!", ev.Payload)

	require.NoError(t, s.Send("foo bar", 0))
	ev = next(t, inbox)
	assert.Equal(t, "foo bar", ev.Payload)

	require.NoError(t, c.Disconnect())
	ev = next(t, events)
	require.Equal(t, event.Disconnect, ev.Kind)
	assert.Equal(t, uint64(0), ev.ClientID)

	ids, err := s.ClientIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRemoveClient(t *testing.T) {
	s := startServer(t, server.Options{})
	events := s.Subscribe(event.Connect, event.Disconnect)

	c0 := connect(t, s, client.Options{})
	require.Equal(t, uint64(0), next(t, events).ClientID)
	connect(t, s, client.Options{})
	require.Equal(t, uint64(1), next(t, events).ClientID)

	ids, err := s.ClientIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1}, ids)

	addr, err := s.ClientAddr(0)
	require.NoError(t, err)
	local, err := c0.LocalAddr()
	require.NoError(t, err)
	assert.Equal(t, local.String(), addr.String())

	require.NoError(t, s.RemoveClient(0))
	ev := next(t, events)
	assert.Equal(t, event.Disconnect, ev.Kind)
	assert.Equal(t, uint64(0), ev.ClientID)

	ids, err = s.ClientIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)

	err = s.RemoveClient(0)
	assert.True(t, protocol.IsNotFound(err), "second RemoveClient(0) error = %v", err)
	_, err = s.ClientAddr(0)
	assert.True(t, protocol.IsNotFound(err))

	// The removed client notices the server closed its connection
	select {
	case <-c0.Done():
	case <-time.After(eventTimeout):
		t.Fatal("removed client still connected")
	}
	expectNone(t, events, 100*time.Millisecond)
}

func TestConcurrentClientsGetDistinctIDs(t *testing.T) {
	const n = 10
	s := startServer(t, server.Options{})
	events := s.Subscribe(event.Connect)

	addr := serverAddr(t, s)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := client.New(client.Options{})
			ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
			defer cancel()
			if err := c.Connect(ctx, addr); err != nil {
				t.Errorf("Connect() error = %v", err)
				return
			}
			t.Cleanup(func() { _ = c.Disconnect() })
		}()
	}
	wg.Wait()

	var got []uint64
	for i := 0; i < n; i++ {
		got = append(got, next(t, events).ClientID)
	}
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1], "connect events must carry increasing ids")
	}

	ids, err := s.ClientIDs()
	require.NoError(t, err)
	require.Len(t, ids, n)
	assert.True(t, sort.SliceIsSorted(ids, func(i, j int) bool { return ids[i] < ids[j] }))
	for i, id := range ids {
		assert.Equal(t, uint64(i), id)
	}
}

func TestRestartKeepsIDCounter(t *testing.T) {
	s := startServer(t, server.Options{})
	events := s.Subscribe(event.Connect, event.Disconnect)

	c := connect(t, s, client.Options{})
	require.Equal(t, uint64(0), next(t, events).ClientID)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsServing())
	_, err := s.ClientIDs()
	assert.True(t, protocol.IsStateError(err))

	select {
	case <-c.Done():
	case <-time.After(eventTimeout):
		t.Fatal("client still connected after Stop()")
	}
	expectNone(t, events, 100*time.Millisecond)

	require.NoError(t, s.Start("127.0.0.1", 0))
	ids, err := s.ClientIDs()
	require.NoError(t, err)
	assert.Empty(t, ids, "registry must be empty after restart")

	connect(t, s, client.Options{})
	ev := next(t, events)
	assert.Equal(t, event.Connect, ev.Kind)
	assert.Equal(t, uint64(1), ev.ClientID, "ids are not reused across restarts")
}

func TestStateErrors(t *testing.T) {
	s := server.New(server.Options{})

	tests := []struct {
		name string
		call func() error
	}{
		{"Stop", s.Stop},
		{"Send", func() error { return s.Send("x") }},
		{"RemoveClient", func() error { return s.RemoveClient(0) }},
		{"ClientIDs", func() error { _, err := s.ClientIDs(); return err }},
		{"ClientAddr", func() error { _, err := s.ClientAddr(0); return err }},
		{"Addr", func() error { _, err := s.Addr(); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.True(t, protocol.IsStateError(err), "%s() error = %v, want state error", tt.name, err)
		})
	}

	require.NoError(t, s.Start("127.0.0.1", 0))
	defer s.Stop()
	assert.True(t, s.IsServing())
	assert.True(t, protocol.IsStateError(s.Start("127.0.0.1", 0)))
}

func TestSendUnknownIDSendsNothing(t *testing.T) {
	s := startServer(t, server.Options{})
	events := s.Subscribe(event.Connect)

	c := connect(t, s, client.Options{})
	inbox := c.Subscribe(event.Receive)
	next(t, events)

	err := s.Send("never", 0, 42)
	require.True(t, protocol.IsNotFound(err), "Send() error = %v, want not found", err)

	require.NoError(t, s.Send("after", 0))
	assert.Equal(t, "after", next(t, inbox).Payload)
}

func TestBroadcast(t *testing.T) {
	s := startServer(t, server.Options{})
	events := s.Subscribe(event.Connect)

	var inboxes []*event.Subscription
	for i := 0; i < 3; i++ {
		c := connect(t, s, client.Options{})
		inboxes = append(inboxes, c.Subscribe(event.Receive))
		next(t, events)
	}

	require.NoError(t, s.Send(map[string]any{"n": 1}))
	for _, inbox := range inboxes {
		assert.Equal(t, map[string]any{"n": int64(1)}, next(t, inbox).Payload)
	}
}

func TestMessageOrderPerClient(t *testing.T) {
	const n = 200
	s := startServer(t, server.Options{})
	events := s.Subscribe(event.Receive)

	c := connect(t, s, client.Options{Suite: crypt.SuiteAscon128a})
	for i := 0; i < n; i++ {
		require.NoError(t, c.Send(i))
	}
	for i := 0; i < n; i++ {
		require.Equal(t, int64(i), next(t, events).Payload)
	}
}

// rawHandshake performs the key exchange by hand and returns the session
// cipher along with the connection
func rawHandshake(t *testing.T, addr string) (net.Conn, *crypt.Cipher) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	body, err := protocol.ReadFrame(conn, 0)
	require.NoError(t, err)
	pub, err := crypt.ParsePublicKey(body)
	require.NoError(t, err)

	key, err := crypt.NewSessionKey(crypt.SuiteXChaCha20Poly1305)
	require.NoError(t, err)
	raw, err := key.MarshalBinary()
	require.NoError(t, err)
	sealed, err := crypt.Seal(pub, raw)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, sealed))

	cipher, err := crypt.NewCipher(key, 0)
	require.NoError(t, err)
	return conn, cipher
}

func TestTamperedMessageDropsClient(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.Config{Subsystem: "server", Registry: reg})
	s := startServer(t, server.Options{Metrics: m})
	events := s.Subscribe()

	conn, cipher := rawHandshake(t, serverAddr(t, s))
	require.Equal(t, event.Connect, next(t, events).Kind)

	token, err := cipher.Encrypt([]byte(`"hello"`))
	require.NoError(t, err)
	token[len(token)-1] ^= 0x01
	require.NoError(t, protocol.WriteFrame(conn, token))

	ev := next(t, events)
	assert.Equal(t, event.Disconnect, ev.Kind, "a tampered frame must not be delivered")
	count, err := testutil.GatherAndCount(reg, "dtp_server_decode_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, float64(0), gaugeValue(t, reg, "dtp_server_active_clients"))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	require.FailNowf(t, "metric not found", "%s", name)
	return 0
}

func TestOversizeFrameDropsClient(t *testing.T) {
	s := startServer(t, server.Options{MaxFrameSize: 64})
	events := s.Subscribe()

	conn, _ := rawHandshake(t, serverAddr(t, s))
	require.Equal(t, event.Connect, next(t, events).Kind)

	prefix, err := protocol.EncodeSize(1 << 20)
	require.NoError(t, err)
	_, err = conn.Write(prefix)
	require.NoError(t, err)

	assert.Equal(t, event.Disconnect, next(t, events).Kind)
}

func TestHandshakeTimeout(t *testing.T) {
	s := startServer(t, server.Options{HandshakeTimeout: 200 * time.Millisecond})
	events := s.Subscribe(event.Connect)

	// A peer that never answers the public key
	silent, err := net.Dial("tcp", serverAddr(t, s))
	require.NoError(t, err)
	defer silent.Close()

	connect(t, s, client.Options{})
	ev := next(t, events)
	assert.Equal(t, uint64(0), ev.ClientID, "failed handshakes must not consume ids")
}

func TestSuiteRestriction(t *testing.T) {
	s := startServer(t, server.Options{Suite: crypt.SuiteAscon128a})
	events := s.Subscribe(event.Connect)

	rejected := connect(t, s, client.Options{Suite: crypt.SuiteXChaCha20Poly1305})
	select {
	case <-rejected.Done():
	case <-time.After(eventTimeout):
		t.Fatal("server kept a client with a rejected suite")
	}

	connect(t, s, client.Options{Suite: crypt.SuiteAscon128a})
	assert.Equal(t, uint64(0), next(t, events).ClientID)
}

func TestHandlers(t *testing.T) {
	var (
		mu       sync.Mutex
		received []any
	)
	got := make(chan struct{}, 1)

	s := startServer(t, server.Options{
		Handlers: event.Handlers{
			OnConnect: func(id uint64) { panic("connect handler failure") },
			OnReceive: func(id uint64, payload any) {
				mu.Lock()
				received = append(received, payload)
				mu.Unlock()
				got <- struct{}{}
			},
		},
	})

	c := connect(t, s, client.Options{})
	require.NoError(t, c.Send("still delivered"))

	select {
	case <-got:
	case <-time.After(eventTimeout):
		t.Fatal("receive handler not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"still delivered"}, received)
}

func TestStopFromHandler(t *testing.T) {
	self := make(chan *server.Server, 1)
	stopped := make(chan error, 1)
	s := startServer(t, server.Options{
		Handlers: event.Handlers{
			OnReceive: func(id uint64, payload any) {
				stopped <- (<-self).Stop()
			},
		},
	})
	self <- s

	c := connect(t, s, client.Options{})
	require.NoError(t, c.Send("stop"))

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(eventTimeout):
		t.Fatal("Stop() from a handler did not return")
	}
	<-s.Done()
	assert.False(t, s.IsServing())
	assert.NoError(t, s.Err())
}

func TestEmptyHostUsesDefault(t *testing.T) {
	s := server.New(server.Options{})
	require.NoError(t, s.Start("", 0))
	defer s.Stop()

	addr, err := s.Addr()
	require.NoError(t, err)
	host, _, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	assert.Equal(t, server.DefaultHost(), host)
}

func TestServeStopsWhenContextDone(t *testing.T) {
	s := server.New(server.Options{})
	events := s.Subscribe(event.Connect)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- s.Serve(ctx, "127.0.0.1", 0) }()
	require.Eventually(t, s.IsServing, eventTimeout, 10*time.Millisecond)

	c := connect(t, s, client.Options{})
	next(t, events)

	cancel()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(eventTimeout):
		require.FailNow(t, "Serve() did not return after cancel")
	}
	assert.False(t, s.IsServing())
	require.Eventually(t, func() bool { return !c.Connected() }, eventTimeout, 10*time.Millisecond)
}

func TestServeReturnsStartError(t *testing.T) {
	busy := startServer(t, server.Options{})
	addr, err := busy.Addr()
	require.NoError(t, err)
	port := addr.(*net.TCPAddr).Port

	s := server.New(server.Options{})
	err = s.Serve(context.Background(), "127.0.0.1", port)
	require.Error(t, err)
	assert.False(t, s.IsServing())
}

func TestServeReturnsWhenStoppedElsewhere(t *testing.T) {
	s := server.New(server.Options{})
	result := make(chan error, 1)
	go func() { result <- s.Serve(context.Background(), "127.0.0.1", 0) }()
	require.Eventually(t, s.IsServing, eventTimeout, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(eventTimeout):
		require.FailNow(t, "Serve() did not return after Stop()")
	}
}

func TestPayloadNumberTypesSurviveTransport(t *testing.T) {
	s := startServer(t, server.Options{})
	events := s.Subscribe(event.Receive)
	c := connect(t, s, client.Options{})
	inbox := c.Subscribe(event.Receive)

	sent := []any{2.0, int64(2), 1000.0, map[string]any{"ratio": 1.0, "count": int64(7)}}
	require.NoError(t, c.Send(sent))
	ev := next(t, events)
	assert.Equal(t, sent, ev.Payload)

	require.NoError(t, s.Send(sent, ev.ClientID))
	ev = next(t, inbox)
	assert.Equal(t, sent, ev.Payload)
}
