package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerpc/graphrpc/internal/demo"
	"github.com/latticerpc/graphrpc/internal/server/dispatch"
	"github.com/latticerpc/graphrpc/internal/server/objgraph"
	"github.com/latticerpc/graphrpc/pkg/rpcerr"
	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/transport"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

// recordingTransport wraps a Transport and reports every outbound Send
// (but not Recv) to onSend, so a test can observe wire-send ordering
// independent of when responses arrive.
type recordingTransport struct {
	transport.Transport
	onSend func()
}

func (r *recordingTransport) Send(msg string) error {
	err := r.Transport.Send(msg)
	r.onSend()
	return err
}

// server spins up a real dispatch.Conn over an in-memory pipe so the
// session core can be exercised end to end without a network transport.
type server struct {
	mu    sync.Mutex
	dials int
	make  func() transport.Transport
}

func newServer(t *testing.T, opts dispatch.Options) *server {
	t.Helper()
	rootClass, registry := demo.Registry()
	table, err := schema.Build(rootClass, nil)
	require.NoError(t, err)
	f := wire.NewFormatter()

	srv := &server{}
	srv.make = func() transport.Transport {
		serverTr, clientTr := transport.NewPipe(8)
		conn := dispatch.New(serverTr, wire.NewJSONCodec(), f, table, registry, nil, opts)
		go conn.Run()
		srv.mu.Lock()
		srv.dials++
		srv.mu.Unlock()
		return clientTr
	}
	return srv
}

func (s *server) dial(ctx context.Context) (transport.Transport, error) {
	return s.make(), nil
}

func newTestSession(t *testing.T, srv *server, cfg Config) *Session {
	t.Helper()
	rootClass, _ := demo.Registry()
	table, err := schema.Build(rootClass, nil)
	require.NoError(t, err)
	cfg.Codec = wire.NewJSONCodec()
	cfg.Fmt = wire.NewFormatter()
	cfg.Table = table
	return New(srv.dial, cfg)
}

func TestSessionResolvesPropertyThroughEdges(t *testing.T) {
	srv := newServer(t, dispatch.Options{})
	s := newTestSession(t, srv, Config{})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := s.Resolve(ctx, wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}, {Name: "title"}})
	require.NoError(t, err)
	assert.Equal(t, "untitled", v)
}

func TestSessionCoalescesConcurrentEdgeResolution(t *testing.T) {
	srv := newServer(t, dispatch.Options{})
	s := newTestSession(t, srv, Config{})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Prime the connection first so both goroutines race on the same
	// resolvedEdges entry, not on the initial lazy connect.
	_, err := s.Resolve(ctx, wire.Path{{Name: "posts"}})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]interface{}, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Resolve(ctx, wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}, {Name: "title"}})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0], results[1])
}

func TestSessionMethodCallMutatesAndNeverCaches(t *testing.T) {
	srv := newServer(t, dispatch.Options{})
	s := newTestSession(t, srv, Config{})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.Resolve(ctx, wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}, {Name: "setTitle", Args: []interface{}{"changed"}}})
	require.NoError(t, err)

	v, err := s.Resolve(ctx, wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}, {Name: "title"}})
	require.NoError(t, err)
	assert.Equal(t, "changed", v)
}

func TestSessionFetchDataReturnsFullSnapshot(t *testing.T) {
	srv := newServer(t, dispatch.Options{})
	s := newTestSession(t, srv, Config{})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := s.Resolve(ctx, wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}})
	require.NoError(t, err)
	om, ok := v.(wire.OrderedMap)
	require.True(t, ok)
	title, ok := om.Get("title")
	require.True(t, ok)
	assert.Equal(t, "untitled", title)
}

func TestSessionUnknownEdgeSurfacesErrorOnTerminal(t *testing.T) {
	srv := newServer(t, dispatch.Options{})
	s := newTestSession(t, srv, Config{})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.Resolve(ctx, wire.Path{{Name: "bogus"}, {Name: "title"}})
	require.Error(t, err)
}

func TestSessionCloseFailsSubsequentOperations(t *testing.T) {
	srv := newServer(t, dispatch.Options{})
	s := newTestSession(t, srv, Config{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent

	_, err := s.Resolve(context.Background(), wire.Path{{Name: "posts"}})
	require.Error(t, err)
	var fe *rpcerr.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, rpcerr.ClientClosed, fe.Code)
}

func TestSessionOnReferenceInvalidatesLiveDataCache(t *testing.T) {
	srv := newServer(t, dispatch.Options{})
	s := newTestSession(t, srv, Config{})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.Resolve(ctx, wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}})
	require.NoError(t, err)

	path := wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}}
	key := s.fmt.FormatPath(path)
	s.mu.Lock()
	tok := s.pathToToken[key]
	s.mu.Unlock()
	require.NotZero(t, tok)

	fresh := wire.OrderedMap{{Key: "title", Value: "pushed"}}
	s.OnReference(wire.Reference{Path: path, Data: fresh})

	s.mu.Lock()
	cached, ok := s.liveDataCache[tok]
	s.mu.Unlock()
	require.True(t, ok)
	v, ok := cached.Get("title")
	require.True(t, ok)
	assert.Equal(t, "pushed", v)
}

func TestSessionReconnectReplaysPendingTerminalAfterDrop(t *testing.T) {
	srv := newServer(t, dispatch.Options{})
	s := newTestSession(t, srv, Config{
		Reconnect: &ReconnectConfig{MaxRetries: 5, InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2},
	})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Warm the connection.
	_, err := s.Resolve(ctx, wire.Path{{Name: "posts"}})
	require.NoError(t, err)

	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	require.NotNil(t, tr)
	require.NoError(t, tr.Close())

	v, err := s.Resolve(ctx, wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}, {Name: "title"}})
	require.NoError(t, err, "a pending terminal across a reconnect must transparently replay")
	assert.Equal(t, "untitled", v)
}

func TestSessionPipelinesDependentMessagesBeforeAnyResponse(t *testing.T) {
	// A two-level edge chain whose handlers block until released, so the
	// test can observe whether the client transmits every dependent
	// message (two edges plus the leaf terminal's get) before any of
	// their responses have come back — the "three messages before any
	// response is required" scenario.
	bClass := &schema.Class{Name: "B", Terminals: []schema.TerminalDef{{Name: "v"}}}
	aClass := &schema.Class{Name: "A", Edges: []schema.EdgeDef{{Name: "b", Target: bClass}}}
	rootClass := &schema.Class{Name: "Root", Edges: []schema.EdgeDef{{Name: "a", Target: aClass}}}

	release := make(chan struct{})
	registry := objgraph.NewRegistry(rootClass, struct{}{})
	registry.Register(rootClass, objgraph.Handles{
		Edges: map[string]objgraph.EdgeFunc{
			"a": func(op objgraph.OpCtx, parent interface{}, args []interface{}) (interface{}, error) {
				<-release
				return struct{}{}, nil
			},
		},
	})
	registry.Register(aClass, objgraph.Handles{
		Edges: map[string]objgraph.EdgeFunc{
			"b": func(op objgraph.OpCtx, parent interface{}, args []interface{}) (interface{}, error) {
				<-release
				return struct{}{}, nil
			},
		},
	})
	registry.Register(bClass, objgraph.Handles{
		Properties: map[string]objgraph.PropertyFunc{
			"v": func(op objgraph.OpCtx, self interface{}) (interface{}, error) { return "leaf", nil },
		},
	})

	table, err := schema.Build(rootClass, nil)
	require.NoError(t, err)

	sendObserved := make(chan struct{}, 8)
	dial := func(ctx context.Context) (transport.Transport, error) {
		serverTr, clientTr := transport.NewPipe(8)
		conn := dispatch.New(serverTr, wire.NewJSONCodec(), wire.NewFormatter(), table, registry, nil, dispatch.Options{})
		go conn.Run()
		return &recordingTransport{
			Transport: clientTr,
			onSend:    func() { sendObserved <- struct{}{} },
		}, nil
	}

	s := New(dial, Config{Codec: wire.NewJSONCodec(), Fmt: wire.NewFormatter(), Table: table})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_, _ = s.Resolve(ctx, wire.Path{{Name: "a"}, {Name: "b"}, {Name: "v"}})
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-sendObserved:
		case <-time.After(time.Second):
			t.Fatalf("expected 3 dependent messages sent before any response, only observed %d", i)
		}
	}

	select {
	case <-done:
		t.Fatal("Resolve must not complete before the blocked edge handlers are released")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve never completed after the edge handlers were released")
	}
}

func TestSessionNoReconnectReopensLazilyAfterDisconnect(t *testing.T) {
	srv := newServer(t, dispatch.Options{})
	s := newTestSession(t, srv, Config{}) // no ReconnectConfig
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := s.Resolve(ctx, wire.Path{{Name: "posts"}})
	require.NoError(t, err)

	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	require.NoError(t, tr.Close())

	// Give the recvLoop a moment to observe the close and run onDisconnect.
	time.Sleep(50 * time.Millisecond)

	_, err = s.Resolve(ctx, wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}, {Name: "title"}})
	require.NoError(t, err, "without reconnect configured the session reopens lazily on the next operation")
}
