// Package session implements the client-side session core (§4.8): lazy
// connection, coalesced edge navigation with the critical parent-
// before-child token ordering, the terminal-issue protocol, reference-
// arrival cache invalidation, and reconnect replay (§4.10).
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/latticerpc/graphrpc/internal/client/reconnect"
	"github.com/latticerpc/graphrpc/internal/rpclog"
	"github.com/latticerpc/graphrpc/pkg/rpcerr"
	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/transport"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

// ErrReconnecting is the sentinel every in-flight wire request is
// rejected with when the transport drops mid-flight and a reconnect is
// scheduled (§4.10). A pending terminal operation swallows it and waits
// for replay instead of surfacing it to the caller.
var ErrReconnecting = errors.New("session: reconnecting")

// Dialer opens a fresh transport for a new connection epoch.
type Dialer func(ctx context.Context) (transport.Transport, error)

// ReconnectConfig enables and parameterizes automatic reconnection. A
// nil ReconnectConfig (the Config zero value) disables it: a transport
// drop fails every in-flight operation with CONNECTION_LOST immediately.
type ReconnectConfig struct {
	MaxRetries   int // negative means unlimited
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Config configures a Session. Table must describe the same schema the
// server resolves requests against.
type Config struct {
	Codec     wire.Codec
	Fmt       *wire.Formatter
	Table     *schema.Table
	Logger    *rpclog.Logger
	Reconnect *ReconnectConfig
}

type pendingTerminal struct {
	path wire.Path
	done chan terminalResult
}

type terminalResult struct {
	value interface{}
	err   error
}

type terminalWireResult struct {
	msg serverMsg
	err error
}

// Session is one live (possibly reconnecting) client session. It
// implements stub.Backend.
type Session struct {
	dial      Dialer
	codec     wire.Codec
	fmt       *wire.Formatter
	table     *schema.Table
	log       *rpclog.Logger
	scheduler *reconnect.Scheduler

	mu            sync.Mutex
	sendMu        sync.Mutex // serializes messageId assignment with the actual wire write
	tr            transport.Transport
	ready         chan struct{}
	closed        bool
	exhausted     bool
	nextMessageID int
	nextToken     int

	resolvedEdges map[string]*future // canonical key -> token future
	pathToToken   map[string]int
	liveDataCache map[int]wire.OrderedMap
	getCache      map[string]*future // "tok:name" -> value future
	dataLoadCache map[int]*future    // tok -> data snapshot future

	pending          map[int]chan terminalWireResult
	pendingTerminals map[*pendingTerminal]struct{}
}

// New builds a Session that will dial lazily on first use.
func New(dial Dialer, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = rpclog.NewDiscardLogger()
	}
	s := &Session{
		dial:             dial,
		codec:            cfg.Codec,
		fmt:              cfg.Fmt,
		table:            cfg.Table,
		log:              cfg.Logger,
		pendingTerminals: make(map[*pendingTerminal]struct{}),
	}
	if cfg.Reconnect != nil {
		s.scheduler = reconnect.NewScheduler(cfg.Reconnect.MaxRetries, cfg.Reconnect.InitialDelay, cfg.Reconnect.MaxDelay, cfg.Reconnect.Multiplier)
	}
	s.resetConnectionState()
	return s
}

// resetConnectionState wipes every connection-scoped cache (§4.10) and
// re-arms ready as a fresh unresolved gate. pendingTerminals is
// deliberately untouched.
func (s *Session) resetConnectionState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolvedEdges = make(map[string]*future)
	s.pathToToken = make(map[string]int)
	s.liveDataCache = make(map[int]wire.OrderedMap)
	s.getCache = make(map[string]*future)
	s.dataLoadCache = make(map[int]*future)
	s.pending = make(map[int]chan terminalWireResult)
	s.nextToken = 1
	s.nextMessageID = 1
	s.ready = make(chan struct{})

	root := newFuture()
	root.settle(0, nil)
	s.resolvedEdges["$"] = root
	s.pathToToken["$"] = 0
}

// Resolve is the stub.Backend entry point and the "issueOperation"
// equivalent of §4.8: it tracks path as a pendingTerminal for the
// duration of the call so a mid-flight reconnect can replay it.
func (s *Session) Resolve(ctx context.Context, path wire.Path) (interface{}, error) {
	pt := &pendingTerminal{path: path, done: make(chan terminalResult, 1)}
	s.mu.Lock()
	s.pendingTerminals[pt] = struct{}{}
	s.mu.Unlock()

	val, err := s.resolveOnce(ctx, path)
	if errors.Is(err, ErrReconnecting) {
		select {
		case res := <-pt.done:
			return res.value, res.err
		case <-ctx.Done():
			s.mu.Lock()
			delete(s.pendingTerminals, pt)
			s.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	delete(s.pendingTerminals, pt)
	s.mu.Unlock()
	return val, err
}

// resolveOnce is one attempt at resolving path: classify, resolve the
// edge prefix to a token, then run the terminal-issue protocol (§4.7,
// §4.8).
func (s *Session) resolveOnce(ctx context.Context, path wire.Path) (interface{}, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	edgePath, terminal, err := schema.Classify(s.table, path)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	tok, err := s.resolveToToken(ctx, edgePath)
	if err != nil {
		return nil, err
	}

	if terminal == nil {
		return s.fetchData(ctx, tok, edgePath)
	}
	if terminal.IsCall() {
		return s.issueGet(ctx, tok, terminal.Name, terminal.Args)
	}
	return s.issueProperty(ctx, tok, terminal.Name)
}

func (s *Session) waitReady(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return rpcerr.New(rpcerr.ClientClosed, "client closed")
	}
	if s.exhausted {
		s.mu.Unlock()
		return rpcerr.New(rpcerr.ConnectionLost, "reconnect retries exhausted")
	}
	ready := s.ready
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		if err := s.connect(ctx); err != nil {
			return err
		}
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect opens the transport lazily (§4.8) and starts the receive loop.
func (s *Session) connect(ctx context.Context) error {
	tr, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tr = tr
	s.mu.Unlock()
	go s.recvLoop(tr)
	return nil
}

// recvLoop reads every server message and either completes the hello
// gate or routes a reply to its waiting sendWire call by re.
func (s *Session) recvLoop(tr transport.Transport) {
	for {
		raw, err := tr.Recv()
		if err != nil {
			s.onDisconnect(err)
			return
		}
		decoded, err := s.codec.Decode(raw)
		if err != nil {
			s.log.Warnf("session: malformed server message: %v", err)
			continue
		}
		msg, err := parseServerMsg(decoded)
		if err != nil {
			s.log.Warnf("session: %v", err)
			continue
		}
		if msg.hello {
			s.onHello()
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[msg.re]
		if ok {
			delete(s.pending, msg.re)
		}
		s.mu.Unlock()
		if ok {
			ch <- terminalWireResult{msg: msg}
		}
	}
}

func (s *Session) onHello() {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
	default:
		close(ready)
	}
}

// onDisconnect implements the disconnect half of §4.10: reject every
// in-flight wire request, wipe connection-scoped state, and either
// schedule an eager reconnect (pending terminals exist) or leave the
// transport nil for the next operation to reopen lazily.
func (s *Session) onDisconnect(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	reconnectOn := s.scheduler != nil
	pending := s.pending
	s.pending = make(map[int]chan terminalWireResult)
	s.tr = nil
	s.mu.Unlock()

	sentinel := error(rpcerr.New(rpcerr.ConnectionLost, "connection lost: %v", cause))
	if reconnectOn {
		sentinel = ErrReconnecting
	}
	for _, ch := range pending {
		ch <- terminalWireResult{err: sentinel}
	}

	s.resetConnectionState()

	if !reconnectOn {
		return
	}
	s.mu.Lock()
	hasPending := len(s.pendingTerminals) > 0
	s.mu.Unlock()
	if hasPending {
		go s.scheduleReconnect()
	}
}

// scheduleReconnect retries dialing with the scheduler's backoff until
// a hello arrives or retries are exhausted.
func (s *Session) scheduleReconnect() {
	for {
		delay, ok := s.scheduler.NextDelay()
		if !ok {
			s.onReconnectExhausted()
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.connect(ctx)
		if err == nil {
			s.mu.Lock()
			ready := s.ready
			s.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		cancel()
		if err == nil {
			s.scheduler.Reset()
			s.replayPendingTerminals()
			return
		}
	}
}

// replayPendingTerminals re-issues every in-flight terminal on the new
// session epoch — replay is purely by path, taking advantage of
// resolvedEdges coalescing within the new connection.
func (s *Session) replayPendingTerminals() {
	s.mu.Lock()
	pts := make([]*pendingTerminal, 0, len(s.pendingTerminals))
	for pt := range s.pendingTerminals {
		pts = append(pts, pt)
	}
	s.mu.Unlock()
	for _, pt := range pts {
		go func(pt *pendingTerminal) {
			val, err := s.resolveOnce(context.Background(), pt.path)
			if errors.Is(err, ErrReconnecting) {
				return // another drop mid-replay; stays pending for the next round
			}
			s.mu.Lock()
			delete(s.pendingTerminals, pt)
			s.mu.Unlock()
			pt.done <- terminalResult{value: val, err: err}
		}(pt)
	}
}

func (s *Session) onReconnectExhausted() {
	s.mu.Lock()
	s.exhausted = true
	pts := s.pendingTerminals
	s.pendingTerminals = make(map[*pendingTerminal]struct{})
	s.mu.Unlock()
	lost := rpcerr.New(rpcerr.ConnectionLost, "reconnect retries exhausted")
	for pt := range pts {
		pt.done <- terminalResult{err: lost}
	}
}

// Reconnect manually clears an exhausted reconnect state and restarts
// the backoff schedule; a no-op if already connected or reconnect is
// disabled (§4.10).
func (s *Session) Reconnect() {
	s.mu.Lock()
	if s.scheduler == nil || !s.exhausted || s.tr != nil {
		s.mu.Unlock()
		return
	}
	s.exhausted = false
	s.mu.Unlock()
	s.scheduler.Reset()
	go s.scheduleReconnect()
}

// sendWire assigns a fresh messageId, sends the built message, and waits
// for the correlated reply (§4.8's re-based correlation). The server
// correlates replies by strict arrival order (its own recvSeq), not by
// an echoed id, so messageId assignment and the actual wire write must
// happen atomically with respect to every other sendWire/beginEdgeSend
// call — otherwise two goroutines could be handed ids in one order but
// race each other onto the wire in the other, permanently desyncing
// "re" from the waiter it's meant to wake. That atomicity must NOT
// extend to waiting for the reply: holding sendMu across the wait would
// serialize every round trip and make pipelining (§3(b), §8 scenario 1)
// impossible, since no other caller could transmit its own message
// until this one's response arrived.
func (s *Session) sendWire(ctx context.Context, build func() wire.OrderedMap) (serverMsg, error) {
	ch, err := s.beginSend(build)
	if err != nil {
		return serverMsg{}, err
	}
	return s.awaitWire(ctx, ch)
}

// beginSend performs the part of sendWire that must be serialized
// against every other sender: claiming the next messageId and writing
// it to the wire in that same order. It returns before any reply is
// read, so the caller is free to let other goroutines send in the
// meantime.
func (s *Session) beginSend(build func() wire.OrderedMap) (chan terminalWireResult, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, rpcerr.New(rpcerr.ClientClosed, "client closed")
	}
	msgID := s.nextMessageID
	s.nextMessageID++
	ch := make(chan terminalWireResult, 1)
	s.pending[msgID] = ch
	tr := s.tr
	s.mu.Unlock()

	if tr == nil {
		return nil, rpcerr.New(rpcerr.ConnectionLost, "no active transport")
	}

	encoded, err := s.codec.Encode(build())
	if err != nil {
		return nil, err
	}
	if err := tr.Send(encoded); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Session) awaitWire(ctx context.Context, ch chan terminalWireResult) (serverMsg, error) {
	select {
	case res := <-ch:
		if res.err != nil {
			return serverMsg{}, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		return serverMsg{}, ctx.Err()
	}
}

// resolveToToken implements sendEdge's recursive parent resolution: an
// empty path is always token 0; otherwise the last segment is sent as
// an edge op once its own parent path has resolved.
func (s *Session) resolveToToken(ctx context.Context, path wire.Path) (int, error) {
	if len(path) == 0 {
		return 0, nil
	}
	parentPath, _ := path.Parent()
	seg, _ := path.Last()
	return s.sendEdge(ctx, parentPath, seg)
}

// sendEdge deduplicates concurrent navigation of the same canonical
// path onto a single future, and defers local token allocation until
// the parent token is known — the Go realization of "defer nextToken++
// until inside the parent's then" (§4.8's critical ordering property).
func (s *Session) sendEdge(ctx context.Context, parentPath wire.Path, seg wire.Segment) (int, error) {
	key := s.fmt.FormatPath(parentPath) + s.fmt.FormatSegment(seg)

	s.mu.Lock()
	if f, ok := s.resolvedEdges[key]; ok {
		s.mu.Unlock()
		return waitToken(ctx, f)
	}
	f := newFuture()
	s.resolvedEdges[key] = f
	s.mu.Unlock()

	go func() {
		parentTok, err := s.resolveToToken(ctx, parentPath)
		if err != nil {
			f.settle(0, err)
			return
		}

		childTok, ch, err := s.beginEdgeSend(parentTok, seg, key)
		if err != nil {
			f.settle(0, err)
			return
		}

		// Settle with childTok the instant it's claimed and on the
		// wire — synchronously, independent of the edge's own round
		// trip — so any other path recursing through this edge as an
		// ancestor (via waitToken on the same future) can send its own
		// dependent message right away instead of blocking on this
		// edge's response (§3(b), §8 scenario 1, design note §9's
		// "resolve to childTok" ordering).
		f.settle(childTok, nil)

		// The edge response is consumed only for bookkeeping; an edge
		// failure never fails this future — it surfaces later on the
		// dependent terminal operation, since the server only binds
		// childTok once the edge message actually reaches it, so a send
		// failure here leaves childTok unknown server-side and any use
		// of it reported as an invalid token.
		go func() {
			res := <-ch
			if res.err != nil {
				s.log.Warnf("session: edge %q send failed: %v", seg.Name, res.err)
			} else if res.msg.err != nil {
				s.log.Warnf("session: edge %q failed: %v", seg.Name, res.msg.err)
			}
		}()
	}()

	return waitToken(ctx, f)
}

// beginEdgeSend claims the next token and transmits the edge message
// atomically with every other sendWire/beginEdgeSend call: the client's
// local token numbering must match the server's claimTok order exactly,
// since Manager.Claim (server-side) allocates synchronously in strict
// arrival order of edge messages alone (§4.4, §4.8). The lock is
// released before any reply is awaited by the caller, so this never
// blocks a concurrent sender.
func (s *Session) beginEdgeSend(parentTok int, seg wire.Segment, key string) (int, chan terminalWireResult, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, rpcerr.New(rpcerr.ClientClosed, "client closed")
	}
	childTok := s.nextToken
	s.nextToken++
	s.pathToToken[key] = childTok
	msgID := s.nextMessageID
	s.nextMessageID++
	ch := make(chan terminalWireResult, 1)
	s.pending[msgID] = ch
	tr := s.tr
	s.mu.Unlock()

	if tr == nil {
		return 0, nil, rpcerr.New(rpcerr.ConnectionLost, "no active transport")
	}

	encoded, err := s.codec.Encode(edgeRequest(parentTok, seg))
	if err != nil {
		return 0, nil, err
	}
	if err := tr.Send(encoded); err != nil {
		return 0, nil, err
	}
	return childTok, ch, nil
}

func waitToken(ctx context.Context, f *future) (int, error) {
	v, err := f.wait(ctx)
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Session) issueProperty(ctx context.Context, tok int, name string) (interface{}, error) {
	s.mu.Lock()
	if snap, ok := s.liveDataCache[tok]; ok {
		if v, ok := snap.Get(name); ok {
			s.mu.Unlock()
			return v, nil
		}
	}
	cacheKey := fmt.Sprintf("%d:%s", tok, name)
	if f, ok := s.getCache[cacheKey]; ok {
		s.mu.Unlock()
		return f.wait(ctx)
	}
	f := newFuture()
	s.getCache[cacheKey] = f
	s.mu.Unlock()

	go func() {
		msg, err := s.sendWire(ctx, func() wire.OrderedMap { return getRequest(tok, name, nil) })
		if err != nil {
			f.settle(nil, err)
			return
		}
		if msg.err != nil {
			f.settle(nil, msg.err)
			return
		}
		f.settle(msg.data, nil)
	}()
	return f.wait(ctx)
}

func (s *Session) issueGet(ctx context.Context, tok int, name string, args []interface{}) (interface{}, error) {
	msg, err := s.sendWire(ctx, func() wire.OrderedMap { return getRequest(tok, name, args) })
	if err != nil {
		return nil, err
	}
	if msg.err != nil {
		return nil, msg.err
	}
	return msg.data, nil
}

func (s *Session) fetchData(ctx context.Context, tok int, path wire.Path) (interface{}, error) {
	s.mu.Lock()
	if snap, ok := s.liveDataCache[tok]; ok {
		s.mu.Unlock()
		return snap, nil
	}
	if f, ok := s.dataLoadCache[tok]; ok {
		s.mu.Unlock()
		return f.wait(ctx)
	}
	f := newFuture()
	s.dataLoadCache[tok] = f
	s.mu.Unlock()

	go func() {
		msg, err := s.sendWire(ctx, func() wire.OrderedMap { return dataRequest(tok) })
		if err != nil {
			f.settle(nil, err)
			return
		}
		if msg.err != nil {
			f.settle(nil, msg.err)
			return
		}
		snap, _ := msg.data.(wire.OrderedMap)
		s.mu.Lock()
		s.liveDataCache[tok] = snap
		s.mu.Unlock()
		f.settle(snap, nil)
	}()
	return f.wait(ctx)
}

// OnReference implements the reference-arrival cache invalidation of
// §4.8/§5: called synchronously by the codec's reviver when it decodes a
// wire.Reference, before any data-proxy materialization.
func (s *Session) OnReference(ref wire.Reference) {
	key := s.fmt.FormatPath(ref.Path)
	s.mu.Lock()
	defer s.mu.Unlock()
	refTok, ok := s.pathToToken[key]
	if !ok {
		return
	}
	data, _ := ref.Data.(wire.OrderedMap)
	s.liveDataCache[refTok] = data
	prefix := fmt.Sprintf("%d:", refTok)
	for k := range s.getCache {
		if strings.HasPrefix(k, prefix) {
			delete(s.getCache, k)
		}
	}
	delete(s.dataLoadCache, refTok)

	for edgeKey := range s.resolvedEdges {
		if edgeKey == key || !strings.HasPrefix(edgeKey, key) {
			continue
		}
		delete(s.resolvedEdges, edgeKey)
		if t, ok := s.pathToToken[edgeKey]; ok {
			delete(s.pathToToken, edgeKey)
			delete(s.liveDataCache, t)
			delete(s.dataLoadCache, t)
			tp := fmt.Sprintf("%d:", t)
			for k := range s.getCache {
				if strings.HasPrefix(k, tp) {
					delete(s.getCache, k)
				}
			}
		}
	}
}

// Close marks the session permanently closed; subsequent operations
// fail with CLIENT_CLOSED.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	tr := s.tr
	s.tr = nil
	s.mu.Unlock()
	if tr != nil {
		return tr.Close()
	}
	return nil
}
