// Package dispatch implements the per-connection request dispatcher
// (§4.6): message parsing and admission, synchronous edge-token
// allocation, concurrency-slot admission, idle and operation timeouts,
// the middleware chain, and the "resolve terminal" protocol.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/latticerpc/graphrpc/internal/rpclog"
	"github.com/latticerpc/graphrpc/internal/server/objgraph"
	"github.com/latticerpc/graphrpc/internal/server/session"
	"github.com/latticerpc/graphrpc/pkg/rpcerr"
	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/transport"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

// Info describes one operation to the middleware chain (§4.6).
type Info struct {
	Op      string
	Tok     int
	Name    string
	ConnCtx interface{}
}

// Next invokes the remainder of the middleware chain, terminating in
// executeOp.
type Next func(ctx context.Context) (interface{}, *rpcerr.Error)

// Middleware wraps one operation's execution. The first one registered
// is outermost.
type Middleware func(ctx context.Context, info Info, next Next) (interface{}, *rpcerr.Error)

func compose(mws []Middleware, info Info, final Next) Next {
	exec := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], exec
		exec = func(ctx context.Context) (interface{}, *rpcerr.Error) {
			return mw(ctx, info, next)
		}
	}
	return exec
}

// Options configures a Conn. Zero values take the listed defaults.
type Options struct {
	MaxTokens        int           // default 100000
	MaxPendingOps    int           // default 16
	MaxQueuedOps     int           // default 1024
	IdleTimeout      time.Duration // 0 disables the idle timer
	OperationTimeout time.Duration // 0 disables per-operation timeouts
	RedactErrors     bool
	Logger           *rpclog.Logger
	Middlewares      []Middleware
	Version          int // default 1
	SchemaDesc       string
}

func (o *Options) setDefaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 100000
	}
	if o.MaxPendingOps <= 0 {
		o.MaxPendingOps = 16
	}
	if o.MaxQueuedOps <= 0 {
		o.MaxQueuedOps = 1024
	}
	if o.Logger == nil {
		o.Logger = rpclog.NewDiscardLogger()
	}
	if o.Version == 0 {
		o.Version = 1
	}
}

// Conn is one connection's dispatcher: it owns a session.Manager, a
// concurrency-slot semaphore, and the idle/operation timers, and drives
// a transport.Transport's message loop.
type Conn struct {
	tr       transport.Transport
	codec    wire.Codec
	fmt      *wire.Formatter
	registry *objgraph.Registry
	sess     *session.Manager
	log      *rpclog.Logger
	mws      []Middleware
	opts     Options
	visCtx   interface{}

	sem *semaphore.Weighted

	mu         sync.Mutex
	pendingOps int
	recvSeq    int
	closed     bool
	idleTimer  *time.Timer

	connCtx    context.Context
	connCancel context.CancelFunc
}

// New builds a dispatcher Conn over tr for one connection's resolved
// schema table and object-graph registry. visCtx is the connection's
// visibility context, threaded into schema Visible predicates and
// objgraph.OpCtx.
func New(tr transport.Transport, codec wire.Codec, f *wire.Formatter, table *schema.Table, registry *objgraph.Registry, visCtx interface{}, opts Options) *Conn {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		tr:         tr,
		codec:      codec,
		fmt:        f,
		registry:   registry,
		sess:       session.New(f, table, registry, opts.MaxTokens),
		log:        opts.Logger,
		mws:        opts.Middlewares,
		opts:       opts,
		visCtx:     visCtx,
		sem:        semaphore.NewWeighted(int64(opts.MaxPendingOps)),
		connCtx:    ctx,
		connCancel: cancel,
	}
}

// Run sends the hello message and then services incoming messages until
// the transport closes or a protocol violation forces closure. It does
// not return until the connection is done.
func (c *Conn) Run() error {
	if err := c.send(helloResponse(c.opts.Version, c.opts.SchemaDesc)); err != nil {
		c.Close()
		return err
	}
	defer c.Close()
	for {
		raw, err := c.tr.Recv()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		if err := c.handleMessage(raw); err != nil {
			c.log.Warnf("dispatch: closing connection: %v", err)
			return err
		}
	}
}

// Close tears down the connection: cancels every in-flight operation's
// context (which also rejects queued slot waiters), clears the session
// cache, and closes the transport. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.mu.Unlock()
	c.connCancel()
	c.sess.Clear()
	return c.tr.Close()
}

func (c *Conn) send(v interface{}) error {
	s, err := c.codec.Encode(v)
	if err != nil {
		return err
	}
	return c.tr.Send(s)
}

// handleMessage implements the per-message flow of §4.6 steps 1-6: parse
// and validate, admit, reset the idle timer, synchronously claim an edge
// token if needed, and spawn the operation. A returned error means the
// connection must close.
func (c *Conn) handleMessage(raw string) error {
	decoded, err := c.codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("dispatch: malformed message: %w", err)
	}
	msg, err := parseClientMsg(decoded)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.recvSeq++
	re := c.recvSeq
	c.pendingOps++
	pending := c.pendingOps
	c.mu.Unlock()
	c.resetIdleTimer()

	if pending > c.opts.MaxQueuedOps {
		c.decrementPending()
		return fmt.Errorf("dispatch: exceeded maxQueuedOps (%d)", c.opts.MaxQueuedOps)
	}

	var claimTok int
	var claimErr *rpcerr.Error
	if msg.op == "edge" {
		tok, cerr := c.sess.Claim(msg.tok, msg.edge, msg.args)
		claimTok = tok
		if cerr != nil {
			if fe, ok := cerr.(*rpcerr.Error); ok && fe.Code == rpcerr.TokenLimitExceeded {
				c.decrementPending()
				c.send(edgeResponse(tok, re, fe))
				return fmt.Errorf("dispatch: %w", fe)
			}
			if fe, ok := cerr.(*rpcerr.Error); ok {
				claimErr = fe
			} else {
				claimErr = rpcerr.Wrap(rpcerr.InvalidToken, cerr)
			}
		}
	}

	go c.runOperation(msg, re, claimTok, claimErr)
	return nil
}

func (c *Conn) decrementPending() {
	c.mu.Lock()
	c.pendingOps--
	c.mu.Unlock()
}

// runOperation executes one already-admitted operation: the operation
// timer, the middleware chain, and the terminal response write (§4.6
// steps 5-8).
func (c *Conn) runOperation(msg clientMsg, re, claimTok int, claimErr *rpcerr.Error) {
	info := Info{Op: msg.op, Name: msg.name, ConnCtx: c.visCtx, Tok: msg.tok}
	if msg.op == "edge" {
		info.Tok = claimTok
		info.Name = msg.edge
	}

	opCtx, cancel := context.WithCancel(c.connCtx)
	defer cancel()

	var timedOut int32
	var timer *time.Timer
	if c.opts.OperationTimeout > 0 {
		timer = time.AfterFunc(c.opts.OperationTimeout, func() {
			atomic.StoreInt32(&timedOut, 1)
			cancel()
			cause := rpcerr.New(rpcerr.OperationTimeout, "operation timed out after %s", c.opts.OperationTimeout)
			c.writeOpResponse(msg, re, claimTok, nil, cause)
		})
	}

	final := func(ctx context.Context) (interface{}, *rpcerr.Error) {
		return c.executeOp(ctx, msg, claimTok, claimErr)
	}
	data, opErr := compose(c.mws, info, final)(opCtx)

	if timer != nil {
		timer.Stop()
	}
	// The operation timeout already wrote a response and the handler ran
	// to completion in the background only for cleanup (§5 Cancellation);
	// a second write for the same messageId would be a protocol bug.
	if atomic.LoadInt32(&timedOut) == 0 {
		c.writeOpResponse(msg, re, claimTok, data, opErr)
	}

	c.decrementPending()
	c.resetIdleTimer()
}

func (c *Conn) writeOpResponse(msg clientMsg, re, tok int, data interface{}, opErr *rpcerr.Error) {
	var cause *rpcerr.Error
	if opErr != nil {
		cause = rpcerr.Redact(opErr, c.opts.RedactErrors)
		c.log.Errorf("operationError op=%s tok=%d id=%s code=%s: %s", msg.op, tok, opErr.Identifier, opErr.Code, opErr.Message)
	}
	var om wire.OrderedMap
	switch msg.op {
	case "edge":
		om = edgeResponse(tok, re, cause)
	case "get":
		om = getResponse(msg.tok, re, data, cause)
	case "data":
		om = dataResponse(msg.tok, re, data, cause)
	default:
		return
	}
	if err := c.send(om); err != nil {
		c.log.Warnf("dispatch: failed to write response: %v", err)
	}
}

// executeOp is the innermost middleware step (§4.6 step 6): it performs
// the op-specific work, after acquiring a concurrency slot.
func (c *Conn) executeOp(ctx context.Context, msg clientMsg, claimTok int, claimErr *rpcerr.Error) (interface{}, *rpcerr.Error) {
	switch msg.op {
	case "edge":
		if claimErr != nil {
			return nil, claimErr
		}
		if serr := c.acquireSlot(ctx); serr != nil {
			return nil, serr
		}
		defer c.releaseSlot()
		if _, err := c.sess.Resolve(ctx, claimTok); err != nil {
			return nil, asRPCErr(err)
		}
		return nil, nil
	case "get":
		node, err := c.sess.Resolve(ctx, msg.tok)
		if err != nil {
			return nil, asRPCErr(err)
		}
		if serr := c.acquireSlot(ctx); serr != nil {
			return nil, serr
		}
		defer c.releaseSlot()
		return c.resolveTerminal(ctx, msg.tok, node, msg.name, msg.args)
	case "data":
		node, err := c.sess.Resolve(ctx, msg.tok)
		if err != nil {
			return nil, asRPCErr(err)
		}
		if serr := c.acquireSlot(ctx); serr != nil {
			return nil, serr
		}
		defer c.releaseSlot()
		cls, ok := c.sess.ClassOf(msg.tok)
		if !ok {
			return nil, rpcerr.New(rpcerr.InvalidToken, "unknown token %d", msg.tok)
		}
		opCtx := objgraph.OpCtx{Context: ctx, ConnCtx: c.visCtx}
		data, serr2 := objgraph.Snapshot(cls, node, c.registry, opCtx)
		if serr2 != nil {
			return nil, rpcerr.Wrap(rpcerr.DataError, serr2)
		}
		return data, nil
	default:
		return nil, rpcerr.New(rpcerr.ValidationError, "unknown op %q", msg.op)
	}
}

// resolveTerminal implements §4.6.1: dangerous-name rejection,
// visibility, edge-vs-terminal distinction, method arg validation, and
// the undeclared-property reflection fallback.
func (c *Conn) resolveTerminal(ctx context.Context, tok int, node interface{}, name string, args []interface{}) (interface{}, *rpcerr.Error) {
	if objgraph.IsDangerousName(name) {
		return nil, rpcerr.New(rpcerr.MethodNotFound, "no terminal %q", name)
	}
	cls, ok := c.sess.ClassOf(tok)
	if !ok {
		return nil, rpcerr.New(rpcerr.InvalidToken, "unknown token %d", tok)
	}
	for _, e := range cls.Edges {
		if e.Name == name {
			return nil, rpcerr.New(rpcerr.MethodNotFound, "%q is an edge, not a terminal", name)
		}
	}

	var term *schema.TerminalDef
	for i := range cls.Terminals {
		if cls.Terminals[i].Name == name {
			term = &cls.Terminals[i]
			break
		}
	}

	opCtx := objgraph.OpCtx{Context: ctx, ConnCtx: c.visCtx}

	if term != nil {
		if term.Visible != nil && !term.Visible(c.visCtx) {
			return nil, rpcerr.New(rpcerr.MethodNotFound, "no terminal %q", name)
		}
		if term.Method {
			if len(args) > term.NumArgs {
				return nil, rpcerr.New(rpcerr.ValidationError, "too many arguments for %q", name)
			}
			fn, ok := c.registry.Method(cls, name)
			if !ok {
				return nil, rpcerr.New(rpcerr.MethodNotFound, "no method %q", name)
			}
			res, err := fn(opCtx, node, args)
			if err != nil {
				return nil, rpcerr.Wrap(rpcerr.GetError, err)
			}
			return res, nil
		}
		if len(args) > 0 {
			return nil, rpcerr.New(rpcerr.ValidationError, "%q takes no arguments", name)
		}
		fn, ok := c.registry.Property(cls, name)
		if !ok {
			return nil, rpcerr.New(rpcerr.MethodNotFound, "no property %q", name)
		}
		res, err := fn(opCtx, node)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.GetError, err)
		}
		return res, nil
	}

	if len(args) > 0 {
		return nil, rpcerr.New(rpcerr.MethodNotFound, "no terminal %q", name)
	}
	val, found, err := objgraph.FieldValue(node, name)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.GetError, err)
	}
	if !found {
		return nil, rpcerr.New(rpcerr.MethodNotFound, "no terminal %q", name)
	}
	return val, nil
}

// acquireSlot implements §4.6.2: admit if a slot is free, else park on
// the semaphore's FIFO wait list. A connection close cancels ctx, which
// rejects every queued waiter with CONNECTION_CLOSED before its user
// code runs.
func (c *Conn) acquireSlot(ctx context.Context) *rpcerr.Error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return rpcerr.New(rpcerr.ConnectionClosed, "connection closed while waiting for a concurrency slot")
	}
	return nil
}

func (c *Conn) releaseSlot() {
	c.sem.Release(1)
}

// resetIdleTimer implements §4.6.3: reset on every incoming message and
// on every response completion; the timer only closes the connection if
// pendingOps is still zero when it fires.
func (c *Conn) resetIdleTimer() {
	if c.opts.IdleTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, c.fireIdle)
}

func (c *Conn) fireIdle() {
	c.mu.Lock()
	pending := c.pendingOps
	c.mu.Unlock()
	if pending == 0 {
		c.log.Infof("dispatch: connection idle, closing")
		c.Close()
	}
}

func asRPCErr(err error) *rpcerr.Error {
	if err == nil {
		return nil
	}
	var fe *rpcerr.Error
	if errors.As(err, &fe) {
		return fe
	}
	return rpcerr.Wrap(rpcerr.InternalError, err)
}
