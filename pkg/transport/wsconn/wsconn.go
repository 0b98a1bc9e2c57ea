// Package wsconn is the default transport.Transport binding: one codec
// message per WebSocket text frame, negotiated with a small JSON "hello"
// handshake (§6) in place of gorilla's Sec-WebSocket-Protocol subprotocol
// negotiation.
package wsconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/latticerpc/graphrpc/pkg/transport"
)

const (
	defaultReadBufferSize  = 1024
	defaultWriteBufferSize = 1024

	handshakeDeadline = 2 * time.Second
	idleReadTimeout   = 90 * time.Second

	helloVersion = 1
)

var (
	// ErrHandshakeFailed is returned when hello negotiation does not
	// complete, either because the peer never answered or answered with
	// a version we do not understand.
	ErrHandshakeFailed = errors.New("wsconn: hello handshake failed")
)

type helloMsg struct {
	Op      string `json:"op"`
	Version int    `json:"version"`
	Schema  string `json:"schema,omitempty"`
}

// Conn adapts a *websocket.Conn to transport.Transport: every Send/Recv
// moves exactly one text frame, carrying one already-codec-encoded
// string message.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

var _ transport.Transport = (*Conn)(nil)

// Send writes msg as a single WebSocket text frame. Safe for concurrent
// use with other Send calls and with Recv.
func (c *Conn) Send(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return transport.ErrClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Recv blocks for the next text frame. Only one goroutine may call Recv
// at a time, matching gorilla/websocket's single-reader requirement.
func (c *Conn) Recv() (string, error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(idleReadTimeout)); err != nil {
		return "", err
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if isCloseLike(err) {
			return "", transport.ErrClosed
		}
		return "", err
	}
	return string(data), nil
}

// Close closes the underlying socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

func (c *Conn) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

func isCloseLike(err error) bool {
	if err == io.EOF {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}

// Upgrader wraps websocket.Upgrader with the hello handshake and sane
// buffer-size defaults (§6 server-side binding).
type Upgrader struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	SchemaVersion   string
}

// Accept upgrades r to a WebSocket, performs the server side of the
// hello handshake, and returns a ready-to-use Conn.
func (u Upgrader) Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	rb, wb := u.ReadBufferSize, u.WriteBufferSize
	if rb <= 0 {
		rb = defaultReadBufferSize
	}
	if wb <= 0 {
		wb = defaultWriteBufferSize
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  rb,
		WriteBufferSize: wb,
		CheckOrigin:     u.CheckOrigin,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	var hello helloMsg
	if err := readDeadline(ws, handshakeDeadline, &hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if hello.Op != "hello" || hello.Version != helloVersion {
		writeDeadline(ws, handshakeDeadline, helloMsg{Op: "reject", Version: helloVersion})
		ws.Close()
		return nil, ErrHandshakeFailed
	}
	ack := helloMsg{Op: "hello", Version: helloVersion, Schema: u.SchemaVersion}
	if err := writeDeadline(ws, handshakeDeadline, ack); err != nil {
		ws.Close()
		return nil, err
	}
	return &Conn{ws: ws}, nil
}

// DialOptions configures Dial.
type DialOptions struct {
	Headers         map[string]string
	ReadBufferSize  int
	WriteBufferSize int
	EnforceCert     bool
	SchemaVersion   string
}

// Dial connects to uri, performs the client side of the hello handshake,
// and returns a ready-to-use Conn (§6 client-side binding).
func Dial(ctx context.Context, uri string, opts DialOptions) (*Conn, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	var tlsConfig *tls.Config
	if u.Scheme != "ws" {
		tlsConfig = &tls.Config{InsecureSkipVerify: !opts.EnforceCert}
	}

	rb, wb := opts.ReadBufferSize, opts.WriteBufferSize
	if rb <= 0 {
		rb = defaultReadBufferSize
	}
	if wb <= 0 {
		wb = defaultWriteBufferSize
	}
	dialer := websocket.Dialer{
		ReadBufferSize:  rb,
		WriteBufferSize: wb,
		TLSClientConfig: tlsConfig,
	}

	hdr := http.Header{}
	hdr.Add("Origin", fmt.Sprintf("%s://%s", u.Scheme, u.Host))
	for k, v := range opts.Headers {
		hdr.Add(k, v)
	}

	ws, resp, err := dialer.DialContext(ctx, uri, hdr)
	if err != nil {
		if ws != nil {
			ws.Close()
		}
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("wsconn: dial failed with status %d", resp.StatusCode)
		}
		return nil, err
	}

	req := helloMsg{Op: "hello", Version: helloVersion, Schema: opts.SchemaVersion}
	if err := writeDeadline(ws, handshakeDeadline, req); err != nil {
		ws.Close()
		return nil, err
	}
	var ack helloMsg
	if err := readDeadline(ws, handshakeDeadline, &ack); err != nil {
		ws.Close()
		return nil, err
	}
	if ack.Op != "hello" || ack.Version != helloVersion {
		ws.Close()
		return nil, ErrHandshakeFailed
	}
	return &Conn{ws: ws}, nil
}

func readDeadline(ws *websocket.Conn, d time.Duration, v interface{}) error {
	if err := ws.SetReadDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	defer ws.SetReadDeadline(time.Time{})
	return ws.ReadJSON(v)
}

func writeDeadline(ws *websocket.Conn, d time.Duration, v interface{}) error {
	if err := ws.SetWriteDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	defer ws.SetWriteDeadline(time.Time{})
	return ws.WriteJSON(v)
}
