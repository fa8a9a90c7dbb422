package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Transport is a frame-level duplex channel carrying one UTF-8 JSON
// document per frame. Implementations must allow one concurrent reader
// and serialize writes internally.
type Transport interface {
	// ReadFrame blocks until the next frame arrives or the transport closes.
	ReadFrame(ctx context.Context) ([]byte, error)
	// WriteFrame sends one frame. Safe for concurrent use.
	WriteFrame(ctx context.Context, frame []byte) error
	// Close tears down the connection. Idempotent.
	Close() error
}

// ErrTransportClosed is returned by ReadFrame and WriteFrame after the
// underlying connection is gone.
var ErrTransportClosed = errors.New("transport_closed")

// wsTransport adapts a gorilla/websocket connection to Transport.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// NewWebSocketTransport wraps an established websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn, closed: make(chan struct{})}
}

// Dial connects to a bus server at addr (host:port) and returns the
// websocket transport for it.
func Dial(ctx context.Context, addr string) (Transport, error) {
	url := fmt.Sprintf("ws://%s/bus", addr)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", addr, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebSocketTransport(conn), nil
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	// gorilla reads have no context hook; cancellation closes the conn,
	// which unblocks ReadMessage with an error.
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrTransportClosed
		}
		if kind != websocket.TextMessage {
			continue // binary and control frames are not part of the protocol
		}
		return data, nil
	}
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return ErrTransportClosed
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.conn.Close()
}

// upgrader accepts any origin: the bus has no browser surface and auth
// is a client-supplied identifier by design of the protocol.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Listener accepts Transport connections.
type Listener interface {
	// Accept blocks until the next inbound transport or listener close.
	Accept(ctx context.Context) (Transport, error)
	// Addr returns the bound address.
	Addr() net.Addr
	// Close stops accepting.
	Close() error
}

// wsListener serves the /bus websocket endpoint and hands upgraded
// connections to Accept.
type wsListener struct {
	ln      net.Listener
	srv     *http.Server
	accepts chan Transport
	done    chan struct{}
	once    sync.Once
}

// Listen binds addr (host:port) and starts the HTTP listener serving
// websocket upgrades on /bus.
func Listen(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bus: listen %s: %w", addr, err)
	}

	l := &wsListener{
		ln:      ln,
		accepts: make(chan Transport),
		done:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/bus", l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)

	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // upgrader already wrote the HTTP error
	}
	t := NewWebSocketTransport(conn)
	select {
	case l.accepts <- t:
	case <-l.done:
		t.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.accepts:
		return t, nil
	case <-l.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.srv.Close()
}
