// Package wsadapter is the default, opt-in taskqueue.WebSocketProvider
// backed by github.com/gorilla/websocket. The core taskqueue package never
// imports it; callers that want real websocket transport wire a *Provider
// into taskqueue.NewTracker themselves.
package wsadapter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ngnet/taskqueue"
)

// Provider dials and maintains one *websocket.Conn per
// taskqueue.WebSocketHandle, satisfying taskqueue.WebSocketProvider.
//
// Each connection has a dedicated read pump goroutine, started from
// Connect, which exists for as long as the connection does. Writes are
// serialized per connection with writeMu since gorilla/websocket forbids
// concurrent writers on the same *websocket.Conn.
type Provider struct {
	// Dialer is used to establish new connections. Defaults to
	// websocket.DefaultDialer when nil.
	Dialer *websocket.Dialer

	// CloseGracePeriod bounds how long Disconnect waits for the close
	// control frame to reach the peer before closing the underlying
	// connection outright. Defaults to 5s.
	CloseGracePeriod time.Duration

	// OnClosed, if set, fires from the read pump once a connection's
	// read loop ends, for any reason. Wire it to
	// (*taskqueue.Tracker).WebSocketClosed to keep the tracker's
	// connected set accurate when peers close connections.
	OnClosed func(ws *taskqueue.WebSocketHandle)

	mu    sync.Mutex
	conns map[*taskqueue.WebSocketHandle]*wsConn
}

type wsConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	closedCh chan struct{}
	closeOnce sync.Once
}

// New returns a Provider using websocket.DefaultDialer.
func New() *Provider {
	return &Provider{conns: make(map[*taskqueue.WebSocketHandle]*wsConn)}
}

func (p *Provider) dialer() *websocket.Dialer {
	if p.Dialer != nil {
		return p.Dialer
	}
	return websocket.DefaultDialer
}

func (p *Provider) graceTimeout() time.Duration {
	if p.CloseGracePeriod > 0 {
		return p.CloseGracePeriod
	}
	return 5 * time.Second
}

// Connect dials uri, optionally negotiating subprotocol, and registers the
// resulting connection against ws. It satisfies
// taskqueue.WebSocketProvider.Connect and runs on the tracker's DoWork
// opcode, so ctx carries whatever deadline the caller attached to the
// operation.
func (p *Provider) Connect(ctx context.Context, uri, subprotocol string, ws *taskqueue.WebSocketHandle, async *taskqueue.AsyncBlock) error {
	dialer := p.dialer()
	header := http.Header{}
	if subprotocol != "" {
		header.Set("Sec-WebSocket-Protocol", subprotocol)
	}

	conn, _, err := dialer.DialContext(ctx, uri, header)
	if err != nil {
		return err
	}

	wc := &wsConn{conn: conn, closedCh: make(chan struct{})}

	p.mu.Lock()
	if p.conns == nil {
		p.conns = make(map[*taskqueue.WebSocketHandle]*wsConn)
	}
	p.conns[ws] = wc
	p.mu.Unlock()

	go p.readPump(ws, wc)
	return nil
}

// readPump drains incoming frames until the connection fails or is closed,
// then removes it from conns and notifies OnClosed. gorilla/websocket
// requires a live reader for control frames (pong, close) to be processed
// even when the caller never expects application data back.
func (p *Provider) readPump(ws *taskqueue.WebSocketHandle, wc *wsConn) {
	for {
		if _, _, err := wc.conn.ReadMessage(); err != nil {
			break
		}
	}
	p.forget(ws, wc)
}

func (p *Provider) forget(ws *taskqueue.WebSocketHandle, wc *wsConn) {
	p.mu.Lock()
	if p.conns[ws] == wc {
		delete(p.conns, ws)
	}
	p.mu.Unlock()

	wc.closeOnce.Do(func() {
		close(wc.closedCh)
		_ = wc.conn.Close()
	})

	if p.OnClosed != nil {
		p.OnClosed(ws)
	}
}

func (p *Provider) lookup(ws *taskqueue.WebSocketHandle) (*wsConn, error) {
	p.mu.Lock()
	wc, ok := p.conns[ws]
	p.mu.Unlock()
	if !ok {
		return nil, taskqueue.ErrClosed
	}
	return wc, nil
}

// SendText writes msg as a single text frame.
func (p *Provider) SendText(ctx context.Context, ws *taskqueue.WebSocketHandle, msg string, async *taskqueue.AsyncBlock) error {
	wc, err := p.lookup(ws)
	if err != nil {
		return err
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = wc.conn.SetWriteDeadline(dl)
	}
	return wc.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// SendBinary writes data as a single binary frame.
func (p *Provider) SendBinary(ctx context.Context, ws *taskqueue.WebSocketHandle, data []byte, async *taskqueue.AsyncBlock) error {
	wc, err := p.lookup(ws)
	if err != nil {
		return err
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = wc.conn.SetWriteDeadline(dl)
	}
	return wc.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Disconnect sends a close control frame with closeStatus and tears down
// the connection. A connection already gone (peer closed first) is not an
// error: the tracker's connected set is already consistent by the time
// Disconnect is asked to run.
func (p *Provider) Disconnect(ctx context.Context, ws *taskqueue.WebSocketHandle, closeStatus int) error {
	wc, err := p.lookup(ws)
	if err != nil {
		return nil
	}

	wc.writeMu.Lock()
	deadline := time.Now().Add(p.graceTimeout())
	closeErr := wc.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeStatus, ""), deadline)
	wc.writeMu.Unlock()

	select {
	case <-wc.closedCh:
	case <-time.After(p.graceTimeout()):
		p.forget(ws, wc)
	}
	if closeErr != nil {
		return closeErr
	}
	return nil
}
