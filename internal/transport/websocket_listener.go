package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 90 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 1 << 20 // 1MB, generous over a single JSON-RPC message
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // desktop/browser clients on localhost, no origin to police
	},
}

// WebSocketListener binds an HTTP server and upgrades every request on
// its path to a WebSocket connection. It exists alongside LocalListener
// so a client without Unix-socket/named-pipe access (a browser-based
// GUI, say) can still speak the same framed JSON-RPC protocol.
type WebSocketListener struct {
	ln     net.Listener
	path   string
	srv    *http.Server
	accept chan acceptResult
}

type acceptResult struct {
	conn Connection
	err  error
}

// NewWebSocketListener binds addr and serves WebSocket upgrades at path.
// Accept returns one Connection per successfully upgraded request.
func NewWebSocketListener(addr, path string) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &WebSocketListener{
		ln:     ln,
		path:   path,
		accept: make(chan acceptResult),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case l.accept <- acceptResult{err: err}:
			default:
			}
		}
	}()

	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newWSConn(raw)
	l.accept <- acceptResult{conn: conn}
}

func (l *WebSocketListener) Accept() (Connection, error) {
	res, ok := <-l.accept
	if !ok {
		return nil, ErrListenerClosed
	}
	return res.conn, res.err
}

func (l *WebSocketListener) Addr() string { return "ws://" + l.ln.Addr().String() + l.path }

func (l *WebSocketListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := l.srv.Shutdown(ctx)
	close(l.accept)
	return err
}

// wsConn adapts a gorilla/websocket connection to Connection. Each
// inbound WebSocket text message is one already-framed JSON-RPC
// payload; no additional length-prefix framing is needed since
// WebSocket is itself message-oriented.
type wsConn struct {
	*baseConn
	raw      *websocket.Conn
	writeMu  sync.Mutex // gorilla/websocket forbids concurrent writers
}

func newWSConn(raw *websocket.Conn) *wsConn {
	c := &wsConn{raw: raw}
	c.baseConn = newBaseConn(nextConnID("ws-"), func(data []byte) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = c.raw.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return c.raw.WriteMessage(websocket.TextMessage, data)
	}, DefaultOutboundQueueSize)

	go c.pinger()
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer c.Close()

	c.raw.SetReadLimit(wsMaxMessage)
	_ = c.raw.SetReadDeadline(time.Now().Add(wsPongWait))
	c.raw.SetPongHandler(func(string) error {
		return c.raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.raw.ReadMessage()
		if err != nil {
			return
		}
		c.deliver(Packet{Data: data, Endpoint: ""})
	}
}

// pinger keeps the connection's read deadline alive on an otherwise
// quiet link. JSON-RPC traffic itself carries no heartbeat of its own
// at this layer (dispatch's internalPing is an application-level one).
func (c *wsConn) pinger() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.raw.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := c.raw.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-c.Done():
			return
		}
	}
}

func (c *wsConn) Close() error {
	err := c.baseConn.Close()
	c.raw.Close()
	return err
}
