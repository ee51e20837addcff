package net

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

// WebsocketTransport implements the Transport interface over WebSocket
// connections, for peers running behind browsers or HTTP-only ingress.
// Frames are msgpack-encoded Envelopes in binary messages.
type WebsocketTransport struct {
	localID  string
	bindAddr string

	upgrader websocket.Upgrader
	server   *http.Server

	consumeCh chan Envelope

	connLock sync.Mutex
	conns    map[string]*wsConn

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	timeout time.Duration

	logger *logrus.Entry
}

type wsConn struct {
	sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketTransport ...
func NewWebsocketTransport(bindAddr, localID string, timeout time.Duration, logger *logrus.Entry) *WebsocketTransport {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}
	return &WebsocketTransport{
		localID:  localID,
		bindAddr: bindAddr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
		},
		consumeCh:  make(chan Envelope, 256),
		conns:      make(map[string]*wsConn),
		shutdownCh: make(chan struct{}),
		timeout:    timeout,
		logger:     logger,
	}
}

// Listen implements the Transport interface.
func (t *WebsocketTransport) Listen() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleUpgrade)

	t.server = &http.Server{Addr: t.bindAddr, Handler: mux}

	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.WithError(err).Error("websocket listener failed")
		}
	}()
}

func (t *WebsocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.WithError(err).Error("websocket upgrade failed")
		return
	}

	t.logger.WithField("remote", conn.RemoteAddr()).Debug("accepted websocket connection")

	go t.readLoop(conn)
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.shutdownCh:
			default:
				t.logger.WithError(err).Debug("websocket connection closed")
			}
			return
		}

		var env Envelope
		if err := codec.NewDecoderBytes(data, msgpackHandle()).Decode(&env); err != nil {
			t.logger.WithError(err).Warn("undecodable websocket frame")
			continue
		}

		select {
		case t.consumeCh <- env:
		case <-t.shutdownCh:
			return
		}
	}
}

// Consumer implements the Transport interface.
func (t *WebsocketTransport) Consumer() <-chan Envelope {
	return t.consumeCh
}

// LocalAddr implements the Transport interface.
func (t *WebsocketTransport) LocalAddr() string {
	return t.bindAddr
}

// Send implements the Transport interface.
func (t *WebsocketTransport) Send(target string, msg Message) error {
	conn, err := t.getConn(target)
	if err != nil {
		return err
	}

	var data []byte
	if err := codec.NewEncoderBytes(&data, msgpackHandle()).Encode(Envelope{
		From:    t.localID,
		Message: msg,
	}); err != nil {
		return err
	}

	conn.Lock()
	defer conn.Unlock()

	if t.timeout > 0 {
		conn.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	if err := conn.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.dropConn(target, conn)
		return err
	}
	return nil
}

func (t *WebsocketTransport) getConn(target string) (*wsConn, error) {
	t.connLock.Lock()
	if conn, ok := t.conns[target]; ok {
		t.connLock.Unlock()
		return conn, nil
	}
	t.connLock.Unlock()

	t.shutdownLock.Lock()
	down := t.shutdown
	t.shutdownLock.Unlock()
	if down {
		return nil, ErrTransportShutdown
	}

	url := fmt.Sprintf("ws://%s/ws", target)
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	conn := &wsConn{conn: raw}

	t.connLock.Lock()
	t.conns[target] = conn
	t.connLock.Unlock()

	// Responses from the dialed peer come back on the same connection.
	go t.readLoop(raw)

	return conn, nil
}

func (t *WebsocketTransport) dropConn(target string, conn *wsConn) {
	t.connLock.Lock()
	if cur, ok := t.conns[target]; ok && cur == conn {
		delete(t.conns, target)
	}
	t.connLock.Unlock()
	conn.conn.Close()
}

// Close implements the Transport interface.
func (t *WebsocketTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if t.shutdown {
		return nil
	}
	t.shutdown = true
	close(t.shutdownCh)

	t.connLock.Lock()
	for _, conn := range t.conns {
		conn.conn.Close()
	}
	t.conns = make(map[string]*wsConn)
	t.connLock.Unlock()

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}
