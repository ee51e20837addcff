package net

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

// NetworkTransport provides a stream based transport that can be used to
// talk to peers on remote machines. It requires an underlying StreamLayer,
// which can be simple TCP, TLS, etc.
//
// Every frame on the wire is a msgpack-encoded Envelope carrying one
// message and the sender's ID.
// Outbound connections are pooled per target.
type NetworkTransport struct {
	logger *logrus.Entry

	localID string

	connPool     map[string]*netConn
	connPoolLock sync.Mutex

	consumeCh chan Envelope

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	timeout time.Duration
}

type netConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Release closes the underlying connection.
func (n *netConn) Release() error {
	return n.conn.Close()
}

func msgpackHandle() *codec.MsgpackHandle {
	return &codec.MsgpackHandle{}
}

// NewNetworkTransport creates a new network transport on the given stream
// layer. localID is advertised to peers on every outbound connection; the
// timeout applies I/O deadlines.
func NewNetworkTransport(
	stream StreamLayer,
	localID string,
	timeout time.Duration,
	logger *logrus.Entry,
) *NetworkTransport {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &NetworkTransport{
		logger:     logger,
		localID:    localID,
		connPool:   make(map[string]*netConn),
		consumeCh:  make(chan Envelope, 256),
		shutdownCh: make(chan struct{}),
		stream:     stream,
		timeout:    timeout,
	}
}

// Listen implements the Transport interface.
func (n *NetworkTransport) Listen() {
	go n.listen()
}

// Close is used to stop the network transport.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if !n.shutdown {
		close(n.shutdownCh)
		n.stream.Close()
		n.shutdown = true
	}

	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()
	for _, conn := range n.connPool {
		conn.Release()
	}
	n.connPool = make(map[string]*netConn)

	return nil
}

// Consumer implements the Transport interface.
func (n *NetworkTransport) Consumer() <-chan Envelope {
	return n.consumeCh
}

// LocalAddr implements the Transport interface.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.AdvertiseAddr()
}

// Send implements the Transport interface.
func (n *NetworkTransport) Send(target string, msg Message) error {
	conn, err := n.getConn(target)
	if err != nil {
		return err
	}

	if n.timeout > 0 {
		conn.conn.SetWriteDeadline(time.Now().Add(n.timeout))
	}

	if err := conn.enc.Encode(Envelope{From: n.localID, Message: msg}); err != nil {
		n.releaseConn(conn)
		return err
	}
	if err := conn.w.Flush(); err != nil {
		n.releaseConn(conn)
		return err
	}

	return nil
}

func (n *NetworkTransport) getConn(target string) (*netConn, error) {
	n.connPoolLock.Lock()
	if n.shutdown {
		n.connPoolLock.Unlock()
		return nil, ErrTransportShutdown
	}
	if conn, ok := n.connPool[target]; ok {
		n.connPoolLock.Unlock()
		return conn, nil
	}
	n.connPoolLock.Unlock()

	raw, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}

	w := bufio.NewWriter(raw)
	conn := &netConn{
		target: target,
		conn:   raw,
		w:      w,
		enc:    codec.NewEncoder(w, msgpackHandle()),
	}

	n.connPoolLock.Lock()
	n.connPool[target] = conn
	n.connPoolLock.Unlock()

	return conn, nil
}

func (n *NetworkTransport) releaseConn(conn *netConn) {
	n.connPoolLock.Lock()
	if cur, ok := n.connPool[conn.target]; ok && cur == conn {
		delete(n.connPool, conn.target)
	}
	n.connPoolLock.Unlock()
	conn.Release()
}

// listen accepts inbound connections and spawns a decoder per connection.
func (n *NetworkTransport) listen() {
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			select {
			case <-n.shutdownCh:
				return
			default:
				n.logger.WithError(err).Error("failed to accept connection")
				continue
			}
		}

		n.logger.WithFields(logrus.Fields{
			"node":   n.LocalAddr(),
			"remote": conn.RemoteAddr(),
		}).Debug("accepted connection")

		go n.handleConn(conn)
	}
}

// handleConn decodes envelopes off a single inbound connection until it
// drops.
func (n *NetworkTransport) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, msgpackHandle())

	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			select {
			case <-n.shutdownCh:
			default:
				n.logger.WithError(err).Debug("connection closed")
			}
			return
		}

		select {
		case n.consumeCh <- env:
		case <-n.shutdownCh:
			return
		}
	}
}
