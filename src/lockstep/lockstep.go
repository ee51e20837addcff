// Package lockstep wires a configured engine together: peers, transport,
// journal, node, and HTTP service.
package lockstep

import (
	"fmt"
	"os"
	"time"

	"github.com/meshforge/lockstep/src/config"
	"github.com/meshforge/lockstep/src/journal"
	"github.com/meshforge/lockstep/src/net"
	"github.com/meshforge/lockstep/src/node"
	"github.com/meshforge/lockstep/src/peers"
	"github.com/meshforge/lockstep/src/service"
	"github.com/meshforge/lockstep/src/world"
	"github.com/sirupsen/logrus"
)

// Lockstep is the top-level engine handle.
type Lockstep struct {
	Config    *config.Config
	NodeID    string
	World     world.World
	Peers     *peers.PeerSet
	Transport net.Transport
	Journal   *journal.Journal
	Node      *node.Node
	Service   *service.Service

	logger *logrus.Entry
}

// NewLockstep returns an engine wrapping the given world. Call Init before
// Run.
func NewLockstep(conf *config.Config, w world.World) *Lockstep {
	return &Lockstep{
		Config: conf,
		World:  w,
	}
}

func (l *Lockstep) initID() {
	l.NodeID = l.Config.NodeID
	if l.NodeID == "" {
		l.NodeID = net.NewInmemAddr()
	}
	l.logger = l.Config.Logger().WithField("prefix", "lockstep")
}

func (l *Lockstep) initPeers() error {
	if l.Peers != nil {
		return nil
	}

	peerStore := peers.NewJSONPeerSet(l.Config.DataDir)

	participants, err := peerStore.PeerSet()
	if err != nil {
		if os.IsNotExist(err) {
			// Solo session: the roster grows through join events.
			l.Peers = peers.NewPeerSet([]*peers.Peer{peers.NewPeer(l.NodeID, l.Config.Moniker)})
			return nil
		}
		return err
	}

	if participants == nil {
		l.Peers = peers.NewPeerSet([]*peers.Peer{peers.NewPeer(l.NodeID, l.Config.Moniker)})
		return nil
	}

	l.Peers = participants.WithNewPeer(peers.NewPeer(l.NodeID, l.Config.Moniker))

	return nil
}

func (l *Lockstep) initTransport() error {
	timeout := time.Second

	switch l.Config.Transport {
	case "tcp":
		trans, err := net.NewTCPTransport(
			l.Config.BindAddr,
			l.Config.AdvertiseAddr,
			l.NodeID,
			timeout,
			l.logger,
		)
		if err != nil {
			return err
		}
		l.Transport = trans

	case "ws":
		l.Transport = net.NewWebsocketTransport(l.Config.BindAddr, l.NodeID, timeout, l.logger)

	case "inmem":
		_, trans := net.NewInmemTransport(l.NodeID)
		l.Transport = trans

	default:
		return fmt.Errorf("unknown transport: %q", l.Config.Transport)
	}

	return nil
}

func (l *Lockstep) initJournal() error {
	if !l.Config.Journal {
		return nil
	}

	if err := os.MkdirAll(l.Config.JournalDir, 0700); err != nil {
		return err
	}

	jrnl, err := journal.New(l.Config.JournalDir, l.logger)
	if err != nil {
		return err
	}
	l.Journal = jrnl

	l.logger.WithField("path", l.Config.JournalDir).Debug("match journal enabled")

	return nil
}

func (l *Lockstep) initNode() error {
	l.Config.NodeConfig.Logger = l.Config.Logger()

	l.Node = node.NewNode(
		&l.Config.NodeConfig,
		l.NodeID,
		l.Peers,
		l.World,
		l.Transport,
		l.Journal,
	)

	return l.Node.Init()
}

func (l *Lockstep) initService() {
	if l.Config.NoService {
		return
	}
	l.Service = service.NewService(l.Config.ServiceAddr, l.Node, l.logger)
}

// Init builds every component in dependency order.
func (l *Lockstep) Init() error {
	l.initID()

	l.logger.WithFields(logrus.Fields{
		"node_id":   l.NodeID,
		"transport": l.Config.Transport,
		"listen":    l.Config.BindAddr,
	}).Debug("Init")

	if err := l.initPeers(); err != nil {
		return err
	}
	if err := l.initTransport(); err != nil {
		return err
	}
	if err := l.initJournal(); err != nil {
		return err
	}
	if err := l.initNode(); err != nil {
		return err
	}
	l.initService()

	return nil
}

// Run starts the service and the node loop, blocking until shutdown.
func (l *Lockstep) Run() {
	if l.Service != nil {
		go l.Service.Serve()
	}
	l.Node.Run()
}

// Shutdown ...
func (l *Lockstep) Shutdown() {
	l.Node.Shutdown()
}
