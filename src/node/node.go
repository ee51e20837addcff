// Package node ties the sync subsystems into the engine: it owns the active
// peer set, drains inbound messages between ticks, advances prediction,
// emits deltas and hashes, and exposes the public surface (tick advance,
// inbound message handling, stats).
package node

import (
	"fmt"
	"time"

	"github.com/meshforge/lockstep/src/common"
	"github.com/meshforge/lockstep/src/delta"
	"github.com/meshforge/lockstep/src/hashvote"
	"github.com/meshforge/lockstep/src/history"
	"github.com/meshforge/lockstep/src/journal"
	"github.com/meshforge/lockstep/src/net"
	"github.com/meshforge/lockstep/src/peers"
	"github.com/meshforge/lockstep/src/prediction"
	"github.com/meshforge/lockstep/src/resync"
	"github.com/meshforge/lockstep/src/snapring"
	"github.com/meshforge/lockstep/src/timesync"
	"github.com/meshforge/lockstep/src/world"
	"github.com/sirupsen/logrus"
)

const keyframeInterval = 64

// TimeSyncStats ...
type TimeSyncStats struct {
	Synced     bool  `json:"synced"`
	ClockDelta int64 `json:"clockDelta"`
	Latency    int64 `json:"latency"`
	Multiplier int   `json:"multiplier"`
	Samples    int   `json:"samples"`
}

// Stats is the engine's externally visible state.
type Stats struct {
	State           string           `json:"state"`
	LocalFrame      uint64           `json:"localFrame"`
	ConfirmedFrame  uint64           `json:"confirmedFrame"`
	PredictionDepth int              `json:"predictionDepth"`
	Prediction      prediction.Stats `json:"prediction"`
	Sync            hashvote.Stats   `json:"sync"`
	Delta           delta.Stats      `json:"delta"`
	TimeSync        TimeSyncStats    `json:"timeSync"`
	PeerCount       int              `json:"peerCount"`
	IsAuthority     bool             `json:"isAuthority"`
}

// Node defines an engine node.
type Node struct {
	state

	conf   *Config
	logger *logrus.Entry

	localID string

	w     world.World
	trans net.Transport
	netCh <-chan net.Envelope

	peerSet  *peers.PeerSet
	interner *peers.Interner

	hist    *history.History
	ring    *snapring.Ring
	pred    *prediction.Manager
	tsync   *timesync.Manager
	arbiter *hashvote.Arbiter
	coord   *resync.Coordinator
	dist    *delta.Distributor
	journal *journal.Journal

	seq           uint32
	lastEvaluated uint64
	pendingInput  []byte

	onError func(error)

	pacer      *Pacer
	shutdownCh chan struct{}
}

// NewNode is a factory method that returns a Node instance. The journal may
// be nil.
func NewNode(
	conf *Config,
	localID string,
	peerSet *peers.PeerSet,
	w world.World,
	trans net.Transport,
	jrnl *journal.Journal,
) *Node {
	logger := conf.Logger.WithField("this_id", localID)

	hist := history.New()
	ring := snapring.New(conf.MaxPredictionFrames + 1)
	tsync := timesync.NewManager(logger)
	arbiter := hashvote.NewArbiter(localID, conf.HashWindow, logger)

	pred := prediction.NewManager(prediction.Config{
		MaxPredictionFrames: conf.MaxPredictionFrames,
		InputDelayFrames:    conf.InputDelayFrames,
		SnapshotInterval:    conf.SnapshotInterval,
	}, localID, w, hist, ring, logger)

	node := &Node{
		conf:       conf,
		logger:     logger,
		localID:    localID,
		w:          w,
		trans:      trans,
		netCh:      trans.Consumer(),
		peerSet:    peerSet,
		interner:   peers.NewInterner(),
		hist:       hist,
		ring:       ring,
		pred:       pred,
		tsync:      tsync,
		arbiter:    arbiter,
		journal:    jrnl,
		pacer:      NewPacer(conf.TickInterval(), tsync),
		shutdownCh: make(chan struct{}),
	}

	node.coord = resync.NewCoordinator(resync.Config{
		LocalID:       localID,
		Timeout:       conf.ResyncTimeout,
		MaxRetries:    conf.ResyncRetries,
		World:         w,
		Prediction:    pred,
		Ring:          ring,
		History:       hist,
		Arbiter:       arbiter,
		SubmitRequest: node.submitResyncRequest,
		SendSnapshot:  node.sendSnapshot,
		OnFailure:     node.surface,
		Logger:        logger,
	})

	// Delta dissemination needs per-entity access; worlds that stay opaque
	// simply run without it.
	if pw, ok := w.(world.Partitioned); ok {
		node.dist = delta.NewDistributor(localID, conf.SendersPerPartition, pw, node.emitDelta, logger)
	}

	arbiter.SetDesyncHandler(node.onDesync)
	pred.SetOnLifecycleEvent(node.applyLifecycle)
	pred.SetOnUndoLifecycleEvent(node.undoLifecycle)

	for _, p := range peerSet.Peers {
		node.interner.Intern(p.ID)
		// Pre-register the roster so every node assembles identical input
		// sets from frame one.
		hist.Set(0, p.ID, nil, true)
	}

	return node
}

// Init starts the transport.
func (n *Node) Init() error {
	if _, ok := n.peerSet.ByID[n.localID]; !ok {
		n.peerSet = n.peerSet.WithNewPeer(peers.NewPeer(n.localID, ""))
		n.interner.Intern(n.localID)
	}

	n.logger.WithFields(logrus.Fields{
		"peers":     n.peerSet.Len(),
		"authority": n.isAuthority(),
	}).Debug("Init")

	n.trans.Listen()

	return nil
}

// SetErrorHandler installs the callback surfaced errors (ResyncTimeout,
// Fatal) are delivered to, replacing any previous one.
func (n *Node) SetErrorHandler(fn func(error)) {
	n.onError = fn
}

// RunAsync calls Run in a separate goroutine.
func (n *Node) RunAsync() {
	go n.Run()
}

// Run invokes the main tick loop of the node.
func (n *Node) Run() {
	n.goFunc(n.pacer.Run)

	for {
		select {
		case <-n.pacer.TickCh():
			n.Tick()
		case <-n.shutdownCh:
			return
		}
	}
}

// Tick runs one engine cycle: drain inbound messages, drive resync
// deadlines, advance prediction one frame, then emit deltas, the state
// hash, and any due pings. It is the only place simulation state mutates,
// and inbound events are never applied mid-tick.
func (n *Node) Tick() {
	if s := n.getState(); s == Shutdown || s == Suspended {
		return
	}

	defer n.recoverWorldFault()

	n.drainInbound()
	n.coord.Tick(time.Now())

	n.collectInput()

	advanced := n.pred.Advance()
	n.tsync.ObserveDepth(n.pred.Depth())
	if !advanced {
		return
	}

	frame := n.pred.LocalFrame()

	if n.dist != nil {
		// Previous frame's delta deadline: one tick of grace has now
		// passed.
		if frame >= 1 {
			n.dist.Finalize(frame-1, n.peerSet)
		}
		n.dist.Emit(frame, n.peerSet)
	}

	hash := n.w.StateHash()
	n.arbiter.RecordLocal(frame, hash)
	n.broadcast(net.Message{Type: net.HashMessage, Frame: uint32(frame), Hash: hash})

	n.evaluateHashes(frame)

	// Authority half of resync: a latched request is served with a snapshot
	// produced after this tick, never a cached one.
	n.coord.AfterTick(frame)

	if n.conf.PingInterval > 0 && frame%n.conf.PingInterval == 0 {
		n.broadcast(net.Message{Type: net.PingMessage, TSend: nowMillis()})
	}

	if n.journal != nil && frame%keyframeInterval == 0 {
		if snap, err := n.w.Snapshot(); err == nil {
			snap.Frame = frame
			if err := n.journal.AppendKeyframe(snap); err != nil {
				n.logger.WithError(err).Warn("keyframe append failed")
			}
		}
	}

	n.evict(frame)
}

func (n *Node) drainInbound() {
	for {
		select {
		case env := <-n.netCh:
			n.handleMessage(env)
		default:
			return
		}
	}
}

func (n *Node) handleMessage(env net.Envelope) {
	msg := env.Message
	frame := uint64(msg.Frame)

	if peer, ok := n.peerSet.ByID[env.From]; ok {
		if frame > peer.LastSeenFrame {
			peer.LastSeenFrame = frame
		}
	}

	switch msg.Type {
	case net.TickMessage:
		n.handleTick(frame, msg.Inputs)

	case net.HashMessage:
		n.arbiter.OnPeerHash(env.From, frame, msg.Hash)

	case net.DeltaMessage:
		if n.dist != nil {
			n.dist.OnDelta(env.From, frame, uint32(msg.Partition), msg.Payload)
		}

	case net.SnapshotMessage:
		n.handleSnapshot(frame, msg)

	case net.PingMessage:
		n.send(env.From, net.Message{
			Type:    net.PongMessage,
			TSend:   msg.TSend,
			TServer: nowMillis(),
		})

	case net.PongMessage:
		n.tsync.OnPong(msg.TSend, msg.TServer, nowMillis())

	case net.JoinMessage:
		n.handleTick(frame, []history.Record{{Seq: msg.Seq, Client: msg.Peer, Kind: history.Join}})

	case net.LeaveMessage:
		n.handleTick(frame, []history.Record{{Seq: msg.Seq, Client: msg.Peer, Kind: history.Leave}})

	case net.ResyncRequestMessage:
		if n.isAuthority() {
			n.coord.OnResyncRequest(msg.Peer)
		}

	default:
		n.logger.WithField("type", msg.Type).Warn("unknown message type")
	}
}

func (n *Node) handleTick(frame uint64, records []history.Record) {
	rolled := n.pred.ReceiveServerTick(frame, records)
	if rolled {
		n.logger.WithField("frame", frame).Debug("authoritative inputs triggered rollback")
	}

	if n.journal != nil && len(records) > 0 {
		if err := n.journal.AppendInputs(frame, records); err != nil {
			n.logger.WithError(err).Warn("input journal append failed")
		}
	}
}

func (n *Node) handleSnapshot(frame uint64, msg net.Message) {
	if !n.coord.Pending() {
		n.logger.WithField("frame", frame).Debug("unsolicited snapshot dropped")
		return
	}

	snap := &world.Snapshot{Frame: frame, Hash: msg.Hash, Data: msg.Payload}
	if err := n.coord.OnSnapshot(snap); err != nil {
		return
	}

	// Every current peer's entities came in with the snapshot, not through
	// a join event; a join observed later for one of them is a duplicate,
	// not a fresh connect.
	for _, p := range n.peerSet.Peers {
		if p.ID != n.localID {
			n.coord.MarkPopulated(p.ID)
		}
	}

	// Stale per-frame buffers refer to pre-resync frames.
	if n.dist != nil {
		n.dist.Reset()
	}
	n.lastEvaluated = frame
	n.setState(Running)
}

// evaluateHashes judges all frames whose reports are complete or whose ack
// window has expired, in frame order.
func (n *Node) evaluateHashes(localFrame uint64) {
	active := n.remotePeerIDs()
	for f := n.lastEvaluated + 1; f <= localFrame; f++ {
		if !n.arbiter.Ready(f, active) && f+n.conf.AckWindow > localFrame {
			return
		}
		n.arbiter.Evaluate(f)
		n.lastEvaluated = f
	}
}

func (n *Node) evict(frame uint64) {
	if frame > n.conf.HashWindow {
		n.arbiter.EvictBefore(frame - n.conf.HashWindow)
	}

	grace := uint64(n.conf.MaxPredictionFrames)
	if confirmed := n.pred.ConfirmedFrame(); confirmed > grace {
		n.pred.EvictBefore(confirmed - grace)
	}
}

// SubmitInput stages a local game input for the next tick's input
// collection.
func (n *Node) SubmitInput(data []byte) {
	n.pendingInput = data
}

// collectInput runs once per tick: the staged input (or an empty one) is
// scheduled input_delay_frames ahead, confirmed for the local peer, and
// shared with every peer so their confirmed frames keep advancing.
func (n *Node) collectInput() {
	data := n.pendingInput
	n.pendingInput = nil

	frame := n.pred.LocalFrame() + uint64(n.conf.InputDelayFrames)
	n.seq++

	n.pred.QueueLocalInput(data)

	n.broadcast(net.Message{
		Type:  net.TickMessage,
		Frame: uint32(frame),
		Inputs: []history.Record{
			{Seq: n.seq, Client: n.localID, Kind: history.Game, Data: data},
		},
	})
}

// submitResyncRequest sends the resync_request lifecycle input through the
// normal input channel so it is ordered with other inputs.
func (n *Node) submitResyncRequest() {
	delay := uint64(n.conf.InputDelayFrames)
	if delay == 0 {
		delay = 1
	}
	frame := n.pred.LocalFrame() + delay
	n.seq++

	rec := history.Record{Seq: n.seq, Client: n.localID, Kind: history.ResyncRequest}

	n.setState(Resyncing)
	n.pred.ReceiveServerTick(frame, []history.Record{rec})

	n.broadcast(net.Message{
		Type:   net.TickMessage,
		Frame:  uint32(frame),
		Inputs: []history.Record{rec},
	})
}

func (n *Node) onDesync(frame uint64, local, majority uint32) {
	n.coord.OnDesync(frame, local, majority, time.Now())
}

// applyLifecycle is the prediction manager's lifecycle slot: it mutates the
// active peer set and routes resync requests to the authority half.
func (n *Node) applyLifecycle(ev world.LifecycleEvent) {
	switch ev.Kind {
	case "join":
		if n.coord.IsPopulated(ev.Client) {
			// Materialized by a snapshot load; not a fresh connect.
			n.logger.WithField("peer", ev.Client).Debug("join for snapshot-populated peer")
			return
		}
		n.addPeer(ev.Client)
	case "leave":
		n.coord.ClearPopulated(ev.Client)
		n.removePeer(ev.Client)
	case "resync_request":
		if n.isAuthority() {
			n.coord.OnResyncRequest(ev.Client)
		}
	}
}

// undoLifecycle reverses peer-set mutations during rollback; the events
// re-apply during resimulation.
func (n *Node) undoLifecycle(ev world.LifecycleEvent) {
	switch ev.Kind {
	case "join":
		n.removePeer(ev.Client)
	case "leave":
		n.addPeer(ev.Client)
	}
}

func (n *Node) addPeer(id string) {
	if _, ok := n.peerSet.ByID[id]; ok {
		return
	}
	n.peerSet = n.peerSet.WithNewPeer(peers.NewPeer(id, ""))
	n.interner.Intern(id)
	n.logger.WithField("peer", id).Debug("peer joined")
}

func (n *Node) removePeer(id string) {
	if _, ok := n.peerSet.ByID[id]; !ok {
		return
	}
	n.peerSet = n.peerSet.WithRemovedPeer(id)
	n.hist.RemovePeer(id)
	n.logger.WithField("peer", id).Debug("peer left")
}

// isAuthority designates the smallest active peer ID as the snapshot
// authority; every peer computes the same designation.
func (n *Node) isAuthority() bool {
	return n.peerSet.Len() > 0 && n.peerSet.Peers[0].ID == n.localID
}

func (n *Node) emitDelta(frame uint64, part uint32, payload []byte) {
	n.broadcast(net.Message{
		Type:      net.DeltaMessage,
		Frame:     uint32(frame),
		Partition: uint16(part),
		Payload:   payload,
	})
}

func (n *Node) sendSnapshot(target string, snap *world.Snapshot) {
	n.send(target, net.Message{
		Type:    net.SnapshotMessage,
		Frame:   uint32(snap.Frame),
		Hash:    snap.Hash,
		Payload: snap.Data,
	})
}

func (n *Node) broadcast(msg net.Message) {
	for _, p := range n.peerSet.Peers {
		if p.ID == n.localID {
			continue
		}
		if err := n.trans.Send(n.addrOf(p), msg); err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"peer": p.ID,
				"type": msg.Type.String(),
			}).Debug("send failed")
		}
	}
}

func (n *Node) send(peerID string, msg net.Message) {
	addr := peerID
	if p, ok := n.peerSet.ByID[peerID]; ok {
		addr = n.addrOf(p)
	}
	if err := n.trans.Send(addr, msg); err != nil {
		n.logger.WithError(err).WithField("peer", peerID).Debug("send failed")
	}
}

func (n *Node) addrOf(p *peers.Peer) string {
	if p.NetAddr != "" {
		return p.NetAddr
	}
	return p.ID
}

func (n *Node) remotePeerIDs() []string {
	ids := []string{}
	for _, p := range n.peerSet.Peers {
		if p.ID != n.localID {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// recoverWorldFault converts a world panic into a Fatal error and suspends
// the engine until Reset.
func (n *Node) recoverWorldFault() {
	if r := recover(); r != nil {
		n.setState(Suspended)
		err := common.NewSyncErr("node", common.Fatal, fmt.Sprint(r))
		n.logger.WithError(err).Error("world fault, engine suspended")
		n.surface(err)
	}
}

func (n *Node) surface(err error) {
	if n.onError != nil {
		n.onError(err)
	}
}

// Peers returns the current active peer set.
func (n *Node) Peers() *peers.PeerSet {
	return n.peerSet
}

// LocalID ...
func (n *Node) LocalID() string {
	return n.localID
}

// GetState ...
func (n *Node) GetState() State {
	return n.getState()
}

// Stats assembles the engine's externally visible state.
func (n *Node) Stats() Stats {
	var deltaStats delta.Stats
	if n.dist != nil {
		deltaStats = n.dist.Stats()
	}

	return Stats{
		State:           n.getState().String(),
		LocalFrame:      n.pred.LocalFrame(),
		ConfirmedFrame:  n.pred.ConfirmedFrame(),
		PredictionDepth: n.pred.Depth(),
		Prediction:      n.pred.Stats(),
		Sync:            n.arbiter.Stats(),
		Delta:           deltaStats,
		TimeSync: TimeSyncStats{
			Synced:     n.tsync.IsSynced(),
			ClockDelta: n.tsync.ClockDelta(),
			Latency:    n.tsync.EstimatedLatency(),
			Multiplier: n.tsync.TickRateMultiplier(),
			Samples:    n.tsync.SampleCount(),
		},
		PeerCount:   n.peerSet.Len(),
		IsAuthority: n.isAuthority(),
	}
}

// Reset atomically discards all pending queues, rings, histories, and
// timers, and returns the engine to Running.
func (n *Node) Reset() {
	n.pred.Reset()
	n.arbiter.Reset()
	n.tsync.Reset()
	if n.dist != nil {
		n.dist.Reset()
	}
	n.coord.Reset()
	n.lastEvaluated = 0
	n.seq = 0
	n.pendingInput = nil
	n.setState(Running)
	n.logger.Debug("reset")
}

// Shutdown stops the node, the pacer, and the transport.
func (n *Node) Shutdown() {
	if n.getState() == Shutdown {
		return
	}

	n.logger.Debug("Shutdown")
	n.setState(Shutdown)
	close(n.shutdownCh)
	n.pacer.Shutdown()
	n.waitRoutines()
	n.trans.Close()

	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			n.logger.WithError(err).Warn("journal close failed")
		}
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
