package network

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radeonares/bdlm/core"
)

// MessageHandler is called for each received message.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// Node listens for incoming peers and manages outgoing connections.
type Node struct {
	nodeID     string
	listenAddr string
	bc         *core.Blockchain
	mempool    *core.Mempool
	tlsConfig  *tls.Config // nil → plain TCP
	maxPeers   int
	log        *zap.Logger
	scores     *PeerManager

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[MsgType]MessageHandler

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node that will listen on listenAddr.
// If tlsCfg is non-nil the listener and outgoing connections use TLS.
func NewNode(nodeID, listenAddr string, bc *core.Blockchain, mempool *core.Mempool, tlsCfg *tls.Config, log *zap.Logger) *Node {
	n := &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		bc:         bc,
		mempool:    mempool,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		log:        log,
		scores:     NewPeerManager(),
		peers:      make(map[string]*Peer),
		handlers:   make(map[MsgType]MessageHandler),
		stopCh:     make(chan struct{}),
	}
	n.Handle(MsgTx, n.handleTx)
	n.Handle(MsgHandshake, n.handleHandshake)
	n.Handle(MsgHandshakeAck, n.handleHandshakeAck)
	go n.banSweepLoop()
	return n
}

// Scores exposes the node's peer reputation tracker, used by Syncer to
// penalize/reward peers for block-level behavior.
func (n *Node) Scores() *PeerManager {
	return n.scores
}

// Handle registers a handler for msg type.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

func (n *Node) handshakePayload() HandshakePayload {
	var height uint64
	var tip string
	if n.bc != nil {
		height = n.bc.Height()
		if t := n.bc.Tip(); t != nil {
			tip = t.Header.Hash
		}
	}
	return HandshakePayload{
		Magic:        ProtocolMagic,
		VersionMajor: ProtocolVersionMajor,
		VersionMinor: ProtocolVersionMinor,
		NodeID:       n.nodeID,
		ChainID:      n.bc.ChainID(),
		Height:       height,
		TipHash:      tip,
	}
}

// AddPeer dials addr, registers the peer, and initiates the handshake.
func (n *Node) AddPeer(id, addr string) error {
	if n.scores.IsBanned(id) {
		return fmt.Errorf("peer %s is banned", id)
	}
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peers[id] = peer
	n.mu.Unlock()
	go n.readLoop(peer)

	payload, err := json.Marshal(n.handshakePayload())
	if err != nil {
		return err
	}
	if err := peer.Send(Message{Type: MsgHandshake, Payload: payload}); err != nil {
		n.log.Warn("send handshake failed", zap.String("peer", id), zap.Error(err))
	}
	return nil
}

// Addr returns the listener's bound address. Useful when Start was called
// with a ":0" listen address, e.g. in tests that need the actual port.
func (n *Node) Addr() net.Addr {
	if n.listener != nil {
		return n.listener.Addr()
	}
	return nil
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// livePeers returns a snapshot of every connected peer that has completed
// the handshake and is not currently banned.
func (n *Node) livePeers() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		if n.scores.IsHandshaked(p.ID) && !n.scores.IsBanned(p.ID) {
			out = append(out, p)
		}
	}
	return out
}

// Peers returns a snapshot of every connected, handshaked, non-banned peer.
// Exported for callers outside the package (e.g. an operator-facing peer
// listing) that have no need for the rest of Node's internals.
func (n *Node) Peers() []*Peer {
	return n.livePeers()
}

// Broadcast sends msg to all handshaked, non-banned peers.
func (n *Node) Broadcast(msg Message) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		if !n.scores.IsHandshaked(p.ID) || n.scores.IsBanned(p.ID) {
			continue
		}
		if err := p.Send(msg); err != nil {
			n.log.Warn("broadcast failed", zap.String("peer", p.ID), zap.Error(err))
		}
	}
}

// BroadcastTx serialises tx and sends it to all peers.
func (n *Node) BroadcastTx(tx *core.Transaction) {
	data, err := json.Marshal(tx)
	if err != nil {
		n.log.Warn("marshal tx failed", zap.Error(err))
		return
	}
	n.Broadcast(Message{Type: MsgTx, Payload: data})
}

// BroadcastBlock serialises block and sends it to all peers as a single
// MsgBlock. It sends no NewTip; Syncer.BroadcastNewBlock adds that.
func (n *Node) BroadcastBlock(block *core.Block) {
	data, err := json.Marshal(block)
	if err != nil {
		n.log.Warn("marshal block failed", zap.Error(err))
		return
	}
	n.Broadcast(Message{Type: MsgBlock, Payload: data})
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				n.log.Warn("accept error", zap.Error(err))
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			n.log.Info("max peers reached, rejecting connection", zap.Int("max_peers", n.maxPeers), zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		id := uuid.NewString()
		peer := NewPeer(id, conn.RemoteAddr().String(), conn)
		n.mu.Lock()
		n.peers[peer.ID] = peer
		n.mu.Unlock()
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("readLoop panic", zap.String("peer", peer.ID), zap.Any("recover", r))
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		if n.scores.IsBanned(peer.ID) {
			return
		}
		if !n.consumeToken(peer.ID, msg.Type) {
			continue
		}
		n.mu.RLock()
		h, ok := n.handlers[msg.Type]
		n.mu.RUnlock()
		if ok {
			h(peer, msg)
		}
	}
}

// consumeToken enforces the per-message-class rate limit before a handler
// runs. Handshake messages are exempt so a new connection can always
// identify itself.
func (n *Node) consumeToken(peerID string, typ MsgType) bool {
	switch typ {
	case MsgHandshake, MsgHandshakeAck:
		return true
	case MsgBlock, MsgBlocks, MsgSnapshotChunk, MsgGetStateSnapshot:
		return n.scores.CheckBlobRateLimit(peerID)
	default:
		return n.scores.CheckRateLimit(peerID)
	}
}

func (n *Node) banSweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.scores.CleanupExpiredBans()
		}
	}
}

func (n *Node) handleTx(peer *Peer, msg Message) {
	var tx core.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		n.scores.ReportBadBehavior(peer.ID)
		return
	}
	if err := n.mempool.Add(&tx); err != nil {
		n.scores.ReportInvalidTx(peer.ID)
		return
	}
	n.scores.ReportGoodBehavior(peer.ID)
}

func (n *Node) handleHandshake(peer *Peer, msg Message) {
	var hs HandshakePayload
	if err := json.Unmarshal(msg.Payload, &hs); err != nil {
		n.scores.ReportBadBehavior(peer.ID)
		peer.Close()
		return
	}
	if err := hs.Compatible(n.bc.ChainID()); err != nil {
		n.log.Info("rejecting incompatible peer", zap.String("peer", peer.ID), zap.Error(err))
		n.scores.ReportBadBehavior(peer.ID)
		peer.Close()
		return
	}
	n.scores.SetHandshaked(peer.ID, true)
	ack, err := json.Marshal(n.handshakePayload())
	if err != nil {
		return
	}
	if err := peer.Send(Message{Type: MsgHandshakeAck, Payload: ack}); err != nil {
		n.log.Warn("send handshake ack failed", zap.String("peer", peer.ID), zap.Error(err))
	}
}

func (n *Node) handleHandshakeAck(peer *Peer, msg Message) {
	var hs HandshakePayload
	if err := json.Unmarshal(msg.Payload, &hs); err != nil {
		n.scores.ReportBadBehavior(peer.ID)
		peer.Close()
		return
	}
	if err := hs.Compatible(n.bc.ChainID()); err != nil {
		n.log.Info("rejecting incompatible peer", zap.String("peer", peer.ID), zap.Error(err))
		n.scores.ReportBadBehavior(peer.ID)
		peer.Close()
		return
	}
	n.scores.SetHandshaked(peer.ID, true)
}
