// Package network handles peer-to-peer communication over TCP using
// length-prefixed JSON messages.
package network

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ProtocolMagic identifies this wire protocol; peers that don't echo it back
// in their Handshake are rejected before anything else is processed.
var ProtocolMagic = [4]byte{0xBD, 0x4C, 0x4D, 0x01}

// ProtocolVersionMajor/Minor are advertised in the handshake. Peers with a
// different major version are incompatible and must be dropped.
const (
	ProtocolVersionMajor = 1
	ProtocolVersionMinor = 0
)

// MsgType labels a network message.
type MsgType string

const (
	MsgHandshake         MsgType = "handshake"
	MsgHandshakeAck      MsgType = "handshake_ack"
	MsgTx                MsgType = "tx"
	MsgBlock             MsgType = "block"
	MsgGetHeaders        MsgType = "get_headers"
	MsgHeaders           MsgType = "headers"
	MsgGetBlocksRange    MsgType = "get_blocks_range"
	MsgBlocks            MsgType = "blocks"
	MsgGetBlocksByHeight MsgType = "get_blocks_by_height"
	MsgNewTip            MsgType = "new_tip"
	MsgGetStateSnapshot  MsgType = "get_state_snapshot"
	MsgSnapshotChunk     MsgType = "snapshot_chunk"
)

// Size limits enforced on inbound messages. A message over MaxMessageBytes
// is rejected outright; MaxBlockPayloadBytes/MaxTxPayloadBytes additionally
// bound individual block/tx message kinds so a peer can't wedge a single
// oversized block or tx inside an otherwise-small envelope.
const (
	MaxMessageBytes      = 10 << 20  // 10 MiB
	MaxBlockPayloadBytes = 1 << 20   // 1 MiB
	MaxTxPayloadBytes    = 100 << 10 // 100 KiB
)

// Message is the envelope for all P2P communication.
type Message struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HandshakePayload is the payload of MsgHandshake/MsgHandshakeAck.
type HandshakePayload struct {
	Magic        [4]byte `json:"magic"`
	VersionMajor int     `json:"version_major"`
	VersionMinor int     `json:"version_minor"`
	NodeID       string  `json:"node_id"`
	ChainID      uint64  `json:"chain_id"`
	Height       uint64  `json:"height"`
	TipHash      string  `json:"tip_hash"`
}

// Compatible reports whether a remote handshake is acceptable: matching
// magic, matching major version, a minor version no newer than ours, and
// matching chain ID.
func (h HandshakePayload) Compatible(chainID uint64) error {
	if h.Magic != ProtocolMagic {
		return fmt.Errorf("network: bad protocol magic %x", h.Magic)
	}
	if h.VersionMajor != ProtocolVersionMajor {
		return fmt.Errorf("network: incompatible major version %d (want %d)", h.VersionMajor, ProtocolVersionMajor)
	}
	if h.VersionMinor > ProtocolVersionMinor {
		return fmt.Errorf("network: incompatible minor version %d (local %d)", h.VersionMinor, ProtocolVersionMinor)
	}
	if h.ChainID != chainID {
		return fmt.Errorf("network: chain id mismatch (peer %d, local %d)", h.ChainID, chainID)
	}
	return nil
}

func maxPayloadFor(t MsgType) uint32 {
	switch t {
	case MsgBlock, MsgBlocks, MsgSnapshotChunk:
		return MaxBlockPayloadBytes
	case MsgTx:
		return MaxTxPayloadBytes
	default:
		return MaxMessageBytes
	}
}

// Peer represents a connected remote node.
type Peer struct {
	ID   string
	Addr string

	conn   net.Conn
	mu     sync.Mutex
	closed bool
}

// NewPeer wraps an established TCP connection as a Peer.
func NewPeer(id, addr string, conn net.Conn) *Peer {
	return &Peer{ID: id, Addr: addr, conn: conn}
}

// Connect dials the remote address and returns a connected Peer.
// If tlsCfg is non-nil the connection is established over TLS.
func Connect(id, addr string, tlsCfg *tls.Config) (*Peer, error) {
	var conn net.Conn
	var err error
	if tlsCfg != nil {
		conn, err = tls.Dial("tcp", addr, tlsCfg)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return NewPeer(id, addr, conn), nil
}

// Send writes a length-prefixed JSON message to the peer.
func (p *Peer) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if uint32(len(data)) > maxPayloadFor(msg.Type) {
		return fmt.Errorf("network: outgoing %s message too large: %d bytes", msg.Type, len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s closed", p.ID)
	}
	// 4-byte big-endian length prefix
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := p.conn.Write(header[:]); err != nil {
		return err
	}
	_, err = p.conn.Write(data)
	return err
}

// Receive reads the next length-prefixed JSON message.
// A 30-second read deadline prevents a stalled peer from blocking indefinitely.
func (p *Peer) Receive() (Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	var header [4]byte
	if _, err := io.ReadFull(p.conn, header[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxMessageBytes {
		return Message{}, fmt.Errorf("message too large: %d bytes", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, err
	}
	if uint32(len(buf)) > maxPayloadFor(msg.Type) {
		return Message{}, fmt.Errorf("network: %s message exceeds its size limit: %d bytes", msg.Type, len(buf))
	}
	return msg, nil
}

// Close terminates the peer connection.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.conn.Close()
	}
}
