package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/storage"
)

// Batch size caps for the headers-first sync protocol: a single response
// never carries more than these, regardless of what was requested.
const (
	maxHeadersPerBatch = 2000
	maxBlocksPerBatch  = 500
)

const requestTimeout = 15 * time.Second

// maxSnapshotChunkBytes bounds a single MsgSnapshotChunk payload so a
// multi-megabyte snapshot never trips MaxBlockPayloadBytes on the wire.
const maxSnapshotChunkBytes = 256 << 10 // 256 KiB

// GetHeadersRequest asks a peer for up to Limit consecutive headers
// starting right after the highest block in Locator that the peer itself
// has. Locator is a thinning list of block hashes from the requester's tip
// back toward genesis (see buildLocator), letting the peer locate the fork
// point even when the requester's chain has diverged from the peer's.
type GetHeadersRequest struct {
	Locator []string `json:"locator"`
	Limit   int      `json:"limit"`
}

// HeadersResponse carries a contiguous run of headers.
type HeadersResponse struct {
	Headers []core.BlockHeader `json:"headers"`
}

// GetBlocksRangeRequest asks a peer for full block bodies in
// [FromHeight, ToHeight], inclusive.
type GetBlocksRangeRequest struct {
	FromHeight uint64 `json:"from_height"`
	ToHeight   uint64 `json:"to_height"`
}

// BlocksResponse carries a batch of full blocks.
type BlocksResponse struct {
	Blocks []*core.Block `json:"blocks"`
}

// NewTipPayload announces a peer's current chain tip so followers can
// decide whether to pull a sync.
type NewTipPayload struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// GetBlocksByHeightRequest asks a peer for full block bodies at a sparse
// set of heights, unlike GetBlocksRangeRequest's contiguous span — meant for
// a caller that only needs to verify a handful of specific blocks (e.g. a
// light client spot-checking a peer's claims) without paying for everything
// in between.
type GetBlocksByHeightRequest struct {
	Heights []uint64 `json:"heights"`
}

// GetStateSnapshotRequest asks a peer for its most recent state snapshot at
// or before Height. A zero Height means "whatever you have."
type GetStateSnapshotRequest struct {
	Height uint64 `json:"height"`
}

// SnapshotChunkPayload carries one piece of a serialized storage.StateSnapshot.
// A responder with nothing to offer sends a single chunk with Total 0.
type SnapshotChunkPayload struct {
	Height uint64 `json:"height"`
	Index  int    `json:"index"`
	Total  int    `json:"total"`
	Data   []byte `json:"data"`
}

// Syncer drives headers-first chain synchronisation: it fetches a batch of
// headers to validate continuity cheaply, then fans the corresponding block
// bodies out across connected peers concurrently before applying them to
// the local chain in order.
type Syncer struct {
	node   *Node
	bc     *core.Blockchain
	pruner *storage.PruningManager
	log    *zap.Logger

	mu              sync.Mutex
	pendingHeaders  map[string]chan HeadersResponse
	pendingBlocks   map[string]chan BlocksResponse
	pendingSnapshot map[string]chan *storage.StateSnapshot
	snapshotBuf     map[string]*snapshotAssembly
}

// snapshotAssembly accumulates MsgSnapshotChunk payloads from one peer until
// every chunk of the advertised Total has arrived.
type snapshotAssembly struct {
	total   int
	height  uint64
	pieces  map[int][]byte
	arrived int
}

// NewSyncer creates a Syncer and registers its message handlers on node.
// pruner may be nil, in which case this node answers GetStateSnapshot
// requests with "nothing available" rather than serving a snapshot.
func NewSyncer(node *Node, bc *core.Blockchain, pruner *storage.PruningManager, log *zap.Logger) *Syncer {
	s := &Syncer{
		node:            node,
		bc:              bc,
		pruner:          pruner,
		log:             log,
		pendingHeaders:  make(map[string]chan HeadersResponse),
		pendingBlocks:   make(map[string]chan BlocksResponse),
		pendingSnapshot: make(map[string]chan *storage.StateSnapshot),
		snapshotBuf:     make(map[string]*snapshotAssembly),
	}
	node.Handle(MsgGetHeaders, s.handleGetHeaders)
	node.Handle(MsgHeaders, s.handleHeaders)
	node.Handle(MsgGetBlocksRange, s.handleGetBlocksRange)
	node.Handle(MsgGetBlocksByHeight, s.handleGetBlocksByHeight)
	node.Handle(MsgBlocks, s.handleBlocksResp)
	node.Handle(MsgNewTip, s.handleNewTip)
	node.Handle(MsgBlock, s.handleGossipBlock)
	node.Handle(MsgGetStateSnapshot, s.handleGetStateSnapshot)
	node.Handle(MsgSnapshotChunk, s.handleSnapshotChunk)
	return s
}

// BroadcastNewBlock gossips a freshly produced block's full body directly to
// every peer, then follows with a lightweight NewTip announcement so peers
// who already applied it from the gossiped body don't re-enter pull-sync.
func (s *Syncer) BroadcastNewBlock(block *core.Block) {
	s.node.BroadcastBlock(block)
	s.AnnounceTip()
}

// handleGossipBlock applies a directly-gossiped block if it extends our
// current tip. A block at any other height (stale or ahead of our tip) is
// ignored and left for the pull-based SyncFromPeer path triggered by
// NewTip, since gossip arrival order across peers is not guaranteed; one
// that extends the tip but fails validation costs the peer an
// invalid-block penalty.
func (s *Syncer) handleGossipBlock(peer *Peer, msg Message) {
	var block core.Block
	if err := json.Unmarshal(msg.Payload, &block); err != nil {
		s.node.Scores().ReportBadBehavior(peer.ID)
		return
	}
	if block.Header.Index != s.bc.Height()+1 {
		return
	}
	if err := s.bc.ValidateAndAddBlock(&block); err != nil {
		s.node.Scores().ReportInvalidBlock(peer.ID)
		return
	}
	s.node.Scores().ReportGoodBehavior(peer.ID)
}

// AnnounceTip broadcasts the current chain tip to all peers.
func (s *Syncer) AnnounceTip() {
	tip := s.bc.Tip()
	if tip == nil {
		return
	}
	data, err := json.Marshal(NewTipPayload{Height: tip.Header.Index, Hash: tip.Header.Hash})
	if err != nil {
		return
	}
	s.node.Broadcast(Message{Type: MsgNewTip, Payload: data})
}

// ---- wire handlers (server side: answering a peer's request) ----

func (s *Syncer) handleGetHeaders(peer *Peer, msg Message) {
	var req GetHeadersRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.node.Scores().ReportBadBehavior(peer.ID)
		return
	}
	if req.Limit <= 0 || req.Limit > maxHeadersPerBatch {
		req.Limit = maxHeadersPerBatch
	}
	// Walk the locator from most-recent to oldest and answer from just
	// after the first hash we actually have; an empty or entirely unknown
	// locator falls back to genesis.
	from := uint64(0)
	for _, hash := range req.Locator {
		b, err := s.bc.GetBlock(hash)
		if err != nil {
			continue
		}
		from = b.Header.Index + 1
		break
	}
	headers := make([]core.BlockHeader, 0, req.Limit)
	for h := from; h < from+uint64(req.Limit); h++ {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil {
			break
		}
		headers = append(headers, b.Header)
	}
	data, err := json.Marshal(HeadersResponse{Headers: headers})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgHeaders, Payload: data})
}

func (s *Syncer) handleGetBlocksRange(peer *Peer, msg Message) {
	var req GetBlocksRangeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.node.Scores().ReportBadBehavior(peer.ID)
		return
	}
	if req.ToHeight < req.FromHeight || req.ToHeight-req.FromHeight+1 > maxBlocksPerBatch {
		req.ToHeight = req.FromHeight + maxBlocksPerBatch - 1
	}
	blocks := make([]*core.Block, 0, req.ToHeight-req.FromHeight+1)
	for h := req.FromHeight; h <= req.ToHeight; h++ {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil {
			break
		}
		blocks = append(blocks, b)
	}
	data, err := json.Marshal(BlocksResponse{Blocks: blocks})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

// handleGetBlocksByHeight answers a sparse height list, skipping any height
// this node doesn't have rather than failing the whole request, and replies
// on the same MsgBlocks channel a range request uses so callers demultiplex
// either kind of request identically.
func (s *Syncer) handleGetBlocksByHeight(peer *Peer, msg Message) {
	var req GetBlocksByHeightRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.node.Scores().ReportBadBehavior(peer.ID)
		return
	}
	if len(req.Heights) > maxBlocksPerBatch {
		req.Heights = req.Heights[:maxBlocksPerBatch]
	}
	blocks := make([]*core.Block, 0, len(req.Heights))
	for _, h := range req.Heights {
		b, err := s.bc.GetBlockByHeight(h)
		if err != nil {
			continue
		}
		blocks = append(blocks, b)
	}
	data, err := json.Marshal(BlocksResponse{Blocks: blocks})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgBlocks, Payload: data})
}

// handleGetStateSnapshot answers with the newest snapshot this node has on
// disk, split into maxSnapshotChunkBytes pieces, or a single Total-0 chunk
// if it has none (no pruner configured, or nothing saved yet) or its newest
// one is above the requested height.
func (s *Syncer) handleGetStateSnapshot(peer *Peer, msg Message) {
	var req GetStateSnapshotRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		s.node.Scores().ReportBadBehavior(peer.ID)
		return
	}
	if s.pruner == nil {
		s.sendEmptySnapshotChunk(peer)
		return
	}
	snap, err := s.pruner.LoadLatestSnapshot()
	if err != nil {
		s.log.Warn("load snapshot for peer request failed", zap.String("peer", peer.ID), zap.Error(err))
		s.sendEmptySnapshotChunk(peer)
		return
	}
	if snap == nil || (req.Height > 0 && snap.Height > req.Height) {
		s.sendEmptySnapshotChunk(peer)
		return
	}

	raw := snap.ToBytes()
	total := (len(raw) + maxSnapshotChunkBytes - 1) / maxSnapshotChunkBytes
	if total == 0 {
		total = 1
	}
	for i := 0; i < total; i++ {
		start := i * maxSnapshotChunkBytes
		end := start + maxSnapshotChunkBytes
		if end > len(raw) {
			end = len(raw)
		}
		data, err := json.Marshal(SnapshotChunkPayload{Height: snap.Height, Index: i, Total: total, Data: raw[start:end]})
		if err != nil {
			return
		}
		if err := peer.Send(Message{Type: MsgSnapshotChunk, Payload: data}); err != nil {
			return
		}
	}
}

func (s *Syncer) sendEmptySnapshotChunk(peer *Peer) {
	data, err := json.Marshal(SnapshotChunkPayload{Total: 0})
	if err != nil {
		return
	}
	_ = peer.Send(Message{Type: MsgSnapshotChunk, Payload: data})
}

// handleSnapshotChunk accumulates chunks per peer and, once Total have
// arrived, parses and hash-verifies the reassembled snapshot before handing
// it to whichever RequestStateSnapshot call is waiting.
func (s *Syncer) handleSnapshotChunk(peer *Peer, msg Message) {
	var chunk SnapshotChunkPayload
	if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
		s.node.Scores().ReportBadBehavior(peer.ID)
		return
	}

	s.mu.Lock()
	ch, waiting := s.pendingSnapshot[peer.ID]
	if !waiting {
		s.mu.Unlock()
		return
	}
	if chunk.Total == 0 {
		delete(s.snapshotBuf, peer.ID)
		s.mu.Unlock()
		select {
		case ch <- nil:
		default:
		}
		return
	}
	asm, ok := s.snapshotBuf[peer.ID]
	if !ok || asm.height != chunk.Height || asm.total != chunk.Total {
		asm = &snapshotAssembly{total: chunk.Total, height: chunk.Height, pieces: make(map[int][]byte, chunk.Total)}
		s.snapshotBuf[peer.ID] = asm
	}
	if _, dup := asm.pieces[chunk.Index]; !dup {
		asm.pieces[chunk.Index] = chunk.Data
		asm.arrived++
	}
	complete := asm.arrived == asm.total
	s.mu.Unlock()
	if !complete {
		return
	}

	var raw []byte
	for i := 0; i < asm.total; i++ {
		raw = append(raw, asm.pieces[i]...)
	}
	s.mu.Lock()
	delete(s.snapshotBuf, peer.ID)
	s.mu.Unlock()

	snap, err := storage.StateSnapshotFromBytes(raw)
	if err != nil || !snap.Verify() {
		s.node.Scores().ReportBadBehavior(peer.ID)
		select {
		case ch <- nil:
		default:
		}
		return
	}
	select {
	case ch <- snap:
	default:
	}
}

func (s *Syncer) handleNewTip(peer *Peer, msg Message) {
	var tip NewTipPayload
	if err := json.Unmarshal(msg.Payload, &tip); err != nil {
		s.node.Scores().ReportBadBehavior(peer.ID)
		return
	}
	if tip.Height <= s.bc.Height() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.SyncFromPeer(ctx, peer); err != nil {
			s.log.Warn("sync from peer failed", zap.String("peer", peer.ID), zap.Error(err))
		}
	}()
}

// ---- wire handlers (client side: demultiplexing a response we're waiting on) ----

func (s *Syncer) handleHeaders(peer *Peer, msg Message) {
	var resp HeadersResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.pendingHeaders[peer.ID]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (s *Syncer) handleBlocksResp(peer *Peer, msg Message) {
	var resp BlocksResponse
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.pendingBlocks[peer.ID]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// ---- blocking request helpers ----

// RequestHeaders asks peer for up to maxHeadersPerBatch headers following
// the fork point located via locator (see buildLocator) and blocks until
// the response arrives or ctx expires. Only one RequestHeaders/
// RequestBlocksRange call may be outstanding per peer at a time; the wire
// protocol carries no request ID to demultiplex concurrent requests to the
// same peer.
func (s *Syncer) RequestHeaders(ctx context.Context, peer *Peer, locator []string) (HeadersResponse, error) {
	ch := make(chan HeadersResponse, 1)
	s.mu.Lock()
	s.pendingHeaders[peer.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingHeaders, peer.ID)
		s.mu.Unlock()
	}()

	req, err := json.Marshal(GetHeadersRequest{Locator: locator, Limit: maxHeadersPerBatch})
	if err != nil {
		return HeadersResponse{}, err
	}
	if err := peer.Send(Message{Type: MsgGetHeaders, Payload: req}); err != nil {
		return HeadersResponse{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return HeadersResponse{}, ctx.Err()
	}
}

// RequestBlocksRange asks peer for full block bodies in [from, to] and
// blocks until the response arrives or ctx expires.
func (s *Syncer) RequestBlocksRange(ctx context.Context, peer *Peer, from, to uint64) (BlocksResponse, error) {
	ch := make(chan BlocksResponse, 1)
	s.mu.Lock()
	s.pendingBlocks[peer.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingBlocks, peer.ID)
		s.mu.Unlock()
	}()

	req, err := json.Marshal(GetBlocksRangeRequest{FromHeight: from, ToHeight: to})
	if err != nil {
		return BlocksResponse{}, err
	}
	if err := peer.Send(Message{Type: MsgGetBlocksRange, Payload: req}); err != nil {
		return BlocksResponse{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return BlocksResponse{}, ctx.Err()
	}
}

// RequestBlocksByHeight asks peer for full block bodies at heights (a sparse
// set, not necessarily contiguous) and blocks until the response arrives or
// ctx expires. Like RequestBlocksRange, only one block request may be
// outstanding per peer at a time.
func (s *Syncer) RequestBlocksByHeight(ctx context.Context, peer *Peer, heights []uint64) (BlocksResponse, error) {
	ch := make(chan BlocksResponse, 1)
	s.mu.Lock()
	s.pendingBlocks[peer.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingBlocks, peer.ID)
		s.mu.Unlock()
	}()

	req, err := json.Marshal(GetBlocksByHeightRequest{Heights: heights})
	if err != nil {
		return BlocksResponse{}, err
	}
	if err := peer.Send(Message{Type: MsgGetBlocksByHeight, Payload: req}); err != nil {
		return BlocksResponse{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return BlocksResponse{}, ctx.Err()
	}
}

// RequestStateSnapshot asks peer for its latest state snapshot at or before
// height (0 meaning "whatever it has") and blocks until every chunk of the
// response has arrived, been reassembled, and passed its self-verifying
// hash check, or ctx expires. A nil, nil return means the peer has no
// snapshot to offer.
func (s *Syncer) RequestStateSnapshot(ctx context.Context, peer *Peer, height uint64) (*storage.StateSnapshot, error) {
	ch := make(chan *storage.StateSnapshot, 1)
	s.mu.Lock()
	s.pendingSnapshot[peer.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pendingSnapshot, peer.ID)
		delete(s.snapshotBuf, peer.ID)
		s.mu.Unlock()
	}()

	req, err := json.Marshal(GetStateSnapshotRequest{Height: height})
	if err != nil {
		return nil, err
	}
	if err := peer.Send(Message{Type: MsgGetStateSnapshot, Payload: req}); err != nil {
		return nil, err
	}
	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buildLocator returns a thinning list of block hashes from chain's tip
// back toward genesis (gaps of 1, 2, 4, 8, ... blocks), always ending with
// genesis, so a peer can find the highest common ancestor even across a
// deep fork without either side needing to know in advance how far back
// the fork goes.
func buildLocator(chain []*core.Block) []string {
	if len(chain) == 0 {
		return nil
	}
	hashes := make([]string, 0, 32)
	step := 1
	for i := len(chain) - 1; ; {
		hashes = append(hashes, chain[i].Header.Hash)
		if i == 0 {
			break
		}
		i -= step
		if i < 0 {
			i = 0
		}
		step *= 2
	}
	return hashes
}

// findHeightByHash looks up the height of the block with the given hash in
// chain, returning false if it isn't present.
func findHeightByHash(chain []*core.Block, hash string) (uint64, bool) {
	for _, b := range chain {
		if b.Header.Hash == hash {
			return b.Header.Index, true
		}
	}
	return 0, false
}

// validateFetchedBlocks rejects anything a peer sent that doesn't even pass
// basic hash/tx_root self-consistency or carries the wrong chain ID, before
// it's allowed anywhere near ValidateAndAddBlock or TryReorg.
func validateFetchedBlocks(blocks []*core.Block, chainID uint64) error {
	for _, b := range blocks {
		if b.Header.ChainID != chainID {
			return fmt.Errorf("block %d: chain_id mismatch: got %d, want %d", b.Header.Index, b.Header.ChainID, chainID)
		}
		if err := b.VerifyIntegrity(); err != nil {
			return fmt.Errorf("block %d: %w", b.Header.Index, err)
		}
	}
	return nil
}

// SyncFromPeer pulls headers from peer using a block locator built from the
// local chain, validates header continuity, then fetches the corresponding
// block bodies — fanned out concurrently across every connected,
// handshaked peer, not just peer. If the fetched range simply extends the
// local tip, blocks are applied one at a time via ValidateAndAddBlock; if
// the locator instead locates a fork below the tip, the whole prefix plus
// the fetched suffix is handed to TryReorg so the bounded-reorg rules
// (MaxReorgDepth, FinalityDepth, finalized height) decide whether to switch.
func (s *Syncer) SyncFromPeer(ctx context.Context, peer *Peer) error {
	for {
		localChain := s.bc.ChainSnapshot()
		locator := buildLocator(localChain)

		hctx, cancel := context.WithTimeout(ctx, requestTimeout)
		headersResp, err := s.RequestHeaders(hctx, peer, locator)
		cancel()
		if err != nil {
			return fmt.Errorf("request headers: %w", err)
		}
		if len(headersResp.Headers) == 0 {
			return nil // peer has nothing we lack
		}
		if err := validateHeaderContinuity(headersResp.Headers); err != nil {
			s.node.Scores().ReportInvalidBlock(peer.ID)
			return err
		}

		forkHeight, ok := findHeightByHash(localChain, headersResp.Headers[0].PreviousHash)
		if !ok {
			return fmt.Errorf("no common ancestor with peer headers starting at height %d", headersResp.Headers[0].Index)
		}

		from := headersResp.Headers[0].Index
		to := headersResp.Headers[len(headersResp.Headers)-1].Index
		fetched, err := s.fetchRangeFanOut(ctx, from, to)
		if err != nil {
			return err
		}
		sort.Slice(fetched, func(i, j int) bool { return fetched[i].Header.Index < fetched[j].Header.Index })
		if err := validateFetchedBlocks(fetched, s.bc.ChainID()); err != nil {
			s.node.Scores().ReportInvalidBlock(peer.ID)
			return err
		}

		tipHeight := localChain[len(localChain)-1].Header.Index
		if forkHeight == tipHeight {
			for _, b := range fetched {
				if err := s.bc.ValidateAndAddBlock(b); err != nil {
					s.node.Scores().ReportInvalidBlock(peer.ID)
					return fmt.Errorf("apply block %d: %w", b.Header.Index, err)
				}
				s.node.Scores().ReportGoodBehavior(peer.ID)
			}
		} else {
			candidate := make([]*core.Block, 0, int(forkHeight)+1+len(fetched))
			candidate = append(candidate, localChain[:forkHeight+1]...)
			candidate = append(candidate, fetched...)
			if err := s.bc.TryReorg(candidate); err != nil {
				return fmt.Errorf("reorg to peer chain at fork height %d: %w", forkHeight, err)
			}
			s.node.Scores().ReportGoodBehavior(peer.ID)
		}

		if len(headersResp.Headers) < maxHeadersPerBatch {
			return nil // caught up
		}
	}
}

// fetchRangeFanOut splits [from, to] into maxBlocksPerBatch-sized chunks and
// assigns them round-robin to whichever live peers are available. Peers are
// queried concurrently so one slow peer doesn't serialize the whole fetch;
// each peer works through its own chunks one at a time, since only one
// block request may be outstanding per peer.
func (s *Syncer) fetchRangeFanOut(ctx context.Context, from, to uint64) ([]*core.Block, error) {
	peers := s.node.livePeers()
	if len(peers) == 0 {
		return nil, fmt.Errorf("no live peers to fetch blocks %d-%d from", from, to)
	}

	type chunk struct{ from, to uint64 }
	var chunks []chunk
	for h := from; h <= to; h += maxBlocksPerBatch {
		end := h + maxBlocksPerBatch - 1
		if end > to {
			end = to
		}
		chunks = append(chunks, chunk{from: h, to: end})
	}

	results := make([][]*core.Block, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for j, peer := range peers {
		j, peer := j, peer
		g.Go(func() error {
			for i := j; i < len(chunks); i += len(peers) {
				c := chunks[i]
				cctx, cancel := context.WithTimeout(gctx, requestTimeout)
				resp, err := s.RequestBlocksRange(cctx, peer, c.from, c.to)
				cancel()
				if err != nil {
					s.node.Scores().ReportBadBehavior(peer.ID)
					return fmt.Errorf("fetch blocks %d-%d from %s: %w", c.from, c.to, peer.ID, err)
				}
				results[i] = resp.Blocks
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []*core.Block
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

func validateHeaderContinuity(headers []core.BlockHeader) error {
	for i := 1; i < len(headers); i++ {
		if headers[i].PreviousHash != headers[i-1].Hash {
			return fmt.Errorf("header continuity broken at index %d (height %d)", i, headers[i].Index)
		}
	}
	return nil
}
