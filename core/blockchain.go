package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/radeonares/bdlm/events"
)

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

const (
	// MaxReorgDepth bounds how many blocks a reorg may replace.
	MaxReorgDepth = 100
	// FinalityDepth is how far behind the tip a height is treated as
	// irreversible for reorg purposes.
	FinalityDepth = 50
	// EpochLength is the block interval at which AdvanceEpoch runs.
	EpochLength = 32

	minBlockGapMs    = 1000
	maxFutureDriftMs = int64(15 * time.Second / time.Millisecond)
	maxPastDriftMs   = int64(7200 * time.Second / time.Millisecond)
)

// BlockStore is the persistence interface used by Blockchain. Implementations
// live in the storage package.
type BlockStore interface {
	GetBlock(hash string) (*Block, error)
	PutBlock(block *Block) error
	GetBlockByHeight(height uint64) (*Block, error)
	PutBlockByHeight(height uint64, hash string) error
	// GetTip returns the current tip hash, or ("", nil) for a fresh chain.
	GetTip() (string, error)
	SetTip(hash string) error
	// CommitBlock atomically writes the block, its height index entry, and
	// updates the tip pointer in a single batch operation.
	CommitBlock(block *Block) error
}

// Blockchain is the chain manager: it owns the canonical chain, drives
// block production and validation through a pluggable ConsensusEngine, and
// performs bounded reorgs when a better competing chain is offered.
type Blockchain struct {
	mu      sync.Mutex
	store   BlockStore
	state   State
	mempool *Mempool
	engine  ConsensusEngine
	chainID uint64

	chain           []*Block // index == height; in-memory canonical cache
	finalizedHeight uint64

	emitter *events.Emitter
}

// SetEmitter wires an event emitter into the chain so ProduceBlock,
// ValidateAndAddBlock, and TryReorg publish notifications (tx applied, block
// committed, epoch advanced, reorg) as they happen. Optional: a Blockchain
// with no emitter set simply skips publishing.
func (bc *Blockchain) SetEmitter(e *events.Emitter) {
	bc.emitter = e
}

func (bc *Blockchain) emit(ev events.Event) {
	if bc.emitter != nil {
		bc.emitter.Emit(ev)
	}
}

func (bc *Blockchain) emitTxApplied(tx *Transaction, height uint64) {
	bc.emit(events.Event{
		Type:        events.EventTxApplied,
		TxHash:      tx.Hash,
		BlockHeight: height,
		Data: map[string]any{
			"from":   tx.From,
			"to":     tx.To,
			"amount": tx.Amount,
			"type":   string(tx.Type),
		},
	})
	if tx.Type == TxStake {
		bc.emit(events.Event{Type: events.EventValidatorStaked, TxHash: tx.Hash, BlockHeight: height, Data: map[string]any{"validator": tx.From, "amount": tx.Amount}})
	}
}

// NewBlockchain returns a Blockchain backed by store. Call Init() to load an
// existing chain from storage, or AddGenesis to start a fresh one.
func NewBlockchain(store BlockStore, state State, mempool *Mempool, engine ConsensusEngine, chainID uint64) *Blockchain {
	return &Blockchain{store: store, state: state, mempool: mempool, engine: engine, chainID: chainID}
}

// Init loads the persisted chain (genesis through tip) into memory.
func (bc *Blockchain) Init() error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	tipHash, err := bc.store.GetTip()
	if err != nil {
		return fmt.Errorf("get tip: %w", err)
	}
	if tipHash == "" {
		return nil // fresh chain; caller must add genesis
	}
	tip, err := bc.store.GetBlock(tipHash)
	if err != nil {
		return fmt.Errorf("load tip block: %w", err)
	}
	chain := make([]*Block, tip.Header.Index+1)
	for h := uint64(0); h <= tip.Header.Index; h++ {
		b, err := bc.store.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block %d: %w", h, err)
		}
		chain[h] = b
	}
	bc.chain = chain
	if tip.Header.Index >= FinalityDepth {
		bc.finalizedHeight = tip.Header.Index - FinalityDepth
	}
	return nil
}

// AddGenesis installs block 0 as the sole entry of a fresh chain. It does
// not touch state: the caller (config.CreateGenesisBlock) is expected to
// have already credited genesis balances and committed state before calling
// this.
func (bc *Blockchain) AddGenesis(genesis *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.chain) != 0 {
		return errors.New("chain already initialized")
	}
	if genesis.Header.Index != 0 {
		return errors.New("genesis block must have index 0")
	}
	if err := bc.store.CommitBlock(genesis); err != nil {
		return fmt.Errorf("commit genesis: %w", err)
	}
	bc.chain = []*Block{genesis}
	return nil
}

// Tip returns the current chain tip, or nil for an uninitialized chain.
func (bc *Blockchain) Tip() *Block {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.chain) == 0 {
		return nil
	}
	return bc.chain[len(bc.chain)-1]
}

// ChainID returns the chain identifier this Blockchain was constructed with.
func (bc *Blockchain) ChainID() uint64 {
	return bc.chainID
}

// Height returns the index of the current tip.
func (bc *Blockchain) Height() uint64 {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if len(bc.chain) == 0 {
		return 0
	}
	return bc.chain[len(bc.chain)-1].Header.Index
}

// ChainSnapshot returns a shallow copy of the in-memory canonical chain.
func (bc *Blockchain) ChainSnapshot() []*Block {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	out := make([]*Block, len(bc.chain))
	copy(out, bc.chain)
	return out
}

// GetBlock returns a block by hash.
func (bc *Blockchain) GetBlock(hash string) (*Block, error) {
	return bc.store.GetBlock(hash)
}

// GetBlockByHeight returns the block at the given height.
func (bc *Blockchain) GetBlockByHeight(height uint64) (*Block, error) {
	return bc.store.GetBlockByHeight(height)
}

// ProduceBlock drains the mempool by fee priority, applies the included
// transactions against the working state, asks the consensus engine to
// finalize (nonce/sign/stake-proof) the block, and persists it on success.
// It fails (and leaves state untouched) if the engine declines to produce
// right now, e.g. because this node is not the current PoA/PoS proposer.
func (bc *Blockchain) ProduceBlock() (*Block, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	index := uint64(len(bc.chain))
	prevHash := GenesisPrevHash
	if len(bc.chain) > 0 {
		prevHash = bc.chain[len(bc.chain)-1].Header.Hash
	}
	producer := bc.engine.ProducerAddress()

	snapID, err := bc.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}

	candidates := bc.mempool.GetSortedTransactions(0)
	included := make([]*Transaction, 0, len(candidates))
	var fees uint64
	for _, tx := range candidates {
		if len(included) >= MaxBlockTxs {
			break
		}
		if err := ValidateTransaction(bc.state, tx); err != nil {
			continue
		}
		if err := ApplyTransaction(bc.state, tx); err != nil {
			continue
		}
		included = append(included, tx)
		fees += tx.Fee
	}

	block := &Block{
		Header: BlockHeader{
			Index:        index,
			Timestamp:    time.Now().UnixMilli(),
			PreviousHash: prevHash,
			TxRoot:       ComputeTxRoot(included),
			ChainID:      bc.chainID,
			Producer:     producer,
		},
		Transactions: included,
	}

	epochAdvanced := index > 0 && index%EpochLength == 0
	if epochAdvanced {
		if err := AdvanceEpoch(bc.state, block.Header.Timestamp/1000); err != nil {
			bc.state.RevertToSnapshot(snapID)
			return nil, fmt.Errorf("advance epoch: %w", err)
		}
	}
	if reward := fees + bc.engine.BlockReward(); producer != "" && reward > 0 {
		creditProducer(bc.state, producer, reward, index)
	}
	// state_root is computed before PrepareBlock because it feeds the
	// header hash that PrepareBlock signs/mines. Validators are excluded
	// from state_root, so the validator-only mutations RecordBlock makes
	// below are safe to apply after the root is already fixed.
	block.Header.StateRoot = bc.state.ComputeRoot()

	if err := bc.engine.PrepareBlock(block, bc.state); err != nil {
		bc.state.RevertToSnapshot(snapID)
		return nil, fmt.Errorf("prepare block: %w", err)
	}
	bc.engine.RecordBlock(block, bc.state)

	if err := bc.store.CommitBlock(block); err != nil {
		bc.state.RevertToSnapshot(snapID)
		return nil, fmt.Errorf("commit block: %w", err)
	}
	if err := bc.state.Commit(); err != nil {
		return nil, fmt.Errorf("FATAL: block %d stored but state commit failed: %w", index, err)
	}
	bc.chain = append(bc.chain, block)
	for _, tx := range included {
		bc.mempool.RemoveTransaction(tx.Hash)
		bc.emitTxApplied(tx, index)
	}
	if epochAdvanced {
		bc.emit(events.Event{Type: events.EventEpochAdvanced, BlockHeight: index})
	}
	bc.emit(events.Event{Type: events.EventBlockCommitted, BlockHeight: block.Header.Index, Data: map[string]any{"hash": block.Header.Hash, "producer": block.Header.Producer}})
	return block, nil
}

// ValidateAndAddBlock runs common structural checks, delegates
// consensus-specific validation to the engine, applies transactions to
// state, and appends the block on success. Any failure leaves the chain
// and state untouched.
func (bc *Blockchain) ValidateAndAddBlock(block *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if block.Header.ChainID != bc.chainID {
		return fmt.Errorf("chain_id mismatch: got %d, want %d", block.Header.ChainID, bc.chainID)
	}
	if err := bc.commonChecks(block); err != nil {
		return err
	}
	if err := bc.engine.ValidateBlock(block, bc.chain, bc.state); err != nil {
		return fmt.Errorf("consensus validation: %w", err)
	}

	snapID, err := bc.state.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	for _, tx := range block.Transactions {
		if err := ApplyTransaction(bc.state, tx); err != nil {
			bc.state.RevertToSnapshot(snapID)
			return fmt.Errorf("apply tx %s: %w", tx.Hash, err)
		}
	}
	if block.Header.Producer != "" {
		var fees uint64
		for _, tx := range block.Transactions {
			fees += tx.Fee
		}
		if reward := fees + bc.engine.BlockReward(); reward > 0 {
			creditProducer(bc.state, block.Header.Producer, reward, block.Header.Index)
		}
	}
	if len(block.Header.SlashingEvidence) > 0 {
		if err := ApplySlashing(bc.state, block.Header.SlashingEvidence, bc.engine.SlashingRatio(), block.Header.Timestamp/1000); err != nil {
			bc.state.RevertToSnapshot(snapID)
			return fmt.Errorf("apply slashing: %w", err)
		}
	}
	epochAdvanced := block.Header.Index > 0 && block.Header.Index%EpochLength == 0
	if epochAdvanced {
		if err := AdvanceEpoch(bc.state, block.Header.Timestamp/1000); err != nil {
			bc.state.RevertToSnapshot(snapID)
			return fmt.Errorf("advance epoch: %w", err)
		}
	}
	if block.Header.Index > 0 {
		if computed := bc.state.ComputeRoot(); computed != block.Header.StateRoot {
			bc.state.RevertToSnapshot(snapID)
			return fmt.Errorf("state_root mismatch: block has %s, computed %s", block.Header.StateRoot, computed)
		}
	}

	if err := bc.store.CommitBlock(block); err != nil {
		bc.state.RevertToSnapshot(snapID)
		return fmt.Errorf("commit block: %w", err)
	}
	if err := bc.state.Commit(); err != nil {
		return fmt.Errorf("FATAL: block %d stored but state commit failed: %w", block.Header.Index, err)
	}
	bc.chain = append(bc.chain, block)
	bc.engine.RecordBlock(block, bc.state)
	for _, tx := range block.Transactions {
		bc.mempool.RemoveTransaction(tx.Hash)
		bc.emitTxApplied(tx, block.Header.Index)
	}
	for _, ev := range block.Header.SlashingEvidence {
		bc.emit(events.Event{Type: events.EventValidatorSlashed, BlockHeight: block.Header.Index, Data: map[string]any{"validator": ev.Header1.Producer}})
	}
	if epochAdvanced {
		bc.emit(events.Event{Type: events.EventEpochAdvanced, BlockHeight: block.Header.Index})
	}
	bc.emit(events.Event{Type: events.EventBlockCommitted, BlockHeight: block.Header.Index, Data: map[string]any{"hash": block.Header.Hash, "producer": block.Header.Producer}})
	return nil
}

func (bc *Blockchain) commonChecks(block *Block) error {
	return validateLinkage(block, bc.chain)
}

// validateLinkage checks the structural invariants every block on the
// canonical chain must satisfy against prior, the sequence of blocks that
// precede it. It is parameterized over prior rather than reading bc.chain
// directly so the same checks apply both to a single newly-received block
// (prior = bc.chain, via commonChecks) and to a whole candidate chain being
// revalidated block-by-block from genesis during a reorg (prior = the
// candidate prefix already checked, via isValidChain).
func validateLinkage(block *Block, prior []*Block) error {
	if block.Header.Index == 0 {
		if block.Header.Hash != block.ComputeHash() {
			return errors.New("genesis hash mismatch")
		}
		return nil
	}
	if len(prior) == 0 {
		return errors.New("cannot add a non-genesis block to an empty chain")
	}
	prev := prior[len(prior)-1]
	if block.Header.Index != prev.Header.Index+1 {
		return fmt.Errorf("height %d does not follow tip %d", block.Header.Index, prev.Header.Index)
	}
	if block.Header.PreviousHash != prev.Header.Hash {
		return errors.New("previous_hash does not match tip")
	}
	if gap := block.Header.Timestamp - prev.Header.Timestamp; gap < minBlockGapMs {
		return fmt.Errorf("block timestamp gap %dms below minimum %dms", gap, minBlockGapMs)
	}
	now := time.Now().UnixMilli()
	if block.Header.Timestamp > now+maxFutureDriftMs {
		return errors.New("block timestamp too far in the future")
	}
	if now-block.Header.Timestamp > maxPastDriftMs {
		return errors.New("block timestamp too far in the past")
	}
	if len(block.Transactions) > MaxBlockTxs {
		return fmt.Errorf("block carries %d transactions, limit is %d", len(block.Transactions), MaxBlockTxs)
	}
	if data, err := json.Marshal(block); err == nil && len(data) > MaxBlockBytes {
		return fmt.Errorf("block is %d bytes, limit is %d", len(data), MaxBlockBytes)
	}
	if err := block.VerifyIntegrity(); err != nil {
		return err
	}
	return nil
}

// TryReorg replaces the canonical chain with candidate if the consensus
// engine judges it better, the candidate passes isValidChain (every block
// re-checked against consensus rules from genesis, not just self-consistent
// hashes), and the switch stays within MaxReorgDepth, does not reach back
// past FinalityDepth blocks below the tip, and does not cross the finalized
// height. On success it rebuilds state from scratch by replaying candidate
// from genesis, and returns transactions from the abandoned blocks (not
// present in the new chain) to the mempool if they still validate.
func (bc *Blockchain) TryReorg(candidate []*Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if !bc.engine.IsBetterChain(bc.chain, candidate) {
		return errors.New("candidate chain is not better than the current chain")
	}
	fork := lastCommonAncestor(bc.chain, candidate)
	tipHeight := uint64(len(bc.chain) - 1)
	depth := tipHeight - uint64(fork)
	if depth > MaxReorgDepth {
		return fmt.Errorf("reorg depth %d exceeds maximum %d", depth, MaxReorgDepth)
	}
	if depth > FinalityDepth {
		return fmt.Errorf("fork point at height %d is %d blocks below tip %d, beyond the finality depth of %d", fork, depth, tipHeight, FinalityDepth)
	}
	if uint64(fork) < bc.finalizedHeight {
		return errors.New("reorg would rewrite a finalized block")
	}

	old := bc.chain

	// Snapshot before Reset so a candidate that fails isValidChain leaves
	// the live state exactly as it was: Reset only queues deletions in the
	// write buffer (it does not touch the underlying DB), so RevertToSnapshot
	// discards those queued deletions along with whatever isValidChain wrote
	// on top of them, without the DB ever seeing a partial rebuild.
	snapID, err := bc.state.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot state: %w", err)
	}
	if err := bc.state.Reset(); err != nil {
		_ = bc.state.RevertToSnapshot(snapID)
		return fmt.Errorf("reset state: %w", err)
	}
	if err := bc.isValidChain(candidate); err != nil {
		_ = bc.state.RevertToSnapshot(snapID)
		return fmt.Errorf("candidate chain failed validation: %w", err)
	}
	if err := bc.state.Commit(); err != nil {
		return fmt.Errorf("commit rebuilt state: %w", err)
	}

	for _, b := range candidate {
		if err := bc.store.PutBlock(b); err != nil {
			return fmt.Errorf("persist reorged block %d: %w", b.Header.Index, err)
		}
		if err := bc.store.PutBlockByHeight(b.Header.Index, b.Header.Hash); err != nil {
			return fmt.Errorf("persist height index %d: %w", b.Header.Index, err)
		}
	}
	tip := candidate[len(candidate)-1]
	if err := bc.store.SetTip(tip.Header.Hash); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	bc.chain = candidate

	included := make(map[string]bool)
	for _, b := range candidate {
		for _, tx := range b.Transactions {
			included[tx.Hash] = true
		}
	}
	for _, b := range old {
		for _, tx := range b.Transactions {
			if included[tx.Hash] {
				continue
			}
			if err := ValidateTransaction(bc.state, tx); err == nil {
				_ = bc.mempool.Add(tx)
			}
		}
	}
	bc.emit(events.Event{Type: events.EventReorg, BlockHeight: tip.Header.Index, Data: map[string]any{"fork_height": fork, "depth": depth}})
	return nil
}

// isValidChain revalidates every block of candidate in sequence against a
// blank state, mirroring original_source/src/blockchain.rs's is_valid_chain
// (which runs consensus.validate_block over the whole candidate chain before
// accepting it, not just the tip) combined with the state replay §4.4 step 3
// already requires. bc.state must already be reset to a blank slate (via
// Snapshot then Reset) before this is called; the caller is responsible for
// rolling the snapshot back on any returned error, since this leaves
// bc.state's write buffer in a partially-applied state otherwise.
//
// Unlike ApplyBlock's lenient replay (which skips transactions that no
// longer apply), every check here is strict: a single
// invalid block, transaction, signature, proposer, or state_root anywhere in
// candidate rejects the whole chain, exactly as a freshly-received block
// would be rejected by ValidateAndAddBlock.
func (bc *Blockchain) isValidChain(candidate []*Block) error {
	if len(candidate) == 0 {
		return errors.New("candidate chain is empty")
	}
	for i, b := range candidate {
		prior := candidate[:i]
		if err := validateLinkage(b, prior); err != nil {
			return fmt.Errorf("block %d: %w", b.Header.Index, err)
		}
		if err := bc.engine.ValidateBlock(b, prior, bc.state); err != nil {
			return fmt.Errorf("block %d: consensus validation: %w", b.Header.Index, err)
		}
		for _, tx := range b.Transactions {
			if err := ApplyTransaction(bc.state, tx); err != nil {
				return fmt.Errorf("block %d: apply tx %s: %w", b.Header.Index, tx.Hash, err)
			}
		}
		if b.Header.Producer != "" {
			var fees uint64
			for _, tx := range b.Transactions {
				fees += tx.Fee
			}
			if reward := fees + bc.engine.BlockReward(); reward > 0 {
				creditProducer(bc.state, b.Header.Producer, reward, b.Header.Index)
			}
		}
		if len(b.Header.SlashingEvidence) > 0 {
			if err := ApplySlashing(bc.state, b.Header.SlashingEvidence, bc.engine.SlashingRatio(), b.Header.Timestamp/1000); err != nil {
				return fmt.Errorf("block %d: apply slashing: %w", b.Header.Index, err)
			}
		}
		if b.Header.Index > 0 && b.Header.Index%EpochLength == 0 {
			if err := AdvanceEpoch(bc.state, b.Header.Timestamp/1000); err != nil {
				return fmt.Errorf("block %d: advance epoch: %w", b.Header.Index, err)
			}
		}
		if b.Header.Index > 0 {
			if computed := bc.state.ComputeRoot(); computed != b.Header.StateRoot {
				return fmt.Errorf("block %d: state_root mismatch: block has %s, computed %s", b.Header.Index, b.Header.StateRoot, computed)
			}
		}
		// RecordBlock's governance tally (PoA) and equivocation/epoch-seed
		// bookkeeping (PoS) must run in sequence so the next iteration's
		// ValidateBlock sees the validator set and engine state exactly as
		// they stood when candidate was first produced.
		bc.engine.RecordBlock(b, bc.state)
	}
	return nil
}

// lastCommonAncestor returns the height of the last block for which a and b
// agree, i.e. the fork point. a and b are assumed to both start at height 0
// (genesis), so index == height throughout.
func lastCommonAncestor(a, b []*Block) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Header.Hash != b[i].Header.Hash {
			return i - 1
		}
	}
	return n - 1
}
