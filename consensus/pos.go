package consensus

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/crypto"
	"golang.org/x/crypto/sha3"
)

// PoSConfig tunes the PoS engine's staking and slashing thresholds.
type PoSConfig struct {
	MinStake          uint64
	SlotDurationSec   uint64
	EpochLength       uint64
	AnnualRewardRate  float64
	SlashingPenalty   float64 // reserved for future non-equivocation offenses
	DoubleSignPenalty float64 // fraction of stake burned per confirmed equivocation
	UnbondingEpochs   uint64
}

// DefaultPoSConfig mirrors the reference node's defaults.
func DefaultPoSConfig() PoSConfig {
	return PoSConfig{
		MinStake:          1000,
		SlotDurationSec:   6,
		EpochLength:       core.EpochLength,
		AnnualRewardRate:  0.05,
		SlashingPenalty:   0.10,
		DoubleSignPenalty: 0.50,
		UnbondingEpochs:   4,
	}
}

// checkpoint anchors a finalized epoch boundary; blocks below the last
// checkpoint's height are rejected as a long-range-attack defense.
type checkpoint struct {
	index     uint64
	blockHash string
	timestamp int64
}

type seenBlock struct {
	header    core.BlockHeader
	signature string
}

// PoS is the stake-weighted Proof-of-Stake engine. Leaders are selected
// deterministically per slot from a hash walk over cumulative effective
// stake; equivocating validators (two different blocks signed for the same
// slot) are caught and turned into slashing evidence embedded in the next
// block this node produces.
type PoS struct {
	config    PoSConfig
	privKey   crypto.PrivateKey // nil if this node does not produce blocks
	pubKeyHex string

	seedMu    sync.RWMutex
	epochSeed [32]byte

	seenMu sync.RWMutex
	seen   map[seenKey]seenBlock

	evidenceMu sync.Mutex
	pending    []*core.SlashingEvidence

	cpMu        sync.RWMutex
	checkpoints []checkpoint
}

type seenKey struct {
	producer string
	slot     uint64
}

// NewPoS creates a PoS engine. priv may be nil for an observer-only node.
func NewPoS(priv crypto.PrivateKey, cfg PoSConfig) *PoS {
	p := &PoS{
		config: cfg,
		seen:   make(map[seenKey]seenBlock),
	}
	if priv != nil {
		p.privKey = priv
		p.pubKeyHex = priv.Public().Hex()
	}
	return p
}

// selectValidator deterministically picks the leader for slot from the
// epoch seed and the active validator set's cumulative effective stake.
func (p *PoS) selectValidator(slot uint64, active []*core.Validator) *core.Validator {
	var total uint64
	for _, v := range active {
		total += v.EffectiveStake()
	}
	if total == 0 {
		return nil
	}

	p.seedMu.RLock()
	seed := p.epochSeed
	p.seedMu.RUnlock()

	h := sha3.New256()
	h.Write(seed[:])
	var slotBuf [8]byte
	binary.LittleEndian.PutUint64(slotBuf[:], slot)
	h.Write(slotBuf[:])
	sum := h.Sum(nil)
	randomValue := binary.LittleEndian.Uint64(sum[:8])
	selectionPoint := randomValue % total

	var cumulative uint64
	for _, v := range active {
		cumulative += v.EffectiveStake()
		if selectionPoint < cumulative {
			return v
		}
	}
	return nil
}

// IsEligibleValidator reports whether pubkey is an active, unslashed
// validator meeting the minimum stake requirement.
func (p *PoS) IsEligibleValidator(pubkey string, state core.State) bool {
	v, err := state.GetValidator(pubkey)
	if err != nil || v == nil {
		return false
	}
	return v.Active && !v.Slashed && v.Stake >= p.config.MinStake
}

func (p *PoS) lastCheckpoint() (checkpoint, bool) {
	p.cpMu.RLock()
	defer p.cpMu.RUnlock()
	if len(p.checkpoints) == 0 {
		return checkpoint{}, false
	}
	return p.checkpoints[len(p.checkpoints)-1], true
}

// PrepareBlock embeds any pending slashing evidence, then signs the block
// if and only if this node is the slot's selected validator; otherwise it
// declines so the chain manager does not mint an unsigned block on its
// behalf. With no active validators at all it only sets the hash and
// returns the block unsigned.
func (p *PoS) PrepareBlock(block *core.Block, state core.State) error {
	p.evidenceMu.Lock()
	if len(p.pending) > 0 {
		block.Header.SlashingEvidence = p.pending
		p.pending = nil
	}
	p.evidenceMu.Unlock()

	active, err := state.GetActiveValidators()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		block.Header.Hash = block.ComputeHash()
		return nil
	}
	selected := p.selectValidator(block.Header.Index, active)
	if selected == nil {
		return errors.New("pos: no active validator available")
	}
	if p.privKey == nil || selected.Address != p.pubKeyHex {
		return fmt.Errorf("pos: not the selected validator for slot %d (expected %s)", block.Header.Index, selected.Address)
	}
	block.Sign(p.privKey)
	block.StakeProof = block.Signature
	return nil
}

// ValidateBlock enforces checkpoint finality, proposer eligibility,
// signature and stake-proof correctness, and verifies any embedded
// slashing evidence.
func (p *PoS) ValidateBlock(block *core.Block, _ []*core.Block, state core.State) error {
	if block.Header.Index == 0 {
		return nil
	}
	if cp, ok := p.lastCheckpoint(); ok && block.Header.Index < cp.index {
		return errors.New("pos: block is before last checkpoint (possible long-range attack)")
	}

	active, err := state.GetActiveValidators()
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return nil
	}

	if block.Header.Producer == "" {
		return errors.New("pos: block has no producer")
	}
	expected := p.selectValidator(block.Header.Index, active)
	if expected == nil {
		return errors.New("pos: no validator for this slot")
	}
	if block.Header.Producer != expected.Address {
		return fmt.Errorf("pos: wrong validator: got %s want %s", block.Header.Producer, expected.Address)
	}
	if err := block.VerifySignature(); err != nil {
		return fmt.Errorf("pos: %w", err)
	}
	if block.StakeProof == "" {
		return errors.New("pos: missing stake proof")
	}
	if block.StakeProof != block.Signature {
		return errors.New("pos: stake proof does not match signature")
	}
	for i, ev := range block.Header.SlashingEvidence {
		if err := ev.Verify(); err != nil {
			return fmt.Errorf("pos: invalid slashing evidence #%d: %w", i, err)
		}
	}
	return nil
}

// RecordBlock mixes the block into the epoch seed, detects equivocation
// (two differently-hashed blocks from the same producer for the same
// slot) and queues the resulting evidence, and rolls the epoch seed and
// checkpoints forward at epoch boundaries.
func (p *PoS) RecordBlock(block *core.Block, _ core.State) {
	if block.Header.Producer == "" {
		return
	}

	hashBytes, err := hex.DecodeString(block.Header.Hash)
	if err != nil {
		hashBytes = []byte(block.Header.Hash)
	}
	contribution := sha3.Sum256(hashBytes)
	p.seedMu.Lock()
	for i := range p.epochSeed {
		p.epochSeed[i] ^= contribution[i]
	}
	p.seedMu.Unlock()

	key := seenKey{producer: block.Header.Producer, slot: block.Header.Index}
	p.seenMu.Lock()
	existing, ok := p.seen[key]
	if ok {
		p.seenMu.Unlock()
		if existing.header.Hash != block.Header.Hash {
			ev := &core.SlashingEvidence{
				Header1:    existing.header,
				Header2:    block.Header,
				Signature1: existing.signature,
				Signature2: block.Signature,
			}
			p.evidenceMu.Lock()
			p.pending = append(p.pending, ev)
			p.evidenceMu.Unlock()
		}
		return
	}
	p.seen[key] = seenBlock{header: block.Header, signature: block.Signature}
	p.seenMu.Unlock()

	if block.Header.Index > 0 && block.Header.Index%p.config.EpochLength == 0 {
		p.seedMu.Lock()
		p.epochSeed = [32]byte{}
		p.seedMu.Unlock()
		p.cpMu.Lock()
		p.checkpoints = append(p.checkpoints, checkpoint{
			index:     block.Header.Index,
			blockHash: block.Header.Hash,
			timestamp: block.Header.Timestamp,
		})
		p.cpMu.Unlock()
	}
}

// ConsensusType identifies this engine for RPC/status reporting.
func (p *PoS) ConsensusType() string { return "pos" }

// Info returns engine status for RPC/debugging.
func (p *PoS) Info() map[string]any {
	p.cpMu.RLock()
	numCP := len(p.checkpoints)
	p.cpMu.RUnlock()
	p.evidenceMu.Lock()
	pending := len(p.pending)
	p.evidenceMu.Unlock()
	return map[string]any{
		"type":             "pos",
		"min_stake":        p.config.MinStake,
		"checkpoints":      numCP,
		"pending_evidence": pending,
	}
}

// ForkChoiceScore is the last checkpoint height times 1000 plus the chain
// length. The checkpoint height is the one this engine has recorded, not
// one derived from chain, so two chains scored by the same engine differ
// only by length.
func (p *PoS) ForkChoiceScore(chain []*core.Block) *big.Int {
	cp, ok := p.lastCheckpoint()
	height := uint64(0)
	if ok {
		height = cp.index
	}
	score := new(big.Int).Mul(big.NewInt(int64(height)), big.NewInt(1000))
	return score.Add(score, big.NewInt(int64(len(chain))))
}

// IsBetterChain reports whether candidate outscores current.
func (p *PoS) IsBetterChain(current, candidate []*core.Block) bool {
	return p.ForkChoiceScore(candidate).Cmp(p.ForkChoiceScore(current)) > 0
}

// SlashingRatio is the fraction of stake burned for a confirmed
// double-sign: PoS's only slashing offense is equivocation.
func (p *PoS) SlashingRatio() float64 { return p.config.DoubleSignPenalty }

// BlockReward is 0: PoS validators are compensated by transaction fees and
// the (not independently block-triggered) annual staking yield, not a
// fixed per-block subsidy.
func (p *PoS) BlockReward() uint64 { return 0 }

// ProducerAddress is this node's own validator identity, or empty if it
// holds no key and therefore never produces blocks.
func (p *PoS) ProducerAddress() string { return p.pubKeyHex }
