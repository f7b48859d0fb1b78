package consensus

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/radeonares/bdlm/core"
)

// PoWConfig tunes the PoW engine's mining target and difficulty retargeting.
type PoWConfig struct {
	Difficulty         int    // leading hex zero characters required of a block hash
	TargetBlockTimeSec uint64 // desired seconds between blocks
	AdjustmentInterval uint64 // retarget every this many blocks
	BlockReward        uint64
}

// DefaultPoWConfig mirrors the reference node's defaults.
func DefaultPoWConfig() PoWConfig {
	return PoWConfig{Difficulty: 2, TargetBlockTimeSec: 10, AdjustmentInterval: 100, BlockReward: 50}
}

// PoW is the Proof-of-Work engine: block production is a nonce search for a
// hash with the required number of leading hex zeros, and difficulty
// retargets every AdjustmentInterval blocks to track TargetBlockTimeSec.
type PoW struct {
	config      PoWConfig
	minerReward string // address credited with fees + BlockReward; empty for an observer-only node

	mu                sync.RWMutex
	currentDifficulty int
}

// NewPoW creates a PoW engine at the given starting difficulty, crediting
// mined blocks to minerReward (a pubkey hex address, empty for an
// observer-only node that never calls ProduceBlock).
func NewPoW(minerReward string, difficulty int) *PoW {
	cfg := DefaultPoWConfig()
	cfg.Difficulty = difficulty
	return NewPoWWithConfig(minerReward, cfg)
}

// NewPoWWithConfig creates a PoW engine from an explicit configuration.
func NewPoWWithConfig(minerReward string, cfg PoWConfig) *PoW {
	return &PoW{config: cfg, minerReward: minerReward, currentDifficulty: cfg.Difficulty}
}

func (p *PoW) difficulty() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentDifficulty
}

func (p *PoW) target() string {
	return strings.Repeat("0", p.difficulty())
}

func (p *PoW) meetsDifficulty(hash string) bool {
	return strings.HasPrefix(hash, p.target())
}

// calculateNewDifficulty recomputes the target difficulty from the last
// AdjustmentInterval blocks of chain, scaling by the ratio of expected to
// actual elapsed time and clamping to [1, 32]. chain is too short to have a
// full window, the current difficulty is returned unchanged.
func (p *PoW) calculateNewDifficulty(chain []*core.Block) int {
	interval := int(p.config.AdjustmentInterval)
	if len(chain) < interval {
		return p.difficulty()
	}
	last := chain[len(chain)-1]
	first := chain[len(chain)-interval]
	actualSec := (last.Header.Timestamp - first.Header.Timestamp) / 1000
	if actualSec < 1 {
		actualSec = 1
	}
	expectedSec := int64(p.config.TargetBlockTimeSec * p.config.AdjustmentInterval)
	ratio := float64(expectedSec) / float64(actualSec)
	newDiff := int(float64(p.difficulty()) * ratio)
	if newDiff < 1 {
		newDiff = 1
	}
	if newDiff > 32 {
		newDiff = 32
	}
	return newDiff
}

// PrepareBlock searches for a nonce producing a hash with the required
// number of leading hex zeros.
func (p *PoW) PrepareBlock(block *core.Block, _ core.State) error {
	target := p.target()
	block.Header.Hash = block.ComputeHash()
	for !strings.HasPrefix(block.Header.Hash, target) {
		block.Header.Nonce++
		block.Header.Hash = block.ComputeHash()
	}
	return nil
}

// ValidateBlock checks that block's (already integrity-verified) hash meets
// the difficulty in effect for its height, retargeting first if this block
// falls on an adjustment boundary.
func (p *PoW) ValidateBlock(block *core.Block, chain []*core.Block, _ core.State) error {
	if block.Header.Index == 0 {
		return nil
	}
	if block.Header.Index > 0 && block.Header.Index%p.config.AdjustmentInterval == 0 {
		newDiff := p.calculateNewDifficulty(chain)
		p.mu.Lock()
		p.currentDifficulty = newDiff
		p.mu.Unlock()
	}
	if !p.meetsDifficulty(block.Header.Hash) {
		return fmt.Errorf("pow: hash %s does not meet required difficulty %d", block.Header.Hash, p.difficulty())
	}
	return nil
}

// RecordBlock is a no-op: difficulty retargeting happens inside
// ValidateBlock, which runs for received blocks and during reorg
// revalidation. Blockchain.ProduceBlock does not call ValidateBlock, so a
// node's own blocks do not trigger a retarget.
func (p *PoW) RecordBlock(*core.Block, core.State) {}

// ConsensusType identifies this engine for RPC/status reporting.
func (p *PoW) ConsensusType() string { return "pow" }

// Info returns engine status for RPC/debugging.
func (p *PoW) Info() map[string]any {
	return map[string]any{
		"type":         "pow",
		"difficulty":   p.difficulty(),
		"target":       p.target(),
		"block_reward": p.config.BlockReward,
	}
}

// ForkChoiceScore sums each block's leading-zero hex count (minimum 1),
// approximating cumulative work.
func (p *PoW) ForkChoiceScore(chain []*core.Block) *big.Int {
	score := new(big.Int)
	for _, b := range chain {
		leading := 0
		for _, c := range b.Header.Hash {
			if c != '0' {
				break
			}
			leading++
		}
		if leading < 1 {
			leading = 1
		}
		score.Add(score, big.NewInt(int64(leading)))
	}
	return score
}

// IsBetterChain reports whether candidate accumulates more work than current.
func (p *PoW) IsBetterChain(current, candidate []*core.Block) bool {
	return p.ForkChoiceScore(candidate).Cmp(p.ForkChoiceScore(current)) > 0
}

// SlashingRatio is 0: PoW has no staking, hence nothing to slash.
func (p *PoW) SlashingRatio() float64 { return 0 }

// BlockReward is the fixed subsidy paid to the miner of each block.
func (p *PoW) BlockReward() uint64 { return p.config.BlockReward }

// ProducerAddress is the locally configured reward address. PoW blocks
// carry no producer signature; Header.Producer is set from this purely to
// route the fee+reward payout to whoever mined the block.
func (p *PoW) ProducerAddress() string { return p.minerReward }
