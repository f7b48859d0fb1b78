package core

import "math/big"

// ConsensusEngine is implemented by each pluggable consensus backend
// (PoW, PoA, PoS). The chain manager never branches on consensus type
// directly; it only calls through this interface.
type ConsensusEngine interface {
	// PrepareBlock finalizes a candidate block: sets Nonce (PoW), Producer
	// signature (PoA/PoS), StakeProof (PoS), computes Header.Hash, and
	// returns an error if this node is not entitled to produce right now.
	PrepareBlock(block *Block, state State) error

	// ValidateBlock checks a received block against consensus-specific
	// rules (proposer eligibility, work target, stake proof) given the
	// current canonical chain and state. It does not mutate either.
	ValidateBlock(block *Block, chain []*Block, state State) error

	// RecordBlock observes a finalized block (Header.Hash already set),
	// whether self-produced (called just before commit) or received
	// (called just after commit). Engines use it for internal bookkeeping
	// (PoS epoch seed and seen-block map for equivocation detection; PoW
	// does nothing here) and may mutate
	// state for consensus-owned side effects (PoA governance quorum
	// admitting or removing a validator).
	RecordBlock(block *Block, state State)

	// ConsensusType names the engine for RPC/status reporting.
	ConsensusType() string

	// Info returns a JSON-serializable snapshot of engine-specific status.
	Info() map[string]any

	// ForkChoiceScore computes the cumulative weight of a candidate chain.
	// Higher is better.
	ForkChoiceScore(chain []*Block) *big.Int

	// IsBetterChain reports whether candidate should replace current.
	IsBetterChain(current, candidate []*Block) bool

	// SlashingRatio is the fraction of stake ApplySlashing deducts for
	// evidence carried in a block's header. Engines with no slashing
	// concept (PoW, PoA) return 0.
	SlashingRatio() float64

	// BlockReward is a fixed subsidy credited to the producer in addition
	// to collected fees. Only PoW defines a nonzero reward.
	BlockReward() uint64

	// ProducerAddress is this node's own identity for a self-produced
	// block (its pubkey hex), so the chain manager can credit fees/reward
	// and set Header.Producer before asking the engine to finalize the
	// block. Empty if this node cannot produce blocks at all.
	ProducerAddress() string
}
