// Package consensus implements the pluggable ConsensusEngine contract with
// three concrete strategies: round-robin Proof-of-Authority (this file),
// Proof-of-Work (pow.go) and stake-weighted Proof-of-Stake (pos.go). The
// chain manager in core.Blockchain dispatches through core.ConsensusEngine
// and never branches on which concrete engine is wired in.
package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/crypto"
)

// DefaultQuorumRatio is the fraction of the active validator set that must
// vote Add (or Remove) before a governance action is admitted.
const DefaultQuorumRatio = 0.67

type voteAction string

const (
	voteAdd    voteAction = "add"
	voteRemove voteAction = "remove"
)

// PoA is the round-robin Proof-of-Authority engine. Validators take turns
// proposing blocks in address-sorted order; membership changes are driven
// by Vote-type transactions that accumulate into a governance quorum.
type PoA struct {
	quorumRatio float64
	privKey     crypto.PrivateKey // nil if this node does not produce blocks
	pubKeyHex   string

	mu    sync.Mutex
	votes map[voteAction]map[string]map[string]bool // action -> target -> voter -> true
}

// NewPoA creates a PoA engine. priv may be nil for an observer-only node.
func NewPoA(priv crypto.PrivateKey, quorumRatio float64) *PoA {
	if quorumRatio <= 0 {
		quorumRatio = DefaultQuorumRatio
	}
	p := &PoA{
		quorumRatio: quorumRatio,
		votes:       make(map[voteAction]map[string]map[string]bool),
	}
	if priv != nil {
		p.privKey = priv
		p.pubKeyHex = priv.Public().Hex()
	}
	return p
}

func expectedProposer(active []*core.Validator, height uint64) (*core.Validator, error) {
	if len(active) == 0 {
		return nil, errors.New("no active validators configured")
	}
	return active[height%uint64(len(active))], nil
}

// PrepareBlock signs block if and only if this node is the expected
// round-robin proposer for block.Header.Index; otherwise it declines.
func (p *PoA) PrepareBlock(block *core.Block, state core.State) error {
	if p.privKey == nil {
		return errors.New("poa: node has no validator key, cannot produce blocks")
	}
	active, err := state.GetActiveValidators()
	if err != nil {
		return err
	}
	expected, err := expectedProposer(active, block.Header.Index)
	if err != nil {
		return err
	}
	if expected.Address != p.pubKeyHex {
		return fmt.Errorf("poa: not the proposer for slot %d (expected %s)", block.Header.Index, expected.Address)
	}
	block.Sign(p.privKey)
	return nil
}

// ValidateBlock checks that block was proposed by the expected validator
// for its slot and carries a valid signature.
func (p *PoA) ValidateBlock(block *core.Block, _ []*core.Block, state core.State) error {
	if block.Header.Index == 0 {
		return nil
	}
	active, err := state.GetActiveValidators()
	if err != nil {
		return err
	}
	expected, err := expectedProposer(active, block.Header.Index)
	if err != nil {
		return err
	}
	if block.Header.Producer != expected.Address {
		return fmt.Errorf("poa: wrong proposer: got %s want %s", block.Header.Producer, expected.Address)
	}
	if err := block.VerifySignature(); err != nil {
		return fmt.Errorf("poa: %w", err)
	}
	return nil
}

// RecordBlock tallies governance Vote transactions carried in block. A
// target validator is admitted (or removed) once votes from at least
// ceil(|active|*quorumRatio) distinct existing validators accumulate for
// the same action.
func (p *PoA) RecordBlock(block *core.Block, state core.State) {
	active, err := state.GetActiveValidators()
	if err != nil {
		return
	}
	quorum := int(math.Ceil(float64(len(active)) * p.quorumRatio))
	if quorum < 1 {
		quorum = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range block.Transactions {
		if tx.Type != core.TxVote {
			continue
		}
		action := voteAdd
		var payload struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(tx.Data, &payload) == nil && payload.Action == string(voteRemove) {
			action = voteRemove
		}
		if p.votes[action] == nil {
			p.votes[action] = make(map[string]map[string]bool)
		}
		if p.votes[action][tx.To] == nil {
			p.votes[action][tx.To] = make(map[string]bool)
		}
		p.votes[action][tx.To][tx.From] = true

		if len(p.votes[action][tx.To]) >= quorum {
			p.applyGovernance(state, action, tx.To)
			delete(p.votes[action], tx.To)
		}
	}
}

func (p *PoA) applyGovernance(state core.State, action voteAction, target string) {
	v, err := state.GetValidator(target)
	if err != nil {
		return
	}
	switch action {
	case voteAdd:
		if v == nil {
			v = &core.Validator{Address: target}
		}
		v.Active = true
		_ = state.SetValidator(v)
	case voteRemove:
		if v == nil {
			return
		}
		v.Active = false
		_ = state.SetValidator(v)
	}
}

// ConsensusType identifies this engine for RPC/status reporting.
func (p *PoA) ConsensusType() string { return "poa" }

// Info returns engine status for RPC/debugging.
func (p *PoA) Info() map[string]any {
	return map[string]any{"type": "poa", "quorum_ratio": p.quorumRatio}
}

// ForkChoiceScore is simply chain length under PoA: the longest chain of
// validly-signed, round-robin-correct blocks wins.
func (p *PoA) ForkChoiceScore(chain []*core.Block) *big.Int {
	return big.NewInt(int64(len(chain)))
}

// IsBetterChain reports whether candidate is strictly longer than current.
func (p *PoA) IsBetterChain(current, candidate []*core.Block) bool {
	return p.ForkChoiceScore(candidate).Cmp(p.ForkChoiceScore(current)) > 0
}

// SlashingRatio is 0: PoA has no staking, hence nothing to slash.
func (p *PoA) SlashingRatio() float64 { return 0 }

// BlockReward is 0: PoA producers are compensated by transaction fees only.
func (p *PoA) BlockReward() uint64 { return 0 }

// ProducerAddress is this node's own validator identity, or empty if it
// holds no key and therefore never produces blocks.
func (p *PoA) ProducerAddress() string { return p.pubKeyHex }
