package tests

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radeonares/bdlm/consensus"
	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/internal/testutil"
)

// buildPoWChain returns a Blockchain on a fresh PoW engine at difficulty 0
// (every nonce meets the target, so ProduceBlock never spins) advanced to
// height via repeated ProduceBlock calls.
func buildPoWChain(t *testing.T, miner string, height int) *core.Blockchain {
	t.Helper()
	state := testutil.NewStateDB()
	store := testutil.NewMemBlockStore()
	mp := core.NewMempool(core.DefaultMempoolConfig())
	engine := consensus.NewPoW(miner, 0)
	bc := core.NewBlockchain(store, state, mp, engine, testChainID)

	genesis := core.NewBlock(0, core.GenesisPrevHash, "", testChainID, nil)
	genesis.Header.StateRoot = state.ComputeRoot()
	genesis.Header.Hash = genesis.ComputeHash()
	require.NoError(t, bc.AddGenesis(genesis))

	for i := 0; i < height; i++ {
		_, err := bc.ProduceBlock()
		require.NoError(t, err)
	}
	return bc
}

// replayRewards applies block's only state effect under a transaction-free
// PoW chain (the fixed block reward credited to its producer, plus an epoch
// tick every core.EpochLength blocks) to state, mirroring exactly what
// core.Blockchain.isValidChain computes for each candidate block so a test
// fixture's Header.StateRoot matches what TryReorg independently recomputes.
func replayRewards(state core.State, block *core.Block, blockReward uint64) {
	if block.Header.Producer != "" && blockReward > 0 {
		acc, _ := state.GetAccount(block.Header.Producer)
		acc.Balance += blockReward
		_ = state.SetAccount(acc)
	}
	if block.Header.Index > 0 && block.Header.Index%core.EpochLength == 0 {
		_ = core.AdvanceEpoch(state, block.Header.Timestamp/1000)
	}
}

// forkSuffix builds count blocks diverging from the tip of prefix under
// producer, a different address than whatever produced the original chain
// so every hash in the suffix differs from the original chain's block at the
// same height. TryReorg's isValidChain re-derives state_root by replaying
// every block of the candidate from genesis, so each fork block here carries
// a genuine state_root computed the same way: prefix is replayed into a
// fresh state first to reconstruct the state as of the fork point, then each
// new block's reward is applied before its root is taken.
func forkSuffix(prefix []*core.Block, count int, producer string, chainID uint64) []*core.Block {
	blockReward := consensus.DefaultPoWConfig().BlockReward
	state := testutil.NewStateDB()
	for _, b := range prefix {
		for _, tx := range b.Transactions {
			_ = core.ApplyTransaction(state, tx)
		}
		replayRewards(state, b, blockReward)
	}

	prev := prefix[len(prefix)-1]
	out := make([]*core.Block, 0, count)
	for i := 1; i <= count; i++ {
		b := core.NewBlock(prev.Header.Index+1, prev.Header.Hash, producer, chainID, nil)
		b.Header.Timestamp = prev.Header.Timestamp + int64(i)*2000
		replayRewards(state, b, blockReward)
		b.Header.StateRoot = state.ComputeRoot()
		b.Header.Hash = b.ComputeHash()
		out = append(out, b)
		prev = b
	}
	return out
}

// TestTryReorgAcceptsForkWithinFinalityDepth forks a 60-block chain at
// height 20 (depth 40, within both MaxReorgDepth and FinalityDepth) with a
// longer, higher-scoring candidate and expects the switch to succeed.
func TestTryReorgAcceptsForkWithinFinalityDepth(t *testing.T) {
	bc := buildPoWChain(t, "miner-a", 60)
	original := bc.ChainSnapshot()
	require.Len(t, original, 61)

	const forkHeight = 20
	candidate := append([]*core.Block{}, original[:forkHeight+1]...)
	candidate = append(candidate, forkSuffix(candidate, 60, "miner-b", testChainID)...)

	require.NoError(t, bc.TryReorg(candidate))
	assert.Equal(t, uint64(80), bc.Height())
	assert.Equal(t, "miner-b", bc.Tip().Header.Producer)
}

// TestTryReorgRejectsForkBeyondFinalityDepth forks the same 60-block chain
// at height 5 (depth 55: within MaxReorgDepth of 100 but beyond the
// FinalityDepth of 50) and expects TryReorg to refuse the switch, leaving
// the original chain in place.
func TestTryReorgRejectsForkBeyondFinalityDepth(t *testing.T) {
	bc := buildPoWChain(t, "miner-a", 60)
	original := bc.ChainSnapshot()
	require.Len(t, original, 61)

	const forkHeight = 5
	candidate := append([]*core.Block{}, original[:forkHeight+1]...)
	candidate = append(candidate, forkSuffix(candidate, 60, "miner-b", testChainID)...)

	err := bc.TryReorg(candidate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finality")
	assert.Equal(t, uint64(60), bc.Height())
}

// TestTryReorgRejectsInvalidCandidateBlock builds a candidate that is
// otherwise a longer, better-scoring fork but tampers with one block's
// state_root after the fact (as an attacker forging a self-consistent but
// semantically wrong chain would), and expects isValidChain to catch the
// mismatch and reject the whole reorg, leaving the original chain in place.
func TestTryReorgRejectsInvalidCandidateBlock(t *testing.T) {
	bc := buildPoWChain(t, "miner-a", 10)
	original := bc.ChainSnapshot()
	require.Len(t, original, 11)

	const forkHeight = 2
	candidate := append([]*core.Block{}, original[:forkHeight+1]...)
	suffix := forkSuffix(candidate, 20, "miner-b", testChainID)

	// Corrupt one block's state_root and recompute only its own hash, the
	// way a forged chain that is self-consistent (VerifyIntegrity passes)
	// but semantically wrong would look.
	tampered := suffix[len(suffix)/2]
	tampered.Header.StateRoot = fmt.Sprintf("forged-%d", tampered.Header.Index)
	tampered.Header.Hash = tampered.ComputeHash()
	candidate = append(candidate, suffix...)

	err := bc.TryReorg(candidate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_root mismatch")
	assert.Equal(t, uint64(10), bc.Height())
}
