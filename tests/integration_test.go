package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radeonares/bdlm/config"
	"github.com/radeonares/bdlm/consensus"
	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/events"
	"github.com/radeonares/bdlm/indexer"
	"github.com/radeonares/bdlm/internal/testutil"
	"github.com/radeonares/bdlm/network"
	"github.com/radeonares/bdlm/rpc"
	"github.com/radeonares/bdlm/storage"
	"github.com/radeonares/bdlm/wallet"
)

func newTestWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.Generate()
	require.NoError(t, err)
	return w
}

// rpcCall sends a JSON-RPC request over HTTP and decodes the result.
func rpcCall(t *testing.T, url, method string, params any) json.RawMessage {
	t.Helper()
	body := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &rpcResp), "raw: %s", raw)
	require.Nil(t, rpcResp.Error, "rpc %s error: %+v", method, rpcResp.Error)
	return rpcResp.Result
}

// waitHeight polls getBlockHeight until it reaches at least target or the
// deadline expires.
func waitHeight(t *testing.T, url string, target uint64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		result := rpcCall(t, url, "getBlockHeight", map[string]any{})
		var h uint64
		_ = json.Unmarshal(result, &h)
		if h >= target {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for height %d", target)
}

// startTestNode wires a full in-memory node (blockchain + mempool + PoW
// consensus + P2P + RPC) listening on random ports, and starts a background
// loop that calls ProduceBlock on a short tick. It returns the node's RPC
// endpoint URL and its Blockchain; shutdown is registered with t.Cleanup.
func startTestNode(t *testing.T, miner *wallet.Wallet, alloc map[string]uint64) (rpcURL string, bc *core.Blockchain) {
	t.Helper()

	db := testutil.NewMemDB()
	state := storage.NewStateDB(db)
	blockStore := testutil.NewMemBlockStore()
	mempool := core.NewMempool(core.DefaultMempoolConfig())
	engine := consensus.NewPoW(miner.PubKey(), 1)
	bc = core.NewBlockchain(blockStore, state, mempool, engine, testChainID)
	require.NoError(t, bc.Init())

	cfg := &config.Config{
		NodeID:  "test-node",
		DataDir: t.TempDir(),
		Genesis: config.GenesisConfig{ChainID: testChainID, Alloc: alloc},
	}
	genesis, err := config.CreateGenesisBlock(cfg, state, miner.PrivKey())
	require.NoError(t, err)
	require.NoError(t, bc.AddGenesis(genesis))

	log := zap.NewNop()
	emitter := events.NewEmitter(log)
	bc.SetEmitter(emitter)
	idx := indexer.New(db, emitter, log)

	node := network.NewNode("test-node", ":0", bc, mempool, nil, log)
	require.NoError(t, node.Start())
	pruner := storage.NewPruningManager(10_000, 1_000, t.TempDir())
	syncer := network.NewSyncer(node, bc, pruner, log)

	handler := rpc.NewHandler(bc, mempool, state, idx, testChainID)
	rpcServer := rpc.NewServer(":0", handler, "", log)
	require.NoError(t, rpcServer.Start())
	url := fmt.Sprintf("http://%s/rpc", rpcServer.Addr().String())

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, err := bc.ProduceBlock(); err == nil {
					syncer.AnnounceTip()
				}
			}
		}
	}()

	t.Cleanup(func() {
		close(done)
		rpcServer.Stop()
		node.Stop()
	})
	return url, bc
}

// TestNodeMinesSubmittedTransaction drives a full node end-to-end over its
// RPC surface: submit a signed transfer, wait for it to be mined, and check
// the resulting balances.
func TestNodeMinesSubmittedTransaction(t *testing.T) {
	miner := newTestWallet(t)
	alice := newTestWallet(t)
	bob := newTestWallet(t)

	url, _ := startTestNode(t, miner, map[string]uint64{alice.PubKey(): 10_000})
	waitHeight(t, url, 1)

	tx := alice.Transfer(bob.PubKey(), 500, 2, 0, testChainID)
	data, err := json.Marshal(tx)
	require.NoError(t, err)
	result := rpcCall(t, url, "sendTx", json.RawMessage(data))
	var sent struct {
		TxHash string `json:"tx_hash"`
	}
	require.NoError(t, json.Unmarshal(result, &sent))
	assert.Equal(t, tx.Hash, sent.TxHash)

	require.Eventually(t, func() bool {
		result := rpcCall(t, url, "getBalance", map[string]string{"address": bob.PubKey()})
		var out struct {
			Balance uint64 `json:"balance"`
		}
		_ = json.Unmarshal(result, &out)
		return out.Balance == 500
	}, 10*time.Second, 50*time.Millisecond, "bob's balance should reach 500")

	result = rpcCall(t, url, "getBalance", map[string]string{"address": alice.PubKey()})
	var aliceOut struct {
		Balance uint64 `json:"balance"`
		Nonce   uint64 `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(result, &aliceOut))
	assert.Equal(t, uint64(10_000-500-2), aliceOut.Balance)
	assert.Equal(t, uint64(1), aliceOut.Nonce)
}

// TestGetTransactionsByAddressReflectsMinedTransfer verifies that a mined
// transfer shows up in both the sender's and recipient's address index,
// confirming the indexer's subscription to committed-block tx-applied
// events actually fires (rather than just being registered but never fed).
func TestGetTransactionsByAddressReflectsMinedTransfer(t *testing.T) {
	miner := newTestWallet(t)
	alice := newTestWallet(t)
	bob := newTestWallet(t)

	url, _ := startTestNode(t, miner, map[string]uint64{alice.PubKey(): 10_000})
	waitHeight(t, url, 1)

	tx := alice.Transfer(bob.PubKey(), 500, 2, 0, testChainID)
	data, err := json.Marshal(tx)
	require.NoError(t, err)
	rpcCall(t, url, "sendTx", json.RawMessage(data))

	require.Eventually(t, func() bool {
		result := rpcCall(t, url, "getTransactionsByAddress", map[string]string{"address": bob.PubKey()})
		var hashes []string
		_ = json.Unmarshal(result, &hashes)
		return len(hashes) == 1 && hashes[0] == tx.Hash
	}, 10*time.Second, 50*time.Millisecond, "bob's tx index should contain the mined transfer")

	result := rpcCall(t, url, "getTransactionsByAddress", map[string]string{"address": alice.PubKey()})
	var aliceHashes []string
	require.NoError(t, json.Unmarshal(result, &aliceHashes))
	assert.Equal(t, []string{tx.Hash}, aliceHashes)
}

// TestRPCRejectsUnsignedTransaction verifies sendTx rejects a transaction
// whose signature doesn't verify, instead of silently admitting it to the
// mempool.
func TestRPCRejectsUnsignedTransaction(t *testing.T) {
	miner := newTestWallet(t)
	url, _ := startTestNode(t, miner, nil)
	waitHeight(t, url, 1)

	alice := newTestWallet(t)
	tx := core.NewTransaction(core.TxTransfer, alice.PubKey(), "deadbeef", 1, 1, 0, nil, time.Now().UnixMilli(), testChainID)
	// Deliberately not signed: tx.Hash/Signature are left empty.
	data, err := json.Marshal(tx)
	require.NoError(t, err)

	body := map[string]any{"jsonrpc": "2.0", "method": "sendTx", "params": json.RawMessage(data), "id": 1}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpcResp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, rpcResp.Error.Code)
}

// TestPoARoundRobinValidation exercises the PoA engine's proposer-rotation
// rule directly: a block signed by the validator whose turn it is validates,
// one signed by any other validator for the same slot does not.
func TestPoARoundRobinValidation(t *testing.T) {
	db := testutil.NewMemDB()
	state := storage.NewStateDB(db)

	v1 := newTestWallet(t)
	v2 := newTestWallet(t)
	addrs := []string{v1.PubKey(), v2.PubKey()}
	for _, a := range addrs {
		require.NoError(t, state.SetValidator(&core.Validator{Address: a, Stake: 0, Active: true}))
	}

	active, err := state.GetActiveValidators()
	require.NoError(t, err)
	require.Len(t, active, 2)
	expected := active[1%len(active)] // height 1's expected proposer

	var proposer *wallet.Wallet
	if expected.Address == v1.PubKey() {
		proposer = v1
	} else {
		proposer = v2
	}
	engine := consensus.NewPoA(proposer.PrivKey(), 0.67)

	block := core.NewBlock(1, core.GenesisPrevHash, proposer.PubKey(), testChainID, nil)
	block.Header.StateRoot = state.ComputeRoot()
	require.NoError(t, engine.PrepareBlock(block, state))
	assert.NoError(t, engine.ValidateBlock(block, nil, state))

	// A block for the same slot "produced" by the other validator must be
	// rejected by ValidateBlock even though its own signature is valid.
	wrongProducer := v1
	if proposer == v1 {
		wrongProducer = v2
	}
	badBlock := core.NewBlock(1, core.GenesisPrevHash, wrongProducer.PubKey(), testChainID, nil)
	badBlock.Header.StateRoot = state.ComputeRoot()
	badBlock.Sign(wrongProducer.PrivKey())
	assert.Error(t, engine.ValidateBlock(badBlock, nil, state))
}

// TestPoAGovernanceVoteAdmitsValidatorAtQuorum drives RecordBlock with Vote
// transactions from a majority of the active set and checks the target
// becomes active only once quorum is reached, not before.
func TestPoAGovernanceVoteAdmitsValidatorAtQuorum(t *testing.T) {
	db := testutil.NewMemDB()
	state := storage.NewStateDB(db)

	v1 := newTestWallet(t)
	v2 := newTestWallet(t)
	v3 := newTestWallet(t)
	candidate := newTestWallet(t)
	for _, w := range []*wallet.Wallet{v1, v2, v3} {
		require.NoError(t, state.SetValidator(&core.Validator{Address: w.PubKey(), Active: true}))
	}

	engine := consensus.NewPoA(nil, 0.67) // quorum = ceil(3*0.67) = 3

	vote := func(voter *wallet.Wallet, nonce uint64) *core.Transaction {
		return voter.VoteAdd(candidate.PubKey(), 1, nonce, testChainID)
	}

	block1 := &core.Block{Transactions: []*core.Transaction{vote(v1, 0)}}
	engine.RecordBlock(block1, state)
	notYet, err := state.GetValidator(candidate.PubKey())
	require.NoError(t, err)
	assert.Nil(t, notYet)

	block2 := &core.Block{Transactions: []*core.Transaction{vote(v2, 0)}}
	engine.RecordBlock(block2, state)
	stillNot, err := state.GetValidator(candidate.PubKey())
	require.NoError(t, err)
	assert.Nil(t, stillNot)
	activeSet, err := state.GetActiveValidators()
	require.NoError(t, err)
	assert.Len(t, activeSet, 3, "candidate must not join the active set below quorum")

	block3 := &core.Block{Transactions: []*core.Transaction{vote(v3, 0)}}
	engine.RecordBlock(block3, state)
	admitted, err := state.GetValidator(candidate.PubKey())
	require.NoError(t, err)
	require.NotNil(t, admitted)
	assert.True(t, admitted.Active)
}

// TestPoSEquivocationProducesVerifiableSlashingEvidence drives two distinct,
// genuinely signed blocks from the same validator at the same slot through
// the PoS engine's own equivocation detection (RecordBlock), confirms the
// engine embeds exactly one SlashingEvidence in the next block it prepares,
// that the evidence's own Verify() (real Ed25519 checks, not a stub) passes,
// and that applying it slashes and jails the double-signing validator.
func TestPoSEquivocationProducesVerifiableSlashingEvidence(t *testing.T) {
	db := testutil.NewMemDB()
	state := storage.NewStateDB(db)
	v := newTestWallet(t)
	require.NoError(t, state.SetValidator(&core.Validator{Address: v.PubKey(), Stake: 5000, Active: true}))

	cfg := consensus.DefaultPoSConfig()
	engine := consensus.NewPoS(v.PrivKey(), cfg)

	block1 := core.NewBlock(1, core.GenesisPrevHash, v.PubKey(), testChainID, nil)
	block1.Header.StateRoot = state.ComputeRoot()
	block1.Header.Timestamp = 1_000
	block1.Sign(v.PrivKey())
	engine.RecordBlock(block1, state)

	// A second, distinctly-timestamped block for the very same (producer,
	// slot) is equivocation: same producer, same index, different hash.
	block2 := core.NewBlock(1, core.GenesisPrevHash, v.PubKey(), testChainID, nil)
	block2.Header.StateRoot = state.ComputeRoot()
	block2.Header.Timestamp = 2_000
	block2.Sign(v.PrivKey())
	require.NotEqual(t, block1.Header.Hash, block2.Header.Hash)
	engine.RecordBlock(block2, state)

	info := engine.Info()
	assert.Equal(t, 1, info["pending_evidence"])

	next := core.NewBlock(2, block2.Header.Hash, v.PubKey(), testChainID, nil)
	next.Header.StateRoot = state.ComputeRoot()
	require.NoError(t, engine.PrepareBlock(next, state))
	require.Len(t, next.Header.SlashingEvidence, 1)

	ev := next.Header.SlashingEvidence[0]
	require.NoError(t, ev.Verify())

	require.NoError(t, core.ApplySlashing(state, []*core.SlashingEvidence{ev}, engine.SlashingRatio(), time.Now().Unix()))

	slashed, err := state.GetValidator(v.PubKey())
	require.NoError(t, err)
	assert.True(t, slashed.Slashed)
	assert.True(t, slashed.Jailed)
	assert.Less(t, slashed.Stake, uint64(5000))
}
