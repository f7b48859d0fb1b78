package tests

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radeonares/bdlm/consensus"
	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/events"
	"github.com/radeonares/bdlm/indexer"
	"github.com/radeonares/bdlm/internal/testutil"
	"github.com/radeonares/bdlm/rpc"
	"github.com/radeonares/bdlm/storage"
)

// newTestRPCHandler builds an RPC handler backed by in-memory state.
func newTestRPCHandler(t *testing.T) *rpc.Handler {
	t.Helper()
	db := testutil.NewMemDB()
	state := storage.NewStateDB(db)
	blockStore := testutil.NewMemBlockStore()
	mp := core.NewMempool(core.DefaultMempoolConfig())
	engine := consensus.NewPoW("", 1)
	bc := core.NewBlockchain(blockStore, state, mp, engine, testChainID)
	log := zap.NewNop()
	emitter := events.NewEmitter(log)
	idx := indexer.New(db, emitter, log)
	return rpc.NewHandler(bc, mp, state, idx, testChainID)
}

func dispatch(handler *rpc.Handler, method string, params any) rpc.Response {
	raw, _ := json.Marshal(params)
	return handler.Dispatch(rpc.Request{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  raw,
	})
}

// TestRPCGetBlockHeight verifies that getBlockHeight returns 0 for a fresh chain.
func TestRPCGetBlockHeight(t *testing.T) {
	handler := newTestRPCHandler(t)
	resp := dispatch(handler, "getBlockHeight", struct{}{})
	require.Nil(t, resp.Error)

	// Dispatch is called directly (no HTTP round-trip), so result is uint64, not float64.
	var height uint64
	switch v := resp.Result.(type) {
	case uint64:
		height = v
	case float64:
		height = uint64(v)
	default:
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	assert.Equal(t, uint64(0), height)
}

// TestRPCGetBalance verifies getBalance returns zero for an unknown account.
func TestRPCGetBalance(t *testing.T) {
	handler := newTestRPCHandler(t)
	resp := dispatch(handler, "getBalance", map[string]string{"address": "nonexistent"})
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok, "unexpected result type %T", resp.Result)
	balance, ok := result["balance"].(uint64)
	require.True(t, ok, "unexpected balance type %T", result["balance"])
	assert.Equal(t, uint64(0), balance)
}

// TestRPCGetMempoolSize verifies getMempoolSize returns 0 for an empty mempool.
func TestRPCGetMempoolSize(t *testing.T) {
	handler := newTestRPCHandler(t)
	resp := dispatch(handler, "getMempoolSize", struct{}{})
	require.Nil(t, resp.Error)
	size, ok := resp.Result.(int)
	require.True(t, ok, "unexpected result type %T", resp.Result)
	assert.Equal(t, 0, size)
}

// TestRPCSendTxRejectsWrongChain verifies sendTx rejects a transaction signed
// for a different chain ID.
func TestRPCSendTxRejectsWrongChain(t *testing.T) {
	handler := newTestRPCHandler(t)
	w := newTestWallet(t)
	tx := w.Transfer("deadbeef", 1, 1, 0, testChainID+1)

	resp := dispatch(handler, "sendTx", tx)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

// TestRPCMethodNotFound verifies that unknown methods return a -32601 error.
func TestRPCMethodNotFound(t *testing.T) {
	handler := newTestRPCHandler(t)
	resp := dispatch(handler, "nonExistentMethod", struct{}{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
}
