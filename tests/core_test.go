package tests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/crypto"
	"github.com/radeonares/bdlm/wallet"
)

const testChainID uint64 = 7

// TestKeyGenAndAddress verifies that key generation and address derivation work.
func TestKeyGenAndAddress(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	assert.Len(t, pub.Hex(), 64)
	assert.Len(t, pub.Address(), 40)
	assert.Equal(t, pub.Hex(), priv.Public().Hex(), "derived public key should match")
}

// TestSignVerify ensures Sign/Verify round-trips correctly.
func TestSignVerify(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	data := []byte("hello ledger")
	sig := crypto.Sign(priv, data)
	assert.NoError(t, crypto.Verify(pub, data, sig))
	assert.Error(t, crypto.Verify(pub, []byte("tampered"), sig))
}

// TestTransactionSignVerify ensures transaction signing and verification work.
func TestTransactionSignVerify(t *testing.T) {
	w, err := wallet.Generate()
	require.NoError(t, err)

	tx := w.Transfer("deadbeef", 100, 1, 0, testChainID)
	assert.NotEmpty(t, tx.Hash, "tx hash should be set after signing")
	assert.NoError(t, tx.Verify())

	// Tamper with the fee to check that verification catches it.
	tx.Fee = 999
	assert.Error(t, tx.Verify(), "tampered tx should fail verification")
}

// TestBlockHash ensures that hashing a block is deterministic.
func TestBlockHash(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	block := core.NewBlock(1, "0000", pub.Hex(), testChainID, nil)
	block.Sign(priv)

	assert.NotEmpty(t, block.Header.Hash, "hash should be set after signing")
	assert.Equal(t, block.Header.Hash, block.ComputeHash())
}

// TestMempool verifies add/remove/pending operations.
func TestMempool(t *testing.T) {
	mp := core.NewMempool(core.DefaultMempoolConfig())
	w, err := wallet.Generate()
	require.NoError(t, err)

	tx := w.Transfer("aa", 1, 1, 0, testChainID)
	require.NoError(t, mp.Add(tx))
	assert.Equal(t, 1, mp.Size())

	// Duplicate should fail.
	assert.Error(t, mp.Add(tx))

	pending := mp.GetSortedTransactions(10)
	assert.Len(t, pending, 1)

	mp.RemoveTransaction(tx.Hash)
	assert.Equal(t, 0, mp.Size())
}

// TestMempoolReplaceByFee verifies a higher-fee transaction from the same
// sender/nonce replaces the original once it clears the RBF bump threshold.
func TestMempoolReplaceByFee(t *testing.T) {
	mp := core.NewMempool(core.DefaultMempoolConfig())
	w, err := wallet.Generate()
	require.NoError(t, err)

	original := w.Transfer("aa", 1, 10, 0, testChainID)
	require.NoError(t, mp.Add(original))

	// Fee 10 is below the required 10 + ceil(10*10%) = 11; amount 2 keeps
	// its hash distinct from the original's.
	tooLow := w.Transfer("aa", 2, 10, 0, testChainID)
	assert.ErrorIs(t, mp.Add(tooLow), core.ErrRBFFeeTooLow)

	replacement := w.Transfer("aa", 1, 20, 0, testChainID)
	require.NoError(t, mp.Add(replacement))
	assert.Equal(t, 1, mp.Size())

	got, ok := mp.Get(replacement.Hash)
	require.True(t, ok)
	assert.Equal(t, replacement.Hash, got.Hash)

	_, stillThere := mp.Get(original.Hash)
	assert.False(t, stillThere, "original transaction should have been evicted by RBF")
}

// TestMempoolExpiry verifies CleanupExpired evicts transactions past their TTL.
func TestMempoolExpiry(t *testing.T) {
	cfg := core.DefaultMempoolConfig()
	cfg.TxTTL = time.Millisecond
	mp := core.NewMempool(cfg)
	w, err := wallet.Generate()
	require.NoError(t, err)

	tx := w.Transfer("aa", 1, 1, 0, testChainID)
	require.NoError(t, mp.Add(tx))
	time.Sleep(5 * time.Millisecond)
	mp.CleanupExpired()
	assert.Equal(t, 0, mp.Size())
}
