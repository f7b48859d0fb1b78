package tests

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radeonares/bdlm/consensus"
	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/internal/testutil"
	"github.com/radeonares/bdlm/network"
	"github.com/radeonares/bdlm/storage"
)

// waitForPeer polls until n has at least one live, handshaked peer, or fails
// the test.
func waitForPeer(t *testing.T, n *network.Node) *network.Peer {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(n.Peers()) > 0
	}, 5*time.Second, 10*time.Millisecond, "peer should complete handshake")
	return n.Peers()[0]
}

// TestRequestStateSnapshotRoundTrip exercises MsgGetStateSnapshot and
// MsgSnapshotChunk end to end: a server node whose pruner holds a saved
// on-disk snapshot answers a client's RequestStateSnapshot by splitting it
// into chunks, which the client reassembles and self-verifies.
func TestRequestStateSnapshotRoundTrip(t *testing.T) {
	log := zap.NewNop()

	state := testutil.NewStateDB()
	store := testutil.NewMemBlockStore()
	mp := core.NewMempool(core.DefaultMempoolConfig())
	engine := consensus.NewPoW("miner-a", 0)
	bc := core.NewBlockchain(store, state, mp, engine, testChainID)
	genesis := core.NewBlock(0, core.GenesisPrevHash, "", testChainID, nil)
	genesis.Header.StateRoot = state.ComputeRoot()
	genesis.Header.Hash = genesis.ComputeHash()
	require.NoError(t, bc.AddGenesis(genesis))
	for i := 0; i < 3; i++ {
		_, err := bc.ProduceBlock()
		require.NoError(t, err)
	}
	tip := bc.Tip()

	snap := storage.NewStateSnapshot(tip.Header.Index, tip.Header.Hash, testChainID, state, 0, "")
	require.True(t, snap.Verify())

	serverPruner := storage.NewPruningManager(10_000, 1_000, t.TempDir())
	require.NoError(t, serverPruner.SaveSnapshot(snap))

	serverNode := network.NewNode("server", "127.0.0.1:0", bc, mp, nil, log)
	require.NoError(t, serverNode.Start())
	network.NewSyncer(serverNode, bc, serverPruner, log)
	t.Cleanup(serverNode.Stop)

	clientState := testutil.NewStateDB()
	clientStore := testutil.NewMemBlockStore()
	clientMP := core.NewMempool(core.DefaultMempoolConfig())
	clientEngine := consensus.NewPoW("miner-a", 0)
	clientBC := core.NewBlockchain(clientStore, clientState, clientMP, clientEngine, testChainID)
	clientGenesis := core.NewBlock(0, core.GenesisPrevHash, "", testChainID, nil)
	clientGenesis.Header.StateRoot = clientState.ComputeRoot()
	clientGenesis.Header.Hash = clientGenesis.ComputeHash()
	require.NoError(t, clientBC.AddGenesis(clientGenesis))

	clientNode := network.NewNode("client", "127.0.0.1:0", clientBC, clientMP, nil, log)
	require.NoError(t, clientNode.Start())
	clientPruner := storage.NewPruningManager(10_000, 1_000, t.TempDir())
	clientSyncer := network.NewSyncer(clientNode, clientBC, clientPruner, log)
	t.Cleanup(clientNode.Stop)

	require.NoError(t, clientNode.AddPeer("server", serverNode.Addr().String()))
	peer := waitForPeer(t, clientNode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := clientSyncer.RequestStateSnapshot(ctx, peer, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Verify())
	require.Equal(t, snap.SnapshotHash, got.SnapshotHash)
	require.Equal(t, snap.Height, got.Height)
	require.Equal(t, snap.Balances, got.Balances)
}

// TestRequestStateSnapshotNoneAvailable checks that a server with no saved
// snapshot answers with an empty response rather than leaving the request
// hanging, and that the client surfaces this as a nil snapshot.
func TestRequestStateSnapshotNoneAvailable(t *testing.T) {
	log := zap.NewNop()

	state := testutil.NewStateDB()
	store := testutil.NewMemBlockStore()
	mp := core.NewMempool(core.DefaultMempoolConfig())
	engine := consensus.NewPoW("miner-a", 0)
	bc := core.NewBlockchain(store, state, mp, engine, testChainID)
	genesis := core.NewBlock(0, core.GenesisPrevHash, "", testChainID, nil)
	genesis.Header.StateRoot = state.ComputeRoot()
	genesis.Header.Hash = genesis.ComputeHash()
	require.NoError(t, bc.AddGenesis(genesis))

	serverPruner := storage.NewPruningManager(10_000, 1_000, t.TempDir())
	serverNode := network.NewNode("server", "127.0.0.1:0", bc, mp, nil, log)
	require.NoError(t, serverNode.Start())
	_ = network.NewSyncer(serverNode, bc, serverPruner, log)
	t.Cleanup(serverNode.Stop)

	clientState := testutil.NewStateDB()
	clientStore := testutil.NewMemBlockStore()
	clientMP := core.NewMempool(core.DefaultMempoolConfig())
	clientEngine := consensus.NewPoW("miner-a", 0)
	clientBC := core.NewBlockchain(clientStore, clientState, clientMP, clientEngine, testChainID)
	clientGenesis := core.NewBlock(0, core.GenesisPrevHash, "", testChainID, nil)
	clientGenesis.Header.StateRoot = clientState.ComputeRoot()
	clientGenesis.Header.Hash = clientGenesis.ComputeHash()
	require.NoError(t, clientBC.AddGenesis(clientGenesis))

	clientNode := network.NewNode("client", "127.0.0.1:0", clientBC, clientMP, nil, log)
	require.NoError(t, clientNode.Start())
	clientPruner := storage.NewPruningManager(10_000, 1_000, t.TempDir())
	clientSyncer := network.NewSyncer(clientNode, clientBC, clientPruner, log)
	t.Cleanup(clientNode.Stop)

	require.NoError(t, clientNode.AddPeer("server", serverNode.Addr().String()))
	peer := waitForPeer(t, clientNode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := clientSyncer.RequestStateSnapshot(ctx, peer, 0)
	require.NoError(t, err)
	require.Nil(t, got)
}
