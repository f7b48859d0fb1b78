package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/network"
	"github.com/radeonares/bdlm/wallet"
)

// replDeps bundles the subsystems an interactive stdin command needs to act
// on, all already owned and running inside runNode.
type replDeps struct {
	bc      *core.Blockchain
	state   core.State
	node    *network.Node
	syncer  *network.Syncer
	mempool *core.Mempool
	self    *wallet.Wallet
	chainID uint64
	log     *zap.Logger
}

// runREPL reads one command per line from stdin until EOF or done closes,
// mirroring the stdin command loop original_source/src/main.rs runs
// alongside its network event loop (there via tokio::select!, here via a
// goroutine feeding a channel the select reads from) so it never blocks the
// signal-driven shutdown path in runNode.
func runREPL(deps replDeps, done <-chan struct{}) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println("interactive commands ready — type help for a list")
	for {
		select {
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			deps.runCommand(strings.TrimSpace(line))
		}
	}
}

func (d replDeps) runCommand(cmd string) {
	switch cmd {
	case "tx":
		d.sendDemoTx()
	case "block", "mine":
		d.mine()
	case "chain":
		d.printChain()
	case "peers":
		d.printPeers()
	case "sync":
		d.requestSync()
	case "", "help":
		printREPLHelp()
	default:
		fmt.Printf("unknown command %q, type help for a list\n", cmd)
	}
}

func printREPLHelp() {
	fmt.Println("commands:")
	fmt.Println("  tx    - sign and broadcast a small demo transfer from this node's key")
	fmt.Println("  mine  - produce a block now (block is an alias)")
	fmt.Println("  chain - print height, tip hash, and producer")
	fmt.Println("  peers - list connected peers and their reputation score")
	fmt.Println("  sync  - pull any blocks connected peers have that we don't")
	fmt.Println("  help  - show this list")
}

// sendDemoTx builds a minimum-fee, 1-unit transfer to a fixed demo
// recipient from this node's own validator key, the same shape of no-op
// traffic the Rust original's "tx" command generates, signs it, and
// broadcasts it the way rpc.Handler's sendTx does: add to the local
// mempool first, then gossip to peers. sendTx's chain-ID, field and
// signature checks are not run here.
func (d replDeps) sendDemoTx() {
	acc, err := d.state.GetAccount(d.self.PubKey())
	if err != nil {
		fmt.Printf("tx: %v\n", err)
		return
	}
	tx := d.self.Transfer("demo-recipient", 1, core.MinTxFee, acc.Nonce, d.chainID)
	if err := d.mempool.Add(tx); err != nil {
		fmt.Printf("tx: %v\n", err)
		return
	}
	d.node.BroadcastTx(tx)
	fmt.Printf("broadcast tx %s (nonce %d)\n", tx.Hash, tx.Nonce)
}

func (d replDeps) mine() {
	block, err := d.bc.ProduceBlock()
	if err != nil {
		fmt.Printf("mine: %v\n", err)
		return
	}
	d.syncer.BroadcastNewBlock(block)
	fmt.Printf("produced block %d (%s), %d tx\n", block.Header.Index, block.Header.Hash, len(block.Transactions))
}

func (d replDeps) printChain() {
	tip := d.bc.Tip()
	if tip == nil {
		fmt.Println("chain is empty")
		return
	}
	fmt.Printf("height=%d hash=%s producer=%q chain_id=%d\n", tip.Header.Index, tip.Header.Hash, tip.Header.Producer, d.bc.ChainID())
}

func (d replDeps) printPeers() {
	peers := d.node.Peers()
	if len(peers) == 0 {
		fmt.Println("no connected peers")
		return
	}
	for _, p := range peers {
		fmt.Printf("  %s  %s  score=%d\n", p.ID, p.Addr, d.node.Scores().Score(p.ID))
	}
}

// requestSync fans SyncFromPeer out across every connected peer, same as
// the broadcast GetBlocks request the Rust original's "sync" command sends;
// here each peer is pulled from independently since the Go protocol is a
// point-to-point request/response rather than a pub/sub broadcast.
func (d replDeps) requestSync() {
	peers := d.node.Peers()
	if len(peers) == 0 {
		fmt.Println("sync: no connected peers")
		return
	}
	for _, p := range peers {
		go func(p *network.Peer) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := d.syncer.SyncFromPeer(ctx, p); err != nil {
				d.log.Warn("manual sync failed", zap.String("peer", p.ID), zap.Error(err))
				return
			}
			fmt.Printf("sync with %s complete, height now %d\n", p.ID, d.bc.Height())
		}(p)
	}
}
