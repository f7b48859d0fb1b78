// Command node starts a ledger node: it loads a validator key, opens the
// chain database, wires consensus/network/RPC, and runs until signaled.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/radeonares/bdlm/config"
	"github.com/radeonares/bdlm/consensus"
	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/crypto"
	"github.com/radeonares/bdlm/crypto/certgen"
	"github.com/radeonares/bdlm/events"
	"github.com/radeonares/bdlm/indexer"
	"github.com/radeonares/bdlm/network"
	"github.com/radeonares/bdlm/rpc"
	"github.com/radeonares/bdlm/storage"
	"github.com/radeonares/bdlm/wallet"
)

var (
	cfgPath string
	keyPath string
)

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "Run a ledger validator/observer node",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.json", "path to config file")
	root.PersistentFlags().StringVar(&keyPath, "key", "validator.key", "path to keystore file")

	root.AddCommand(runCmd(), genKeyCmd(), genCertsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func genKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new validator key and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			password := keystorePassword()
			w, err := wallet.Generate()
			if err != nil {
				return err
			}
			if err := wallet.SaveKey(keyPath, password, w.PrivKey()); err != nil {
				return err
			}
			fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
			fmt.Printf("Saved to: %s\n", keyPath)
			return nil
		},
	}
}

func genCertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gencerts <dir>",
		Short: "Generate a CA + node TLS certificate pair into dir and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := certgen.GenerateAll(args[0], cfg.NodeID, nil); err != nil {
				return fmt.Errorf("gencerts: %w", err)
			}
			fmt.Printf("Certificates generated in %s for node %q\n", args[0], cfg.NodeID)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode()
		},
	}
}

func keystorePassword() string {
	password := os.Getenv("BDLM_PASSWORD")
	if password == "" {
		fmt.Fprintln(os.Stderr, "WARNING: BDLM_PASSWORD not set — keystore will use an empty password")
	}
	return password
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func newLogger(dataDir string) (*zap.Logger, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	fileSync := zapcore.AddSync(&lumberjack.Logger{
		Filename:   dataDir + "/node.log",
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	})
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileSync, zapcore.InfoLevel),
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stdout), zapcore.InfoLevel),
	)
	return zap.New(core), nil
}

func buildConsensusEngine(cfg *config.Config, privKey crypto.PrivateKey) (core.ConsensusEngine, error) {
	c := cfg.Consensus
	switch c.Type {
	case "pow":
		reward := ""
		if privKey != nil {
			reward = privKey.Public().Hex()
		}
		return consensus.NewPoWWithConfig(reward, consensus.PoWConfig{
			Difficulty:         c.Difficulty,
			TargetBlockTimeSec: c.TargetBlockTimeSec,
			AdjustmentInterval: c.AdjustmentInterval,
			BlockReward:        c.BlockReward,
		}), nil
	case "poa":
		return consensus.NewPoA(privKey, c.QuorumRatio), nil
	case "pos":
		return consensus.NewPoS(privKey, consensus.PoSConfig{
			MinStake:          c.MinStake,
			SlotDurationSec:   c.SlotDurationSec,
			EpochLength:       c.EpochLength,
			AnnualRewardRate:  c.AnnualRewardRate,
			DoubleSignPenalty: c.DoubleSignPenalty,
			SlashingPenalty:   consensus.DefaultPoSConfig().SlashingPenalty,
			UnbondingEpochs:   consensus.DefaultPoSConfig().UnbondingEpochs,
		}), nil
	default:
		return nil, fmt.Errorf("unknown consensus type %q", c.Type)
	}
}

func runNode() error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, err := newLogger(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	privKey, err := wallet.LoadKey(keyPath, keystorePassword())
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}

	blockStore := storage.NewLevelBlockStore(db)
	state := storage.NewStateDB(db)

	engine, err := buildConsensusEngine(cfg, privKey)
	if err != nil {
		return err
	}

	mempool := core.NewMempool(core.DefaultMempoolConfig())
	bc := core.NewBlockchain(blockStore, state, mempool, engine, cfg.Genesis.ChainID)
	if err := bc.Init(); err != nil {
		return fmt.Errorf("blockchain init: %w", err)
	}

	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			return fmt.Errorf("genesis: %w", err)
		}
		if err := bc.AddGenesis(genesisBlock); err != nil {
			return fmt.Errorf("add genesis: %w", err)
		}
		log.Info("genesis block committed", zap.String("hash", genesisBlock.Header.Hash))
	}

	emitter := events.NewEmitter(log)
	bc.SetEmitter(emitter)
	idx := indexer.New(db, emitter, log)
	pruner := storage.NewPruningManager(cfg.MinBlocksToKeep, cfg.SnapshotInterval, cfg.SnapshotDir)

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if tlsCfg != nil {
		log.Info("mTLS enabled for P2P")
	}

	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, bc, mempool, tlsCfg, log)
	syncer := network.NewSyncer(node, bc, pruner, log)
	if err := node.Start(); err != nil {
		return fmt.Errorf("p2p start: %w", err)
	}
	log.Info("p2p listening", zap.String("addr", p2pAddr))

	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Warn("seed peer dial failed", zap.String("peer", sp.ID), zap.String("addr", sp.Addr), zap.Error(err))
			continue
		}
		log.Info("connected to seed peer", zap.String("peer", sp.ID), zap.String("addr", sp.Addr))
	}

	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, state, idx, cfg.Genesis.ChainID)
	rpcHandler.SetBroadcaster(node)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken, log)
	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	log.Info("rpc listening", zap.String("addr", rpcAddr))
	if cfg.RPCAuthToken != "" {
		log.Info("rpc bearer token authentication enabled")
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		produceLoop(bc, syncer, pruner, state, cfg, log, done)
	}()
	log.Info("consensus running", zap.String("type", cfg.Consensus.Type), zap.String("validator", privKey.Public().Hex()))

	wg.Add(1)
	go func() {
		defer wg.Done()
		runREPL(replDeps{
			bc:      bc,
			state:   state,
			node:    node,
			syncer:  syncer,
			mempool: mempool,
			self:    wallet.New(privKey),
			chainID: cfg.Genesis.ChainID,
			log:     log,
		}, done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	close(done)
	wg.Wait()

	if err := shutdownSubsystems(rpcServer, node, db); err != nil {
		log.Error("error during shutdown", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// shutdownSubsystems stops every long-lived subsystem in dependency order
// (RPC and P2P before the database they both read from) and joins any
// failures with multierr so a single failed Stop doesn't hide the others.
func shutdownSubsystems(rpcServer *rpc.Server, node *network.Node, db *storage.LevelDB) error {
	var err error
	err = multierr.Append(err, rpcServer.Stop())
	node.Stop()
	err = multierr.Append(err, db.Close())
	return err
}

// produceLoop periodically attempts to produce a block. Most attempts on a
// non-proposer PoA/PoS node fail fast (ProducerAddress mismatch / not our
// slot) and are logged at debug level; a PoW engine never declines, so a
// PoW node's attempts fail only on a state or storage error.
func produceLoop(bc *core.Blockchain, syncer *network.Syncer, pruner *storage.PruningManager, state core.State, cfg *config.Config, log *zap.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var latestSnapshotHeight uint64
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			block, err := bc.ProduceBlock()
			if err != nil {
				log.Debug("produce block skipped", zap.Error(err))
				continue
			}
			log.Info("produced block", zap.Uint64("height", block.Header.Index), zap.String("hash", block.Header.Hash))
			syncer.BroadcastNewBlock(block)

			if cfg.SnapshotInterval > 0 && pruner.ShouldCreateSnapshot(block.Header.Index) {
				if sdb, ok := state.(*storage.StateDB); ok {
					snap := storage.NewStateSnapshot(block.Header.Index, block.Header.Hash, cfg.Genesis.ChainID, sdb, block.Header.Index, block.Header.Hash)
					if err := pruner.SaveSnapshot(snap); err != nil {
						log.Warn("snapshot save failed", zap.Error(err))
					} else {
						latestSnapshotHeight = block.Header.Index
						log.Info("snapshot created", zap.Uint64("height", latestSnapshotHeight))
					}
				}
			}
		}
	}
}
