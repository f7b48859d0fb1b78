package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// SeedPeer identifies a remote node to connect to on startup.
type SeedPeer struct {
	ID   string `json:"id"`   // remote node ID
	Addr string `json:"addr"` // host:port
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID uint64            `json:"chain_id"`
	Alloc   map[string]uint64 `json:"alloc"` // pubkey hex → initial balance
}

// ConsensusConfig selects and tunes the pluggable consensus engine.
type ConsensusConfig struct {
	Type string `json:"type"` // "pow" | "poa" | "pos"

	// PoW
	Difficulty         int    `json:"difficulty,omitempty"`
	TargetBlockTimeSec uint64 `json:"target_block_time_sec,omitempty"`
	AdjustmentInterval uint64 `json:"adjustment_interval,omitempty"`
	BlockReward        uint64 `json:"block_reward,omitempty"`

	// PoA
	QuorumRatio float64 `json:"quorum_ratio,omitempty"`

	// PoS
	MinStake          uint64  `json:"min_stake,omitempty"`
	SlotDurationSec   uint64  `json:"slot_duration_sec,omitempty"`
	EpochLength       uint64  `json:"epoch_length,omitempty"`
	AnnualRewardRate  float64 `json:"annual_reward_rate,omitempty"`
	DoubleSignPenalty float64 `json:"double_sign_penalty,omitempty"`
}

// Config holds all node configuration.
type Config struct {
	NodeID       string          `json:"node_id"`
	DataDir      string          `json:"data_dir"`
	RPCPort      int             `json:"rpc_port"`
	P2PPort      int             `json:"p2p_port"`
	MaxBlockTxs  int             `json:"max_block_txs"` // not read; the per-block cap is core.MaxBlockTxs
	Validators   []string        `json:"validators"`    // PoA authority set / PoS initial validator hints
	Consensus    ConsensusConfig `json:"consensus"`
	Genesis      GenesisConfig   `json:"genesis"`
	SeedPeers    []SeedPeer      `json:"seed_peers,omitempty"`     // initial peers to connect to
	TLS          *TLSConfig      `json:"tls,omitempty"`            // nil → plain TCP
	RPCAuthToken string          `json:"rpc_auth_token,omitempty"` // empty → no auth

	// Pruning
	MinBlocksToKeep  uint64 `json:"min_blocks_to_keep,omitempty"`  // blocks nearest the tip never listed as prunable
	SnapshotInterval uint64 `json:"snapshot_interval,omitempty"`
	SnapshotDir      string `json:"snapshot_dir,omitempty"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:      "node0",
		DataDir:     "./data",
		RPCPort:     8545,
		P2PPort:     30303,
		MaxBlockTxs: 500,
		Consensus: ConsensusConfig{
			Type:               "pow",
			Difficulty:         2,
			TargetBlockTimeSec: 10,
			AdjustmentInterval: 100,
			BlockReward:        50,
			QuorumRatio:        0.67,
			MinStake:           1000,
			SlotDurationSec:    6,
			EpochLength:        32,
			AnnualRewardRate:   0.05,
			DoubleSignPenalty:  0.50,
		},
		Genesis: GenesisConfig{
			ChainID: 1,
			Alloc:   map[string]uint64{},
		},
		MinBlocksToKeep:  10_000,
		SnapshotInterval: 1_000,
		SnapshotDir:      "./data/snapshots",
	}
}

// Load reads a JSON config file from path and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Genesis.ChainID == 0 {
		return fmt.Errorf("genesis.chain_id must not be zero")
	}
	if c.RPCPort <= 0 || c.RPCPort > 65535 {
		return fmt.Errorf("rpc_port must be 1-65535, got %d", c.RPCPort)
	}
	if c.P2PPort <= 0 || c.P2PPort > 65535 {
		return fmt.Errorf("p2p_port must be 1-65535, got %d", c.P2PPort)
	}
	if c.RPCPort == c.P2PPort {
		return fmt.Errorf("rpc_port and p2p_port must not be the same (%d)", c.RPCPort)
	}
	switch c.Consensus.Type {
	case "pow", "poa", "pos":
	default:
		return fmt.Errorf("consensus.type must be one of pow, poa, pos, got %q", c.Consensus.Type)
	}
	if c.Consensus.Type == "poa" && len(c.Validators) == 0 {
		return fmt.Errorf("validators list must not be empty for poa consensus")
	}
	for i, v := range c.Validators {
		b, err := hex.DecodeString(v)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("validators[%d]: must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, v)
		}
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
