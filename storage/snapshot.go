package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// StateSnapshot is a self-verifying point-in-time capture of every account
// balance and nonce, used to bootstrap a new node or prune old blocks
// without losing the ability to recompute state from a recent checkpoint.
type StateSnapshot struct {
	Height          uint64            `json:"height"`
	BlockHash       string            `json:"block_hash"`
	ChainID         uint64            `json:"chain_id"`
	CreatedAt       int64             `json:"created_at"` // unix milliseconds
	Balances        map[string]uint64 `json:"balances"`
	Nonces          map[string]uint64 `json:"nonces"`
	FinalizedHeight uint64            `json:"finalized_height"`
	FinalizedHash   string            `json:"finalized_hash"`
	SnapshotHash    string            `json:"snapshot_hash"`
}

// NewStateSnapshot captures every account in state as of the current write
// buffer and stamps it with a self-verifying hash.
func NewStateSnapshot(height uint64, blockHash string, chainID uint64, state *StateDB, finalizedHeight uint64, finalizedHash string) *StateSnapshot {
	merged := state.scanPrefix(prefixAccount)
	balances := make(map[string]uint64, len(merged))
	nonces := make(map[string]uint64, len(merged))
	for _, data := range merged {
		var acc struct {
			Address string `json:"address"`
			Balance uint64 `json:"balance"`
			Nonce   uint64 `json:"nonce"`
		}
		if err := json.Unmarshal(data, &acc); err != nil {
			continue
		}
		balances[acc.Address] = acc.Balance
		nonces[acc.Address] = acc.Nonce
	}

	snap := &StateSnapshot{
		Height:          height,
		BlockHash:       blockHash,
		ChainID:         chainID,
		CreatedAt:       time.Now().UnixMilli(),
		Balances:        balances,
		Nonces:          nonces,
		FinalizedHeight: finalizedHeight,
		FinalizedHash:   finalizedHash,
	}
	snap.SnapshotHash = snap.calculateHash()
	return snap
}

func (s *StateSnapshot) calculateHash() string {
	h := sha3.New256()
	var u64 [8]byte

	binary.LittleEndian.PutUint64(u64[:], s.Height)
	h.Write(u64[:])
	h.Write([]byte(s.BlockHash))
	binary.LittleEndian.PutUint64(u64[:], s.ChainID)
	h.Write(u64[:])

	balanceKeys := make([]string, 0, len(s.Balances))
	for k := range s.Balances {
		balanceKeys = append(balanceKeys, k)
	}
	sort.Strings(balanceKeys)
	for _, k := range balanceKeys {
		h.Write([]byte(k))
		binary.LittleEndian.PutUint64(u64[:], s.Balances[k])
		h.Write(u64[:])
	}

	nonceKeys := make([]string, 0, len(s.Nonces))
	for k := range s.Nonces {
		nonceKeys = append(nonceKeys, k)
	}
	sort.Strings(nonceKeys)
	for _, k := range nonceKeys {
		h.Write([]byte(k))
		binary.LittleEndian.PutUint64(u64[:], s.Nonces[k])
		h.Write(u64[:])
	}

	binary.LittleEndian.PutUint64(u64[:], s.FinalizedHeight)
	h.Write(u64[:])
	h.Write([]byte(s.FinalizedHash))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether SnapshotHash matches the snapshot's own contents.
func (s *StateSnapshot) Verify() bool {
	return s.SnapshotHash == s.calculateHash()
}

// ToBytes serializes the snapshot as JSON.
func (s *StateSnapshot) ToBytes() []byte {
	data, _ := json.Marshal(s)
	return data
}

// StateSnapshotFromBytes parses a snapshot previously produced by ToBytes.
func StateSnapshotFromBytes(data []byte) (*StateSnapshot, error) {
	var s StateSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &s, nil
}

// Size returns the serialized byte size of the snapshot.
func (s *StateSnapshot) Size() int { return len(s.ToBytes()) }

// PruningManager decides when a new snapshot is due and which historical
// blocks are safe to discard once covered by a finalized snapshot.
type PruningManager struct {
	MinBlocksToKeep  uint64
	SnapshotInterval uint64
	SnapshotDir      string
}

// NewPruningManager constructs a PruningManager.
func NewPruningManager(minBlocks, snapshotInterval uint64, snapshotDir string) *PruningManager {
	return &PruningManager{MinBlocksToKeep: minBlocks, SnapshotInterval: snapshotInterval, SnapshotDir: snapshotDir}
}

// ShouldCreateSnapshot reports whether height falls on a snapshot boundary.
func (p *PruningManager) ShouldCreateSnapshot(height uint64) bool {
	return height > 0 && height%p.SnapshotInterval == 0
}

// GetPrunableBlocks returns the heights safe to discard: everything below
// MinBlocksToKeep from the tip, capped by both the latest snapshot height
// (so a pruned block is always recoverable from a snapshot) and the
// finalized height (so a pruned block can never be needed by a reorg).
func (p *PruningManager) GetPrunableBlocks(chainLength, latestSnapshotHeight, finalizedHeight uint64) []uint64 {
	if chainLength <= p.MinBlocksToKeep {
		return nil
	}
	pruneUpTo := chainLength - p.MinBlocksToKeep
	safePruneUpTo := min3(pruneUpTo, latestSnapshotHeight, finalizedHeight)
	if safePruneUpTo == 0 {
		return nil
	}
	out := make([]uint64, 0, safePruneUpTo-1)
	for h := uint64(1); h < safePruneUpTo; h++ {
		out = append(out, h)
	}
	return out
}

func min3(a, b, c uint64) uint64 {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// SaveSnapshot writes snapshot to SnapshotDir as snapshot_<height>.json.
func (p *PruningManager) SaveSnapshot(snap *StateSnapshot) error {
	if err := os.MkdirAll(p.SnapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	path := filepath.Join(p.SnapshotDir, fmt.Sprintf("snapshot_%d.json", snap.Height))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadLatestSnapshot returns the highest-height snapshot found in
// SnapshotDir, or nil if none exist. It rejects a snapshot whose hash does
// not self-verify.
func (p *PruningManager) LoadLatestSnapshot() (*StateSnapshot, error) {
	entries, err := os.ReadDir(p.SnapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var bestHeight uint64
	var bestName string
	found := false
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || !strings.HasPrefix(name, "snapshot_") {
			continue
		}
		heightStr := strings.TrimSuffix(strings.TrimPrefix(name, "snapshot_"), ".json")
		height, err := strconv.ParseUint(heightStr, 10, 64)
		if err != nil {
			continue
		}
		if !found || height > bestHeight {
			bestHeight, bestName, found = height, name, true
		}
	}
	if !found {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Join(p.SnapshotDir, bestName))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	snap, err := StateSnapshotFromBytes(data)
	if err != nil {
		return nil, err
	}
	if !snap.Verify() {
		return nil, fmt.Errorf("snapshot integrity check failed for %s", bestName)
	}
	return snap, nil
}
