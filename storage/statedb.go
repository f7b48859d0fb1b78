package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/crypto"
)

const (
	prefixAccount   = "acct:"
	prefixValidator = "val:"
	keyEpochIndex   = "epoch_index"

	stateDomainTag = "BDLM_STATE_V1"
)

type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with an in-memory write
// buffer, snapshot/rollback, and deterministic state-root computation.
type StateDB struct {
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

// scanPrefix merges a DB prefix scan with the current write buffer,
// returning every live (not-deleted) key/value pair under prefix.
func (s *StateDB) scanPrefix(prefix string) map[string][]byte {
	merged := make(map[string][]byte)
	it := s.db.NewIterator([]byte(prefix))
	for it.Next() {
		k := string(it.Key())
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		merged[k] = v
	}
	it.Release()
	for k, v := range s.dirty {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			merged[k] = v
		}
	}
	for k := range s.deleted {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(merged, k)
		}
	}
	return merged
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	data, err := s.get(prefixAccount + address)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil // zero-value account
	}
	if err != nil {
		return nil, err
	}
	var acc core.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	s.set(prefixAccount+acc.Address, data)
	return nil
}

// ---- Validator ----

func (s *StateDB) GetValidator(address string) (*core.Validator, error) {
	data, err := s.get(prefixValidator + address)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v core.Validator
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *StateDB) SetValidator(v *core.Validator) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.set(prefixValidator+v.Address, data)
	return nil
}

func (s *StateDB) validatorList(activeOnly bool) ([]*core.Validator, error) {
	merged := s.scanPrefix(prefixValidator)
	out := make([]*core.Validator, 0, len(merged))
	for _, data := range merged {
		var v core.Validator
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		if activeOnly && !v.Active {
			continue
		}
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (s *StateDB) GetActiveValidators() ([]*core.Validator, error) {
	return s.validatorList(true)
}

func (s *StateDB) GetAllValidators() ([]*core.Validator, error) {
	return s.validatorList(false)
}

// ---- Epoch index ----

func (s *StateDB) EpochIndex() (uint64, error) {
	data, err := s.get(keyEpochIndex)
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt epoch index: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

func (s *StateDB) SetEpochIndex(idx uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, idx)
	s.set(keyEpochIndex, buf)
	return nil
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	snap := stateSnapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot.
// The snapshot maps are deep-copied so that subsequent writes cannot corrupt
// them.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}

	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// ComputeRoot hashes the complete account set (validators are intentionally
// excluded, see Open Question 1) with a SHA-256 digest tagged
// "BDLM_STATE_V1": the tag, then each account address-sorted ascending as
// (pubkey, balance little-endian, nonce little-endian). It does not flush or
// modify state, so it is safe to call before signing a block.
func (s *StateDB) ComputeRoot() string {
	merged := s.scanPrefix(prefixAccount)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(stateDomainTag)
	var u64 [8]byte
	for _, k := range keys {
		var acc core.Account
		if err := json.Unmarshal(merged[k], &acc); err != nil {
			continue
		}
		buf.WriteString(acc.Address)
		binary.LittleEndian.PutUint64(u64[:], acc.Balance)
		buf.Write(u64[:])
		binary.LittleEndian.PutUint64(u64[:], acc.Nonce)
		buf.Write(u64[:])
	}
	return crypto.Hash(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB via a
// WriteBatch and then clears it. Call ComputeRoot() before signing the
// block, then call Commit() after the block is safely stored.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}

// Reset queues every persisted account, validator, and the epoch index for
// deletion in the write buffer, without touching the underlying DB yet.
// Used when rebuilding state from scratch during a deep reorg
// (core.Blockchain.TryReorg): the caller is expected to have taken a
// Snapshot() beforehand, replay candidate blocks (which re-populate the
// buffer via SetAccount/SetValidator as they go), and either Commit() to
// flush the net effect in one atomic batch or RevertToSnapshot() to restore
// the pre-Reset contents untouched if replay fails partway through.
func (s *StateDB) Reset() error {
	accounts := s.scanPrefix(prefixAccount)
	validators := s.scanPrefix(prefixValidator)

	// Leave s.snapshots alone: a caller that took a Snapshot() before calling
	// Reset() must still be able to RevertToSnapshot() back to the
	// pre-Reset contents if whatever it replays afterward turns out invalid.
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)

	for k := range accounts {
		s.deleted[k] = true
	}
	for k := range validators {
		s.deleted[k] = true
	}
	s.deleted[keyEpochIndex] = true
	return nil
}
