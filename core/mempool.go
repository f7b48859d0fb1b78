package core

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// MempoolConfig tunes admission, eviction and replace-by-fee behavior.
type MempoolConfig struct {
	MaxSize        int
	MaxPerSender   int
	MinFee         uint64
	TxTTL          time.Duration
	RBFBumpPercent uint64
}

// DefaultMempoolConfig mirrors the reference node's defaults.
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxSize:        5000,
		MaxPerSender:   16,
		MinFee:         MinTxFee,
		TxTTL:          time.Hour,
		RBFBumpPercent: 10,
	}
}

var (
	ErrDuplicateTx  = errors.New("transaction already in mempool")
	ErrFeeTooLow    = errors.New("fee below mempool minimum")
	ErrMempoolFull  = errors.New("mempool full and no lower-fee transaction to evict")
	ErrSenderLimit  = errors.New("sender has reached the per-sender transaction limit")
	ErrRBFFeeTooLow = errors.New("replacement fee does not meet the required bump")
)

type pendingTx struct {
	tx      *Transaction
	addedAt time.Time
	seq     uint64
}

// Mempool is a thread-safe, fee-priority pending-transaction pool with
// three parallel indices: by hash (membership/dedup), by sender+nonce
// (replace-by-fee lookup), and by fee (capacity eviction and extraction
// order). Equal-fee transactions break ties by insertion order, which is
// a deliberate determinism improvement over an unordered fee-bucket set.
type Mempool struct {
	cfg MempoolConfig

	mu       sync.RWMutex
	byHash   map[string]*pendingTx
	bySender map[string]map[uint64]string // sender -> nonce -> hash
	byFee    map[uint64][]string          // fee -> hashes, insertion order
	seq      uint64
}

// NewMempool creates an empty mempool with the given configuration.
func NewMempool(cfg MempoolConfig) *Mempool {
	return &Mempool{
		cfg:      cfg,
		byHash:   make(map[string]*pendingTx),
		bySender: make(map[string]map[uint64]string),
		byFee:    make(map[uint64][]string),
	}
}

// Add validates admission (dedup, fee floor, capacity, per-sender cap or
// replace-by-fee) and inserts tx. It does not re-verify the signature or
// nonce against account state; callers run ValidateTransaction first.
func (m *Mempool) Add(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byHash[tx.Hash]; exists {
		return ErrDuplicateTx
	}
	if tx.Fee < m.cfg.MinFee {
		return ErrFeeTooLow
	}
	if len(m.byHash) >= m.cfg.MaxSize {
		fee, hash, ok := m.lowestFeeLocked()
		if !ok || tx.Fee <= fee {
			return ErrMempoolFull
		}
		m.removeLocked(hash)
	}

	if existingHash, replacing := m.bySender[tx.From][tx.Nonce]; replacing {
		existing := m.byHash[existingHash]
		bump := (existing.tx.Fee*m.cfg.RBFBumpPercent + 99) / 100
		if tx.Fee < existing.tx.Fee+bump {
			return ErrRBFFeeTooLow
		}
		m.removeLocked(existingHash)
	} else if len(m.bySender[tx.From]) >= m.cfg.MaxPerSender {
		return ErrSenderLimit
	}

	m.seq++
	m.byHash[tx.Hash] = &pendingTx{tx: tx, addedAt: time.Now(), seq: m.seq}
	if m.bySender[tx.From] == nil {
		m.bySender[tx.From] = make(map[uint64]string)
	}
	m.bySender[tx.From][tx.Nonce] = tx.Hash
	m.byFee[tx.Fee] = append(m.byFee[tx.Fee], tx.Hash)
	return nil
}

func (m *Mempool) lowestFeeLocked() (fee uint64, hash string, ok bool) {
	var lowestSeq uint64
	for f, hashes := range m.byFee {
		for _, h := range hashes {
			pt := m.byHash[h]
			if !ok || f < fee || (f == fee && pt.seq < lowestSeq) {
				fee, hash, lowestSeq, ok = f, h, pt.seq, true
			}
		}
	}
	return
}

func (m *Mempool) removeLocked(hash string) {
	pt, ok := m.byHash[hash]
	if !ok {
		return
	}
	delete(m.byHash, hash)
	if senders := m.bySender[pt.tx.From]; senders != nil {
		delete(senders, pt.tx.Nonce)
		if len(senders) == 0 {
			delete(m.bySender, pt.tx.From)
		}
	}
	hashes := m.byFee[pt.tx.Fee]
	for i, h := range hashes {
		if h == hash {
			m.byFee[pt.tx.Fee] = append(hashes[:i], hashes[i+1:]...)
			break
		}
	}
	if len(m.byFee[pt.tx.Fee]) == 0 {
		delete(m.byFee, pt.tx.Fee)
	}
}

// Get returns a transaction by content hash.
func (m *Mempool) Get(hash string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pt, ok := m.byHash[hash]
	if !ok {
		return nil, false
	}
	return pt.tx, true
}

// GetSortedTransactions returns pending transactions ordered by descending
// fee, breaking ties by insertion order, up to limit (0 means unlimited).
func (m *Mempool) GetSortedTransactions(limit int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*pendingTx, 0, len(m.byHash))
	for _, pt := range m.byHash {
		all = append(all, pt)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].tx.Fee != all[j].tx.Fee {
			return all[i].tx.Fee > all[j].tx.Fee
		}
		return all[i].seq < all[j].seq
	})
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*Transaction, len(all))
	for i, pt := range all {
		out[i] = pt.tx
	}
	return out
}

// RemoveTransaction deletes a transaction by hash, e.g. after it is mined.
func (m *Mempool) RemoveTransaction(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(hash)
}

// CleanupExpired evicts transactions older than TxTTL and returns the count
// removed.
func (m *Mempool) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var expired []string
	for h, pt := range m.byHash {
		if now.Sub(pt.addedAt) > m.cfg.TxTTL {
			expired = append(expired, h)
		}
	}
	for _, h := range expired {
		m.removeLocked(h)
	}
	return len(expired)
}

// Size returns the current number of pending transactions.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byHash)
}
