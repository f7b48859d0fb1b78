// Package indexer maintains secondary indexes over committed chain events so
// callers (RPC, explorers) can look up an address's transaction history
// without scanning the full chain.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/events"
	"github.com/radeonares/bdlm/storage"
)

const prefixAddressTxs = "idx:addr:tx:"

// Indexer subscribes to chain events and updates secondary lookup tables.
type Indexer struct {
	db  storage.DB
	log *zap.Logger
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter, log *zap.Logger) *Indexer {
	idx := &Indexer{db: db, log: log}
	emitter.Subscribe(events.EventTxApplied, idx.onTxApplied)
	return idx
}

// GetTransactionsByAddress returns the hashes of every transaction in which
// address appears as sender or recipient, in the order they were recorded.
func (idx *Indexer) GetTransactionsByAddress(address string) ([]string, error) {
	return idx.getList(prefixAddressTxs + address)
}

func (idx *Indexer) onTxApplied(ev events.Event) {
	from, _ := ev.Data["from"].(string)
	to, _ := ev.Data["to"].(string)
	if ev.TxHash == "" {
		return
	}
	if from != "" {
		if err := idx.addToList(prefixAddressTxs+from, ev.TxHash); err != nil {
			idx.log.Warn("index write failed", zap.String("address", from), zap.String("tx_hash", ev.TxHash), zap.Error(err))
		}
	}
	if to != "" && to != from {
		if err := idx.addToList(prefixAddressTxs+to, ev.TxHash); err != nil {
			idx.log.Warn("index write failed", zap.String("address", to), zap.String("tx_hash", ev.TxHash), zap.Error(err))
		}
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil // already present
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
