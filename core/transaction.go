package core

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/radeonares/bdlm/crypto"
)

// TxType identifies the kind of state transition a transaction requests.
type TxType string

const (
	TxTransfer TxType = "transfer"
	TxStake    TxType = "stake"
	TxUnstake  TxType = "unstake"
	TxVote     TxType = "vote"
)

// GenesisAddress is the sentinel sender/recipient used by the single
// unsigned transaction embedded in block 0.
const GenesisAddress = "genesis"

const txDomainTag = "BDLM_TX_V2"

func typeByte(t TxType) byte {
	switch t {
	case TxTransfer:
		return 0x01
	case TxStake:
		return 0x02
	case TxUnstake:
		return 0x03
	case TxVote:
		return 0x04
	default:
		return 0xff
	}
}

// Transaction is the atomic unit of account-based state transition.
// From/To hold hex-encoded ed25519 public keys (or GenesisAddress).
type Transaction struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Fee       uint64 `json:"fee"`
	Nonce     uint64 `json:"nonce"`
	Data      []byte `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	ChainID   uint64 `json:"chain_id"`
	Type      TxType `json:"tx_type"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
}

// contentHash is the deterministic identity hash of the transaction body.
// It excludes chain_id so it can double as a cross-chain dedup key; chain_id
// is bound separately into the signing hash below.
func (tx *Transaction) contentHash() string {
	var buf bytes.Buffer
	buf.WriteString(tx.From)
	buf.WriteString(tx.To)
	buf.Write(leUint64(tx.Amount))
	buf.Write(leUint64(tx.Fee))
	buf.Write(leUint64(tx.Nonce))
	buf.WriteString(hex.EncodeToString(tx.Data))
	buf.Write(leInt64(tx.Timestamp))
	buf.WriteByte(typeByte(tx.Type))
	return crypto.Hash(buf.Bytes())
}

// SigningHash returns the domain-tagged digest that Signature is computed
// over. Binding chain_id here makes a signed transaction replayable on one
// chain only.
func (tx *Transaction) SigningHash() []byte {
	var buf bytes.Buffer
	buf.WriteString(tx.From)
	buf.WriteString(tx.To)
	buf.Write(leUint64(tx.Amount))
	buf.Write(leUint64(tx.Fee))
	buf.Write(leUint64(tx.Nonce))
	buf.Write(tx.Data)
	buf.Write(leInt64(tx.Timestamp))
	buf.Write(leUint64(tx.ChainID))
	buf.WriteByte(typeByte(tx.Type))
	return crypto.DomainHashBytes(txDomainTag, buf.Bytes())
}

// Sign computes Hash and Signature in place.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	tx.Hash = tx.contentHash()
	tx.Signature = crypto.Sign(priv, tx.SigningHash())
}

// Verify checks the content hash and, unless this is the genesis
// transaction, the ed25519 signature over SigningHash.
func (tx *Transaction) Verify() error {
	if tx.From == GenesisAddress {
		// The genesis transaction carries the literal hash "genesis" rather
		// than a computed content hash, and is never signed.
		return nil
	}
	if tx.Hash != tx.contentHash() {
		return errors.New("transaction hash does not match content")
	}
	pub, err := crypto.PubKeyFromHex(tx.From)
	if err != nil {
		return fmt.Errorf("invalid from (must be ed25519 pubkey hex): %w", err)
	}
	return crypto.Verify(pub, tx.SigningHash(), tx.Signature)
}

// ValidateFields performs stateless structural checks independent of any
// account state (non-empty recipients, non-zero amounts where required).
func (tx *Transaction) ValidateFields() error {
	if tx.From == "" {
		return errors.New("missing from")
	}
	switch tx.Type {
	case TxTransfer:
		if tx.To == "" {
			return errors.New("transfer requires a non-empty to")
		}
	case TxStake:
		if tx.Amount == 0 {
			return errors.New("stake requires amount > 0")
		}
	case TxUnstake:
		if tx.Amount == 0 {
			return errors.New("unstake requires amount > 0")
		}
	case TxVote:
		if tx.To == "" {
			return errors.New("vote requires a non-empty target")
		}
	default:
		return fmt.Errorf("unknown tx_type %q", tx.Type)
	}
	return nil
}

// NewTransaction builds an unsigned, unhashed transaction. Callers must
// still call Sign (or, for the genesis transaction, set Hash manually).
func NewTransaction(typ TxType, from, to string, amount, fee, nonce uint64, data []byte, timestampMs int64, chainID uint64) *Transaction {
	return &Transaction{
		From:      from,
		To:        to,
		Amount:    amount,
		Fee:       fee,
		Nonce:     nonce,
		Data:      data,
		Timestamp: timestampMs,
		ChainID:   chainID,
		Type:      typ,
	}
}
