package core

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/radeonares/bdlm/crypto"
)

const blockDomainTag = "BDLM_BLOCK_V2"

// MaxBlockTxs bounds how many transactions a single block may carry.
const MaxBlockTxs = 5000

// MaxBlockBytes bounds the serialized size of a single block on the wire.
const MaxBlockBytes = 1 << 20 // 1 MiB

// emptyTxRoot is the tx_root of a block with zero transactions.
var emptyTxRoot = strings.Repeat("0", 64)

// GenesisPrevHash is the previous_hash value of block 0.
var GenesisPrevHash = strings.Repeat("0", 64)

// BlockHeader carries everything that feeds into Hash, i.e. everything in
// Block except the transaction bodies, the producer signature and the PoS
// stake proof.
type BlockHeader struct {
	Index            uint64              `json:"index"`
	Timestamp        int64               `json:"timestamp"` // unix milliseconds
	PreviousHash     string              `json:"previous_hash"`
	Hash             string              `json:"hash"`
	TxRoot           string              `json:"tx_root"`
	StateRoot        string              `json:"state_root"`
	Nonce            uint64              `json:"nonce"`
	Producer         string              `json:"producer,omitempty"`
	ChainID          uint64              `json:"chain_id"`
	SlashingEvidence []*SlashingEvidence `json:"slashing_evidence,omitempty"`
}

// Block is a single entry in the replicated ledger.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Signature    string         `json:"signature,omitempty"`
	StakeProof   string         `json:"stake_proof,omitempty"`
}

// NewBlock constructs an unsigned, unhashed block. Callers still need to
// set StateRoot and call ComputeHash/Sign.
func NewBlock(index uint64, previousHash, producer string, chainID uint64, txs []*Transaction) *Block {
	return &Block{
		Header: BlockHeader{
			Index:        index,
			PreviousHash: previousHash,
			Producer:     producer,
			ChainID:      chainID,
			TxRoot:       ComputeTxRoot(txs),
		},
		Transactions: txs,
	}
}

// ComputeTxRoot builds a binary Merkle root over transaction content hashes,
// duplicating the last leaf at each level when the leaf count is odd.
func ComputeTxRoot(txs []*Transaction) string {
	if len(txs) == 0 {
		return emptyTxRoot
	}
	level := make([][]byte, len(txs))
	for i, tx := range txs {
		b, err := hex.DecodeString(tx.Hash)
		if err != nil {
			b = crypto.HashBytes([]byte(tx.Hash))
		}
		level[i] = b
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := append(append([]byte{}, level[i]...), level[i+1]...)
			next = append(next, crypto.HashBytes(pair))
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}

// ComputeHash computes the domain-tagged header hash. It does not mutate
// the header; callers assign the result to Header.Hash themselves.
func (b *Block) ComputeHash() string {
	var buf bytes.Buffer
	buf.Write(leUint64(b.Header.Index))
	buf.Write(leInt64(b.Header.Timestamp))
	buf.WriteString(b.Header.PreviousHash)
	buf.WriteString(b.Header.TxRoot)
	buf.Write(leUint64(b.Header.Nonce))
	buf.WriteString(b.Header.Producer)
	if len(b.Header.SlashingEvidence) > 0 {
		data, err := json.Marshal(b.Header.SlashingEvidence)
		if err == nil {
			buf.Write(data)
		}
	}
	buf.Write(leUint64(b.Header.ChainID))
	buf.WriteString(b.Header.StateRoot)
	return crypto.DomainHash(blockDomainTag, buf.Bytes())
}

// Sign finalizes Header.Hash and signs it with the producer's key. Only
// meaningful for signature-bearing consensus engines (PoA, PoS); PoW blocks
// are authenticated by the nonce/work instead and need not call Sign.
func (b *Block) Sign(priv crypto.PrivateKey) {
	b.Header.Hash = b.ComputeHash()
	b.Signature = crypto.Sign(priv, []byte(b.Header.Hash))
}

// VerifySignature checks Signature against Header.Producer. Callers should
// skip this for PoW blocks, which carry no producer signature.
func (b *Block) VerifySignature() error {
	if b.Header.Producer == "" {
		return errors.New("block has no producer to verify against")
	}
	pub, err := crypto.PubKeyFromHex(b.Header.Producer)
	if err != nil {
		return fmt.Errorf("invalid producer pubkey: %w", err)
	}
	return crypto.Verify(pub, []byte(b.Header.Hash), b.Signature)
}

// VerifyIntegrity recomputes Hash and TxRoot and compares them against the
// stored values, independent of any consensus-specific checks.
func (b *Block) VerifyIntegrity() error {
	if got, want := ComputeTxRoot(b.Transactions), b.Header.TxRoot; got != want {
		return fmt.Errorf("tx_root mismatch: computed %s, header has %s", got, want)
	}
	if got, want := b.ComputeHash(), b.Header.Hash; got != want {
		return fmt.Errorf("block hash mismatch: computed %s, header has %s", got, want)
	}
	return nil
}
