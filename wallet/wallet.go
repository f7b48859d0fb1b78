package wallet

import (
	"time"

	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/crypto"
)

// Wallet holds a key pair and provides transaction-building helpers.
type Wallet struct {
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public()}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate() (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key (used as "from" address).
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// Address returns the short human-readable address (first 20 bytes of
// SHA-256(pubkey)).
func (w *Wallet) Address() string {
	return w.pub.Address()
}

// newTx builds and signs a transaction of typ. chainID must match the
// target network; nonce should match the account's current nonce.
func (w *Wallet) newTx(typ core.TxType, to string, amount, fee, nonce uint64, data []byte, chainID uint64) *core.Transaction {
	tx := core.NewTransaction(typ, w.pub.Hex(), to, amount, fee, nonce, data, time.Now().UnixMilli(), chainID)
	tx.Sign(w.priv)
	return tx
}

// Transfer creates a signed transfer transaction moving amount to to.
func (w *Wallet) Transfer(to string, amount, fee, nonce uint64, chainID uint64) *core.Transaction {
	return w.newTx(core.TxTransfer, to, amount, fee, nonce, nil, chainID)
}

// Stake creates a signed transaction locking amount into this wallet's own
// validator stake.
func (w *Wallet) Stake(amount, fee, nonce uint64, chainID uint64) *core.Transaction {
	return w.newTx(core.TxStake, w.pub.Hex(), amount, fee, nonce, nil, chainID)
}

// Unstake creates a signed transaction withdrawing amount from this
// wallet's validator stake back into its spendable balance.
func (w *Wallet) Unstake(amount, fee, nonce uint64, chainID uint64) *core.Transaction {
	return w.newTx(core.TxUnstake, w.pub.Hex(), amount, fee, nonce, nil, chainID)
}

// VoteAdd creates a signed governance vote to admit target as a validator
// (PoA). The caller must itself be a registered validator.
func (w *Wallet) VoteAdd(target string, fee, nonce uint64, chainID uint64) *core.Transaction {
	return w.newTx(core.TxVote, target, 0, fee, nonce, []byte(`{"action":"add"}`), chainID)
}

// VoteRemove creates a signed governance vote to remove target from the
// validator set (PoA).
func (w *Wallet) VoteRemove(target string, fee, nonce uint64, chainID uint64) *core.Transaction {
	return w.newTx(core.TxVote, target, 0, fee, nonce, []byte(`{"action":"remove"}`), chainID)
}
