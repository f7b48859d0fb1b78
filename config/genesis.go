package config

import (
	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/crypto"
)

// genesisData is the inert payload carried by the single transaction
// embedded in every chain's genesis block.
var genesisData = []byte("RADE")

// newGenesisTransaction builds the deterministic, unsigned placeholder
// transaction that occupies block 0. Its hash is the literal string
// "genesis" rather than a computed content hash: ApplyTransaction and
// ValidateTransaction both special-case core.GenesisAddress as a no-op, so
// nothing ever needs to verify it.
func newGenesisTransaction(chainID uint64) *core.Transaction {
	return &core.Transaction{
		From:      core.GenesisAddress,
		To:        core.GenesisAddress,
		Amount:    0,
		Fee:       0,
		Nonce:     0,
		Data:      genesisData,
		Timestamp: 0,
		ChainID:   chainID,
		Type:      core.TxTransfer,
		Hash:      core.GenesisAddress,
	}
}

// CreateGenesisBlock builds and signs block #0 from the config's Alloc map.
// It also sets initial account balances in state and commits. The block is
// installed into the chain via Blockchain.AddGenesis, not
// ValidateAndAddBlock: genesis balances are credited directly here rather
// than by replaying the embedded transaction.
func CreateGenesisBlock(cfg *Config, state core.State, proposerPriv crypto.PrivateKey) (*core.Block, error) {
	proposerPub := proposerPriv.Public()

	for pubkeyHex, balance := range cfg.Genesis.Alloc {
		acc := &core.Account{Address: pubkeyHex, Balance: balance, Nonce: 0}
		if err := state.SetAccount(acc); err != nil {
			return nil, err
		}
	}

	tx := newGenesisTransaction(cfg.Genesis.ChainID)
	stateRoot := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := core.NewBlock(0, core.GenesisPrevHash, proposerPub.Hex(), cfg.Genesis.ChainID, []*core.Transaction{tx})
	block.Header.StateRoot = stateRoot
	block.Sign(proposerPriv)
	return block, nil
}

// IsGenesisHash returns true if h is the canonical genesis previous-hash.
func IsGenesisHash(h string) bool {
	return h == core.GenesisPrevHash
}
