package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/radeonares/bdlm/core"
	"github.com/radeonares/bdlm/indexer"
)

// Broadcaster forwards a locally admitted transaction to connected peers.
// Satisfied by *network.Node; kept as a local interface so rpc does not
// need to import network just to broadcast.
type Broadcaster interface {
	BroadcastTx(tx *core.Transaction)
}

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	bc          *core.Blockchain
	mempool     *core.Mempool
	state       core.State
	indexer     *indexer.Indexer
	chainID     uint64 // expected chain_id; used to reject cross-chain replay transactions
	broadcaster Broadcaster
}

// NewHandler creates an RPC Handler.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, state core.State, idx *indexer.Indexer, chainID uint64) *Handler {
	return &Handler{bc: bc, mempool: mempool, state: state, indexer: idx, chainID: chainID}
}

// SetBroadcaster wires the P2P layer so a transaction submitted over RPC is
// also gossiped to peers, not just admitted to the local mempool. Safe to
// leave unset (e.g. in tests running without a network layer).
func (h *Handler) SetBroadcaster(b Broadcaster) {
	h.broadcaster = b
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "getValidator":
		return h.getValidator(req)

	case "getTransactionsByAddress":
		return h.getTransactionsByAddress(req)

	case "sendTx":
		return h.sendTx(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string  `json:"hash"`
		Height *uint64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	if params.Hash != "" {
		block, err = h.bc.GetBlock(params.Hash)
	} else if params.Height != nil {
		block, err = h.bc.GetBlockByHeight(*params.Height)
	} else {
		block = h.bc.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.state.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": params.Address, "balance": acc.Balance, "nonce": acc.Nonce})
}

func (h *Handler) getValidator(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	v, err := h.state.GetValidator(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, v)
}

func (h *Handler) getTransactionsByAddress(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	hashes, err := h.indexer.GetTransactionsByAddress(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, hashes)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Reject transactions destined for a different network to prevent
	// cross-chain replay attacks.
	if tx.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %d want %d", tx.ChainID, h.chainID))
	}
	if err := tx.ValidateFields(); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "fields: "+err.Error())
	}
	if err := tx.Verify(); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "verify: "+err.Error())
	}
	if err := h.mempool.Add(&tx); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if h.broadcaster != nil {
		h.broadcaster.BroadcastTx(&tx)
	}
	return okResponse(req.ID, map[string]string{"tx_hash": tx.Hash})
}
