package rpc

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"agriclear/chain"
	"agriclear/native/escrow"
)

type depositParams struct {
	OrderID string `json:"orderId"`
	Buyer   string `json:"buyer"`
	Seller  string `json:"seller"`
	Amount  string `json:"amount"`
}

type callerParams struct {
	OrderID string `json:"orderId"`
	Caller  string `json:"caller"`
}

type orderParams struct {
	OrderID string `json:"orderId"`
}

type txHashResult struct {
	TxHash string `json:"txHash"`
}

func parseAddress(raw, field string) (common.Address, *RPCError) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, &RPCError{Code: codeInvalidParams, Message: field + " must be a hex address", Data: raw}
	}
	return common.HexToAddress(trimmed), nil
}

func requireOrderID(raw string) (string, *RPCError) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &RPCError{Code: codeInvalidParams, Message: "orderId is required"}
	}
	return trimmed, nil
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params depositParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	orderID, rpcErr := requireOrderID(params.OrderID)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	buyer, rpcErr := parseAddress(params.Buyer, "buyer")
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	seller, rpcErr := parseAddress(params.Seller, "seller")
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(params.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "amount must be a positive base-10 integer", params.Amount)
		return
	}
	tx, err := s.node.Deposit(r.Context(), chain.AddressSigner(buyer), orderID, seller, amount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, errorCode(err), err.Error(), nil)
		return
	}
	writeResult(w, req.ID, txHashResult{TxHash: tx.Hash().Hex()})
}

func (s *Server) submitCallerOp(w http.ResponseWriter, r *http.Request, req *RPCRequest,
	op func(signer chain.Signer, orderID string) (chain.PendingTx, error)) {
	var params callerParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	orderID, rpcErr := requireOrderID(params.OrderID)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	caller, rpcErr := parseAddress(params.Caller, "caller")
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	tx, err := op(chain.AddressSigner(caller), orderID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, errorCode(err), err.Error(), nil)
		return
	}
	writeResult(w, req.ID, txHashResult{TxHash: tx.Hash().Hex()})
}

func (s *Server) handleEscrowConfirmDelivery(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.submitCallerOp(w, r, req, func(signer chain.Signer, orderID string) (chain.PendingTx, error) {
		return s.node.ConfirmDelivery(r.Context(), signer, orderID)
	})
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.submitCallerOp(w, r, req, func(signer chain.Signer, orderID string) (chain.PendingTx, error) {
		return s.node.ReleasePayment(r.Context(), signer, orderID)
	})
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.submitCallerOp(w, r, req, func(signer chain.Signer, orderID string) (chain.PendingTx, error) {
		return s.node.Refund(r.Context(), signer, orderID)
	})
}

type escrowStateResult struct {
	OrderID   string `json:"orderId"`
	Buyer     string `json:"buyer"`
	Seller    string `json:"seller"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params orderParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	orderID, rpcErr := requireOrderID(params.OrderID)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	state, err := s.node.EscrowStatus(r.Context(), orderID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, escrow.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, req.ID, errorCode(err), err.Error(), nil)
		return
	}
	writeResult(w, req.ID, escrowStateResult{
		OrderID:   state.OrderID,
		Buyer:     state.Buyer.Hex(),
		Seller:    state.Seller.Hex(),
		Amount:    state.Amount.String(),
		Status:    state.Status,
		CreatedAt: state.CreatedAt,
		UpdatedAt: state.UpdatedAt,
	})
}

type receiptParams struct {
	TxHash string `json:"txHash"`
}

type receiptResult struct {
	TxHash      string `json:"txHash"`
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
	Error       string `json:"error,omitempty"`
}

// handleTxReceipt returns the mined receipt, or a null result while the
// transaction is unknown so pollers can keep waiting.
func (s *Server) handleTxReceipt(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params receiptParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	trimmed := strings.TrimSpace(params.TxHash)
	if trimmed == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "txHash is required", nil)
		return
	}
	receipt, ok := s.node.ReceiptByHash(common.HexToHash(trimmed))
	if !ok {
		_ = writeNullResult(w, req.ID)
		return
	}
	writeResult(w, req.ID, receiptResult{
		TxHash:      receipt.TxHash.Hex(),
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber,
		Timestamp:   receipt.Timestamp,
		Error:       receipt.Err,
	})
}

func writeNullResult(w http.ResponseWriter, id interface{}) error {
	return json.NewEncoder(w).Encode(struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      interface{} `json:"id"`
		Result  interface{} `json:"result"`
	}{JSONRPC: jsonRPCVersion, ID: id, Result: nil})
}
