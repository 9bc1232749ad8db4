package rpc

import (
	"net/http"
	"strings"

	"agriclear/chain"
)

type registerProductParams struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	Actor     string `json:"actor"`
}

type updateHistoryParams struct {
	ProductID string `json:"productId"`
	Action    string `json:"action"`
	Actor     string `json:"actor"`
}

type productParams struct {
	ProductID string `json:"productId"`
}

func requireProductID(raw string) (string, *RPCError) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &RPCError{Code: codeInvalidParams, Message: "productId is required"}
	}
	return trimmed, nil
}

func (s *Server) handleProvenanceRegister(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params registerProductParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	productID, rpcErr := requireProductID(params.ProductID)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	if strings.TrimSpace(params.Name) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "name is required", nil)
		return
	}
	actor, rpcErr := parseAddress(params.Actor, "actor")
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	tx, err := s.node.RegisterProduct(r.Context(), chain.AddressSigner(actor), productID, params.Name, params.Category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, errorCode(err), err.Error(), nil)
		return
	}
	writeResult(w, req.ID, txHashResult{TxHash: tx.Hash().Hex()})
}

func (s *Server) handleProvenanceUpdate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params updateHistoryParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	productID, rpcErr := requireProductID(params.ProductID)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	if strings.TrimSpace(params.Action) == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "action is required", nil)
		return
	}
	actor, rpcErr := parseAddress(params.Actor, "actor")
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	tx, err := s.node.UpdateHistory(r.Context(), chain.AddressSigner(actor), productID, params.Action)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, errorCode(err), err.Error(), nil)
		return
	}
	writeResult(w, req.ID, txHashResult{TxHash: tx.Hash().Hex()})
}

type historyEntryResult struct {
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Timestamp int64  `json:"timestamp"`
}

type historyResult struct {
	ProductID string               `json:"productId"`
	Entries   []historyEntryResult `json:"entries"`
}

func (s *Server) handleProvenanceHistory(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params productParams
	if err := firstParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid parameter object", err.Error())
		return
	}
	productID, rpcErr := requireProductID(params.ProductID)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	entries, err := s.node.ProductHistory(r.Context(), productID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, errorCode(err), err.Error(), nil)
		return
	}
	result := historyResult{ProductID: productID, Entries: make([]historyEntryResult, 0, len(entries))}
	for _, entry := range entries {
		result.Entries = append(result.Entries, historyEntryResult{
			Action:    entry.Action,
			Actor:     entry.Actor.Hex(),
			Timestamp: entry.Timestamp,
		})
	}
	writeResult(w, req.ID, result)
}
