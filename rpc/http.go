// Package rpc exposes the settlement node over JSON-RPC. Mutating methods
// require a bearer token; reads are open.
package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agriclear/chain"
	"agriclear/native/escrow"
	"agriclear/native/provenance"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001

	codeEscrowNotFound     = -32021
	codeEscrowDuplicate    = -32022
	codeEscrowInvalidState = -32023
	codeEscrowUnauthorized = -32024
	codeEscrowTransfer     = -32025

	codeProductNotFound  = -32031
	codeProductDuplicate = -32032
)

// Server routes JSON-RPC requests to the in-process settlement node.
type Server struct {
	node      *chain.LocalNode
	authToken string
}

// NewServer creates a server over the node. An empty authToken disables all
// mutating methods rather than leaving them open.
func NewServer(node *chain.LocalNode, authToken string) *Server {
	return &Server{node: node, authToken: strings.TrimSpace(authToken)}
}

// Start serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj})
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// errorCode maps ledger sentinels onto wire codes so clients can branch
// without string matching.
func errorCode(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return codeEscrowNotFound
	case errors.Is(err, escrow.ErrDuplicateOrder):
		return codeEscrowDuplicate
	case errors.Is(err, escrow.ErrZeroValue), errors.Is(err, escrow.ErrInvalidState):
		return codeEscrowInvalidState
	case errors.Is(err, escrow.ErrNotBuyer), errors.Is(err, escrow.ErrUnauthorized):
		return codeEscrowUnauthorized
	case errors.Is(err, escrow.ErrTransferFailed):
		return codeEscrowTransfer
	case errors.Is(err, provenance.ErrNotRegistered):
		return codeProductNotFound
	case errors.Is(err, provenance.ErrAlreadyRegistered):
		return codeProductDuplicate
	case errors.Is(err, provenance.ErrEmptyAction):
		return codeInvalidParams
	default:
		return codeServerError
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "escrow_deposit":
		s.authenticated(w, r, req, s.handleEscrowDeposit)
	case "escrow_confirmDelivery":
		s.authenticated(w, r, req, s.handleEscrowConfirmDelivery)
	case "escrow_release":
		s.authenticated(w, r, req, s.handleEscrowRelease)
	case "escrow_refund":
		s.authenticated(w, r, req, s.handleEscrowRefund)
	case "escrow_get":
		s.handleEscrowGet(w, r, req)
	case "provenance_register":
		s.authenticated(w, r, req, s.handleProvenanceRegister)
	case "provenance_update":
		s.authenticated(w, r, req, s.handleProvenanceUpdate)
	case "provenance_history":
		s.handleProvenanceHistory(w, r, req)
	case "tx_receipt":
		s.handleTxReceipt(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, req *RPCRequest)

func (s *Server) authenticated(w http.ResponseWriter, r *http.Request, req *RPCRequest, next handlerFunc) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	next(w, r, req)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func firstParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return errors.New("parameter object required")
	}
	return json.Unmarshal(req.Params[0], out)
}
