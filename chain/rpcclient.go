package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agriclear/native/escrow"
	"agriclear/native/provenance"
)

// RPCClient implements SettlementClient against a remote node's JSON-RPC
// endpoint.
type RPCClient struct {
	baseURL      string
	authToken    string
	http         *http.Client
	pollInterval time.Duration
	nextID       atomic.Int64
}

// NewRPCClient creates a client for the node at baseURL. authToken, when
// non-empty, is sent as a bearer token on every call; the node requires it
// for mutating methods.
func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		pollInterval: 500 * time.Millisecond,
	}
}

// SetPollInterval overrides how often Wait polls for a receipt.
func (c *RPCClient) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.pollInterval = d
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if rpcResp.Error != nil {
		if sentinel := errorForCode(rpcResp.Error.Code); sentinel != nil {
			return fmt.Errorf("node rpc %s: %w", method, sentinel)
		}
		return fmt.Errorf("node rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// errorForCode recovers the domain sentinel behind a node error code so
// callers can use errors.Is against a remote node the same way they do
// against an in-process one.
func errorForCode(code int) error {
	switch code {
	case codeEscrowNotFound:
		return escrow.ErrNotFound
	case codeEscrowDuplicate:
		return escrow.ErrDuplicateOrder
	case codeEscrowInvalidState:
		return escrow.ErrInvalidState
	case codeEscrowUnauthorized:
		return escrow.ErrUnauthorized
	case codeProductNotFound:
		return provenance.ErrNotRegistered
	case codeProductDuplicate:
		return provenance.ErrAlreadyRegistered
	default:
		return nil
	}
}

const (
	codeEscrowNotFound     = -32021
	codeEscrowDuplicate    = -32022
	codeEscrowInvalidState = -32023
	codeEscrowUnauthorized = -32024
	codeProductNotFound    = -32031
	codeProductDuplicate   = -32032
)

type txHashResult struct {
	TxHash string `json:"txHash"`
}

type remoteTx struct {
	client *RPCClient
	hash   common.Hash
}

func (t *remoteTx) Hash() common.Hash { return t.hash }

// Wait polls the node for the mined receipt until the context expires.
func (t *remoteTx) Wait(ctx context.Context) (*Receipt, error) {
	ticker := time.NewTicker(t.client.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.client.receipt(ctx, t.hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type receiptResult struct {
	TxHash      string `json:"txHash"`
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
	Error       string `json:"error,omitempty"`
}

func (c *RPCClient) receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var result *receiptResult
	params := []interface{}{map[string]string{"txHash": hash.Hex()}}
	if err := c.call(ctx, "tx_receipt", params, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrReceiptNotFound
	}
	return &Receipt{
		TxHash:      common.HexToHash(result.TxHash),
		Status:      result.Status,
		BlockNumber: result.BlockNumber,
		Timestamp:   result.Timestamp,
		Err:         result.Error,
	}, nil
}

func (c *RPCClient) submit(ctx context.Context, method string, params interface{}) (PendingTx, error) {
	var result txHashResult
	if err := c.call(ctx, method, []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &remoteTx{client: c, hash: common.HexToHash(result.TxHash)}, nil
}

func (c *RPCClient) Deposit(ctx context.Context, signer Signer, orderID string, seller common.Address, amount *big.Int) (PendingTx, error) {
	if signer == nil {
		return nil, fmt.Errorf("chain: nil signer")
	}
	if amount == nil {
		return nil, fmt.Errorf("chain: nil amount")
	}
	return c.submit(ctx, "escrow_deposit", map[string]string{
		"orderId": orderID,
		"buyer":   signer.Address().Hex(),
		"seller":  seller.Hex(),
		"amount":  amount.String(),
	})
}

func (c *RPCClient) ConfirmDelivery(ctx context.Context, signer Signer, orderID string) (PendingTx, error) {
	if signer == nil {
		return nil, fmt.Errorf("chain: nil signer")
	}
	return c.submit(ctx, "escrow_confirmDelivery", map[string]string{
		"orderId": orderID,
		"caller":  signer.Address().Hex(),
	})
}

func (c *RPCClient) ReleasePayment(ctx context.Context, signer Signer, orderID string) (PendingTx, error) {
	if signer == nil {
		return nil, fmt.Errorf("chain: nil signer")
	}
	return c.submit(ctx, "escrow_release", map[string]string{
		"orderId": orderID,
		"caller":  signer.Address().Hex(),
	})
}

func (c *RPCClient) Refund(ctx context.Context, signer Signer, orderID string) (PendingTx, error) {
	if signer == nil {
		return nil, fmt.Errorf("chain: nil signer")
	}
	return c.submit(ctx, "escrow_refund", map[string]string{
		"orderId": orderID,
		"caller":  signer.Address().Hex(),
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

func (c *RPCClient) EscrowStatus(ctx context.Context, orderID string) (*EscrowState, error) {
	var result escrowStateResult
	params := []interface{}{map[string]string{"orderId": orderID}}
	if err := c.call(ctx, "escrow_get", params, &result); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(result.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("chain: malformed escrow amount %q", result.Amount)
	}
	return &EscrowState{
		OrderID:   result.OrderID,
		Buyer:     common.HexToAddress(result.Buyer),
		Seller:    common.HexToAddress(result.Seller),
		Amount:    amount,
		Status:    result.Status,
		CreatedAt: result.CreatedAt,
		UpdatedAt: result.UpdatedAt,
	}, nil
}

func (c *RPCClient) RegisterProduct(ctx context.Context, signer Signer, productID, name, category string) (PendingTx, error) {
	if signer == nil {
		return nil, fmt.Errorf("chain: nil signer")
	}
	return c.submit(ctx, "provenance_register", map[string]string{
		"productId": productID,
		"name":      name,
		"category":  category,
		"actor":     signer.Address().Hex(),
	})
}

func (c *RPCClient) UpdateHistory(ctx context.Context, signer Signer, productID, action string) (PendingTx, error) {
	if signer == nil {
		return nil, fmt.Errorf("chain: nil signer")
	}
	return c.submit(ctx, "provenance_update", map[string]string{
		"productId": productID,
		"action":    action,
		"actor":     signer.Address().Hex(),
	})
}

type historyResult struct {
	Entries []struct {
		Action    string `json:"action"`
		Actor     string `json:"actor"`
		Timestamp int64  `json:"timestamp"`
	} `json:"entries"`
}

func (c *RPCClient) ProductHistory(ctx context.Context, productID string) ([]ProvenanceEvent, error) {
	var result historyResult
	params := []interface{}{map[string]string{"productId": productID}}
	if err := c.call(ctx, "provenance_history", params, &result); err != nil {
		return nil, err
	}
	out := make([]ProvenanceEvent, 0, len(result.Entries))
	for _, entry := range result.Entries {
		out = append(out, ProvenanceEvent{
			Action:    entry.Action,
			Actor:     common.HexToAddress(entry.Actor),
			Timestamp: entry.Timestamp,
		})
	}
	return out, nil
}

var _ SettlementClient = (*RPCClient)(nil)
