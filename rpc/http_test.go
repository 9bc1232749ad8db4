package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"agriclear/chain"
	"agriclear/storage"
)

const testToken = "settlement-test-token"

var (
	testBuyer   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testSeller  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testArbiter = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func newTestServer(t *testing.T) (*httptest.Server, *chain.LocalNode) {
	t.Helper()
	node := chain.NewLocalNode(storage.NewMemDB())
	clock := int64(1_700_000_000)
	node.SetNowFunc(func() int64 { clock++; return clock })
	node.SetArbiter(testArbiter)
	if err := node.FundAccount(testBuyer, big.NewInt(10_000)); err != nil {
		t.Fatalf("fund buyer: %v", err)
	}
	srv := httptest.NewServer(NewServer(node, testToken))
	t.Cleanup(srv.Close)
	return srv, node
}

func post(t *testing.T, url, token, method string, params interface{}) RPCResponse {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	defer resp.Body.Close()
	var decoded RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode %s response: %v", method, err)
	}
	return decoded
}

func resultInto(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("rpc error: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("remarshal result: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestMutatingMethodsRequireBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)
	params := map[string]string{
		"orderId": "ORD001",
		"buyer":   testBuyer.Hex(),
		"seller":  testSeller.Hex(),
		"amount":  "2550",
	}
	resp := post(t, srv.URL, "", "escrow_deposit", params)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp.Error)
	}
	resp = post(t, srv.URL, "wrong-token", "escrow_deposit", params)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized with bad token, got %+v", resp.Error)
	}
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	srv, _ := newTestServer(t)

	var tx txHashResult
	resultInto(t, post(t, srv.URL, testToken, "escrow_deposit", map[string]string{
		"orderId": "ORD001",
		"buyer":   testBuyer.Hex(),
		"seller":  testSeller.Hex(),
		"amount":  "2550",
	}), &tx)
	if tx.TxHash == "" {
		t.Fatalf("deposit returned empty tx hash")
	}

	var receipt receiptResult
	resultInto(t, post(t, srv.URL, "", "tx_receipt", map[string]string{"txHash": tx.TxHash}), &receipt)
	if receipt.Status != chain.ReceiptStatusSuccess {
		t.Fatalf("deposit receipt: %+v", receipt)
	}

	resultInto(t, post(t, srv.URL, testToken, "escrow_confirmDelivery", map[string]string{
		"orderId": "ORD001",
		"caller":  testBuyer.Hex(),
	}), &tx)
	resultInto(t, post(t, srv.URL, testToken, "escrow_release", map[string]string{
		"orderId": "ORD001",
		"caller":  testSeller.Hex(),
	}), &tx)
	resultInto(t, post(t, srv.URL, "", "tx_receipt", map[string]string{"txHash": tx.TxHash}), &receipt)
	if receipt.Status != chain.ReceiptStatusSuccess {
		t.Fatalf("release receipt: %+v", receipt)
	}

	var state escrowStateResult
	resultInto(t, post(t, srv.URL, "", "escrow_get", map[string]string{"orderId": "ORD001"}), &state)
	if state.Status != "released" || state.Amount != "2550" {
		t.Fatalf("unexpected final state: %+v", state)
	}
}

func TestEscrowGetUnknownOrder(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv.URL, "", "escrow_get", map[string]string{"orderId": "ORD404"})
	if resp.Error == nil || resp.Error.Code != codeEscrowNotFound {
		t.Fatalf("expected escrow not found, got %+v", resp.Error)
	}
}

func TestTxReceiptUnknownHashReturnsNull(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv.URL, "", "tx_receipt", map[string]string{
		"txHash": "0x00000000000000000000000000000000000000000000000000000000000000aa",
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result != nil {
		t.Fatalf("expected null result, got %v", resp.Result)
	}
}

func TestMethodNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := post(t, srv.URL, "", "escrow_selfDestruct", map[string]string{})
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

func TestInvalidParamsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := []map[string]string{
		{"orderId": "", "buyer": testBuyer.Hex(), "seller": testSeller.Hex(), "amount": "100"},
		{"orderId": "ORD001", "buyer": "not-an-address", "seller": testSeller.Hex(), "amount": "100"},
		{"orderId": "ORD001", "buyer": testBuyer.Hex(), "seller": testSeller.Hex(), "amount": "25.50"},
		{"orderId": "ORD001", "buyer": testBuyer.Hex(), "seller": testSeller.Hex(), "amount": "-10"},
	}
	for i, params := range cases {
		resp := post(t, srv.URL, testToken, "escrow_deposit", params)
		if resp.Error == nil || resp.Error.Code != codeInvalidParams {
			t.Fatalf("case %d: expected invalid params, got %+v", i, resp.Error)
		}
	}
}

func TestProvenanceOverRPC(t *testing.T) {
	srv, _ := newTestServer(t)

	var tx txHashResult
	resultInto(t, post(t, srv.URL, testToken, "provenance_register", map[string]string{
		"productId": "PRD001",
		"name":      "Heritage Tomatoes",
		"category":  "produce",
		"actor":     testSeller.Hex(),
	}), &tx)
	resultInto(t, post(t, srv.URL, testToken, "provenance_update", map[string]string{
		"productId": "PRD001",
		"action":    "Picked up by logistics",
		"actor":     testArbiter.Hex(),
	}), &tx)

	var history historyResult
	resultInto(t, post(t, srv.URL, "", "provenance_history", map[string]string{"productId": "PRD001"}), &history)
	if len(history.Entries) != 2 {
		t.Fatalf("history length %d, want 2", len(history.Entries))
	}
	if history.Entries[0].Action != "Registered" {
		t.Fatalf("first entry %+v, want registration", history.Entries[0])
	}
}

// The remote client and the server share wire shapes; drive a full settlement
// through chain.RPCClient to pin them together.
func TestRPCClientAgainstServer(t *testing.T) {
	srv, node := newTestServer(t)
	client := chain.NewRPCClient(srv.URL, testToken)
	client.SetPollInterval(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buyer := chain.AddressSigner(testBuyer)
	seller := chain.AddressSigner(testSeller)

	tx, err := client.Deposit(ctx, buyer, "ORD100", testSeller, big.NewInt(2550))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	receipt, err := tx.Wait(ctx)
	if err != nil {
		t.Fatalf("wait deposit: %v", err)
	}
	if !receipt.Ok() {
		t.Fatalf("deposit receipt: %+v", receipt)
	}

	for i, step := range []func() (chain.PendingTx, error){
		func() (chain.PendingTx, error) { return client.ConfirmDelivery(ctx, buyer, "ORD100") },
		func() (chain.PendingTx, error) { return client.ReleasePayment(ctx, seller, "ORD100") },
	} {
		tx, err := step()
		if err != nil {
			t.Fatalf("step %d submit: %v", i, err)
		}
		receipt, err := tx.Wait(ctx)
		if err != nil {
			t.Fatalf("step %d wait: %v", i, err)
		}
		if !receipt.Ok() {
			t.Fatalf("step %d receipt: %+v", i, receipt)
		}
	}

	state, err := client.EscrowStatus(ctx, "ORD100")
	if err != nil {
		t.Fatalf("escrow status: %v", err)
	}
	if state.Status != "released" || state.Amount.Cmp(big.NewInt(2550)) != 0 {
		t.Fatalf("unexpected state: %+v", state)
	}

	paid, err := node.Balance(testSeller)
	if err != nil {
		t.Fatalf("seller balance: %v", err)
	}
	if paid.Cmp(big.NewInt(2550)) != 0 {
		t.Fatalf("seller received %s, want 2550", paid)
	}

	if _, err := client.RegisterProduct(ctx, seller, "PRD100", "Raw Honey", "pantry"); err != nil {
		t.Fatalf("register product: %v", err)
	}
	if _, err := client.UpdateHistory(ctx, seller, "PRD100", "Jarred and sealed"); err != nil {
		t.Fatalf("update history: %v", err)
	}
	history, err := client.ProductHistory(ctx, "PRD100")
	if err != nil {
		t.Fatalf("product history: %v", err)
	}
	if len(history) != 2 || history[1].Action != "Jarred and sealed" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestEmptyBodyRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	var decoded RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Code != codeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", decoded.Error)
	}
}

