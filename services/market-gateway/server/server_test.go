package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"agriclear/chain"
	"agriclear/services/market-gateway/auth"
	"agriclear/services/market-gateway/models"
	"agriclear/services/market-gateway/settlement"
	"agriclear/storage"
)

var testSecret = []byte("gateway-test-secret-0123456789abcdef")

type env struct {
	db       *gorm.DB
	node     *chain.LocalNode
	verifier *auth.Verifier
	server   *Server
	ts       *httptest.Server

	farmerID uuid.UUID
	buyerID  uuid.UUID
	adminID  uuid.UUID
	courier  uuid.UUID

	farmerToken  string
	buyerToken   string
	adminToken   string
	courierToken string
}

var (
	testBuyerWallet  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testFarmerWallet = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	node := chain.NewLocalNode(storage.NewMemDB())
	require.NoError(t, node.FundAccount(testBuyerWallet, big.NewInt(1_000_000)))

	verifier, err := auth.NewVerifier(testSecret, "agriclear", "market-gateway")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proc, err := settlement.NewProcessor(settlement.Config{
		DB:     db,
		Client: node,
		Logger: logger,
	})
	require.NoError(t, err)

	srv, err := New(Config{
		DB:        db,
		Verifier:  verifier,
		Processor: proc,
		Client:    node,
		Logger:    logger,
	})
	require.NoError(t, err)

	e := &env{
		db:       db,
		node:     node,
		verifier: verifier,
		server:   srv,
		ts:       httptest.NewServer(srv.Router()),
		farmerID: uuid.New(),
		buyerID:  uuid.New(),
		adminID:  uuid.New(),
		courier:  uuid.New(),
	}
	t.Cleanup(e.ts.Close)

	e.farmerToken = e.issue(t, e.farmerID, auth.RoleFarmer, testFarmerWallet.Hex())
	e.buyerToken = e.issue(t, e.buyerID, auth.RoleBuyer, testBuyerWallet.Hex())
	e.adminToken = e.issue(t, e.adminID, auth.RoleAdmin, "")
	e.courierToken = e.issue(t, e.courier, auth.RoleLogistics, "")
	return e
}

func (e *env) issue(t *testing.T, id uuid.UUID, role auth.Role, wallet string) string {
	t.Helper()
	token, err := e.verifier.Issue(id.String(), role, wallet, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *env) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *env) createProduct(t *testing.T, register bool) models.Product {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/products", e.farmerToken, map[string]interface{}{
		"name":       "Raw Honey",
		"category":   "pantry",
		"priceMinor": 2550,
		"quantity":   10,
		"organic":    true,
		"register":   register,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[models.Product](t, resp)
}

func TestProductLifecycle(t *testing.T) {
	e := newEnv(t)
	product := e.createProduct(t, false)
	require.Equal(t, "Raw Honey", product.Name)
	require.False(t, product.Registered)

	resp := e.do(t, http.MethodGet, "/api/products", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]models.Product](t, resp)
	require.Len(t, listed, 1)

	resp = e.do(t, http.MethodPut, "/api/products/"+product.ID.String(), e.farmerToken, map[string]interface{}{
		"priceMinor": 3000,
		"quantity":   8,
		"organic":    true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[models.Product](t, resp)
	require.Equal(t, int64(3000), updated.PriceMinor)
	require.Equal(t, 8, updated.Quantity)

	// Buyers cannot manage the catalogue.
	resp = e.do(t, http.MethodPost, "/api/products", e.buyerToken, map[string]interface{}{
		"name": "x", "priceMinor": 1, "quantity": 1,
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Anonymous writes are rejected outright.
	resp = e.do(t, http.MethodPost, "/api/products", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestProductRegistrationAndProvenance(t *testing.T) {
	e := newEnv(t)
	product := e.createProduct(t, true)
	require.True(t, product.Registered)

	resp := e.do(t, http.MethodGet, "/api/products/"+product.ID.String()+"/provenance", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]interface{}](t, resp)
	history, ok := body["history"].([]interface{})
	require.True(t, ok)
	require.Len(t, history, 1)

	resp = e.do(t, http.MethodGet, "/api/products/"+uuid.NewString()+"/provenance", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/products/"+product.ID.String()+"/register", e.farmerToken, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func (e *env) fillCart(t *testing.T, product models.Product, qty int) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/cart", e.buyerToken, map[string]interface{}{
		"productId": product.ID.String(),
		"quantity":  qty,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestCartRoundTrip(t *testing.T) {
	e := newEnv(t)
	product := e.createProduct(t, false)
	e.fillCart(t, product, 2)

	resp := e.do(t, http.MethodGet, "/api/cart", e.buyerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cart := decode[map[string]interface{}](t, resp)
	require.EqualValues(t, 5100, cart["totalMinor"])

	// Re-adding replaces the quantity instead of stacking.
	e.fillCart(t, product, 1)
	resp = e.do(t, http.MethodGet, "/api/cart", e.buyerToken, nil)
	cart = decode[map[string]interface{}](t, resp)
	require.EqualValues(t, 2550, cart["totalMinor"])

	resp = e.do(t, http.MethodDelete, "/api/cart/"+product.ID.String(), e.buyerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/cart", e.buyerToken, nil)
	cart = decode[map[string]interface{}](t, resp)
	require.EqualValues(t, 0, cart["totalMinor"])

	resp = e.do(t, http.MethodPost, "/api/cart", e.buyerToken, map[string]interface{}{
		"productId": product.ID.String(),
		"quantity":  99,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestCheckoutAndDeliveryOverHTTP(t *testing.T) {
	e := newEnv(t)
	product := e.createProduct(t, false)
	e.fillCart(t, product, 2)

	resp := e.do(t, http.MethodPost, "/api/checkout", e.buyerToken, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decode[models.Order](t, resp)
	require.Equal(t, models.StatusConfirmed, order.Status)
	require.Equal(t, int64(5100), order.TotalMinor)

	// Farmer walks the order through fulfilment.
	resp = e.do(t, http.MethodPost, "/api/orders/"+order.Reference+"/status", e.farmerToken,
		map[string]string{"status": "shipped"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/orders/"+order.Reference+"/status", e.farmerToken,
		map[string]string{"status": "processing"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodPost, "/api/orders/"+order.Reference+"/status", e.farmerToken,
		map[string]string{"status": "shipped"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Courier records the handoff.
	resp = e.do(t, http.MethodPost, "/api/orders/"+order.Reference+"/shipment", e.courierToken,
		map[string]interface{}{"pickedUp": true, "notes": "cold chain"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	shipment := decode[models.Shipment](t, resp)
	require.NotNil(t, shipment.PickedUpAt)

	// Buyer confirms receipt, which releases the escrow.
	resp = e.do(t, http.MethodPost, "/api/orders/"+order.Reference+"/confirm-delivery", e.buyerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paid := decode[models.Order](t, resp)
	require.Equal(t, models.StatusPaid, paid.Status)

	balance, err := e.node.Balance(testFarmerWallet)
	require.NoError(t, err)
	require.Equal(t, int64(5100), balance.Int64())

	// Farmer sees the sale; buyer sees the purchase; courier sees neither
	// once the order left the fulfilment stages.
	resp = e.do(t, http.MethodGet, "/api/orders", e.farmerToken, nil)
	require.Len(t, decode[[]models.Order](t, resp), 1)
	resp = e.do(t, http.MethodGet, "/api/orders", e.buyerToken, nil)
	require.Len(t, decode[[]models.Order](t, resp), 1)
	resp = e.do(t, http.MethodGet, "/api/orders", e.courierToken, nil)
	require.Empty(t, decode[[]models.Order](t, resp))
}

func TestCheckoutEmptyCartRejected(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/api/checkout", e.buyerToken, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestRewardsEndpoint(t *testing.T) {
	e := newEnv(t)
	product := e.createProduct(t, false)
	e.fillCart(t, product, 1)
	resp := e.do(t, http.MethodPost, "/api/checkout", e.buyerToken, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/rewards", e.buyerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]interface{}](t, resp)
	require.EqualValues(t, 70, body["totalPoints"])
}

func TestFraudAlertsAdminOnly(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/api/fraud-alerts", e.buyerToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = e.do(t, http.MethodGet, "/api/fraud-alerts", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, decode[[]models.FraudAlert](t, resp))
}

func TestIdempotentCheckout(t *testing.T) {
	e := newEnv(t)
	product := e.createProduct(t, false)
	e.fillCart(t, product, 1)

	key := uuid.NewString()
	first := e.doWithKey(t, key)
	second := e.doWithKey(t, key)
	require.Equal(t, first.Reference, second.Reference)

	var count int64
	require.NoError(t, e.db.Model(&models.Order{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func (e *env) doWithKey(t *testing.T, key string) models.Order {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/checkout", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.buyerToken)
	req.Header.Set("Idempotency-Key", key)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[models.Order](t, resp)
}

func TestOrderStreamDeliversBuyerUpdates(t *testing.T) {
	e := newEnv(t)
	product := e.createProduct(t, false)
	e.fillCart(t, product, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + e.ts.URL[len("http"):] + "/api/ws/orders"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + e.buyerToken}},
	})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	resp := e.do(t, http.MethodPost, "/api/checkout", e.buyerToken, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decode[models.Order](t, resp)

	// The processor's notify hook is wired to the hub in main; tests drive
	// the hub directly through the server's Publish.
	e.server.Publish(settlement.OrderUpdate{
		OrderRef: order.Reference,
		BuyerID:  e.buyerID.String(),
		FarmerID: e.farmerID.String(),
		Status:   models.StatusConfirmed,
	})

	var update settlement.OrderUpdate
	require.NoError(t, wsjson.Read(ctx, conn, &update))
	require.Equal(t, order.Reference, update.OrderRef)
	require.Equal(t, models.StatusConfirmed, update.Status)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Hit an instrumented route first so a series exists.
	e.do(t, http.MethodGet, "/api/products", "", nil).Body.Close()

	resp = e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "gateway_requests_total")
}

func TestShipmentUnknownOrder(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/api/orders/ORD-NOPE/shipment", e.courierToken,
		map[string]interface{}{"pickedUp": true})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
