package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agriclear/services/market-gateway/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db := newTestDB(t)

	var calls atomic.Int32
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		key, ok := IdempotencyKeyFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, "checkout-1", key)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"orderId":"ORD001"}`))
	}))

	run := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders/checkout", nil)
		req.Header.Set("Idempotency-Key", "checkout-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := run()
	require.Equal(t, http.StatusCreated, first.Code)
	second := run()
	require.Equal(t, http.StatusCreated, second.Code)
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, int32(1), calls.Load())
}

func TestRequestsWithoutKeyAlwaysExecute(t *testing.T) {
	db := newTestDB(t)

	var calls atomic.Int32
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/orders/checkout", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, int32(3), calls.Load())
}
