package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "agriclear"
	testAudience = "market-gateway"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier([]byte("unit-test-secret"), testIssuer, testAudience)
	require.NoError(t, err)
	return v
}

func TestVerifyRoundTrip(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Issue("user-1", RoleBuyer, "0x1000000000000000000000000000000000000001", time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, RoleBuyer, claims.Role)
	require.Equal(t, "0x1000000000000000000000000000000000000001", claims.WalletAddress)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Issue("user-1", RoleBuyer, "", time.Minute)
	require.NoError(t, err)

	v.SetNowFunc(func() time.Time { return time.Now().Add(2 * time.Hour) })
	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsUnknownRole(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "user-1",
		"role": "warehouse-gnome",
		"iss":  testIssuer,
		"aud":  testAudience,
		"iat":  now.Unix(),
		"exp":  now.Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("unit-test-secret"))
	require.NoError(t, err)

	_, err = v.Verify(signed)
	require.Error(t, err)
}

func TestVerifyRejectsWrongIssuerAndAudience(t *testing.T) {
	v := newTestVerifier(t)
	other, err := NewVerifier([]byte("unit-test-secret"), "someone-else", testAudience)
	require.NoError(t, err)
	token, err := other.Issue("user-1", RoleBuyer, "", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	v := newTestVerifier(t)
	forger, err := NewVerifier([]byte("a-different-secret"), testIssuer, testAudience)
	require.NoError(t, err)
	token, err := forger.Issue("user-1", RoleAdmin, "", time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(token)
	require.Error(t, err)
}

func TestAuthenticateAndRequireRole(t *testing.T) {
	v := newTestVerifier(t)
	handler := v.Authenticate(RequireRole(RoleFarmer, RoleAdmin)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			require.NoError(t, err)
			w.Write([]byte(claims.Subject))
		}),
	))

	run := func(authz string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusUnauthorized, run("").Code)
	require.Equal(t, http.StatusUnauthorized, run("Basic abc").Code)
	require.Equal(t, http.StatusUnauthorized, run("Bearer garbage").Code)

	buyerToken, err := v.Issue("buyer-1", RoleBuyer, "", time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, run("Bearer "+buyerToken).Code)

	farmerToken, err := v.Issue("farmer-1", RoleFarmer, "", time.Hour)
	require.NoError(t, err)
	rec := run("Bearer " + farmerToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "farmer-1", rec.Body.String())
}
