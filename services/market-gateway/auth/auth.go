// Package auth verifies the gateway's HS256 bearer tokens and enforces role
// checks per route.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	contextKeyClaims contextKey = "jwt_claims"
	contextKeyUserID contextKey = "user_id"
	contextKeyRole   contextKey = "user_role"
)

// Role represents an authorized persona within the marketplace.
type Role string

// Supported roles.
const (
	RoleFarmer    Role = "farmer"
	RoleBuyer     Role = "buyer"
	RoleLogistics Role = "logistics"
	RoleAdmin     Role = "admin"
)

var allowedRoles = map[Role]struct{}{
	RoleFarmer:    {},
	RoleBuyer:     {},
	RoleLogistics: {},
	RoleAdmin:     {},
}

// Claims is the identity data extracted from a verified token.
type Claims struct {
	Subject       string
	Role          Role
	WalletAddress string
	Attributes    jwt.MapClaims
}

// Verifier validates bearer tokens against a shared HS256 secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewVerifier constructs a verifier. Issuer and audience are both enforced.
func NewVerifier(secret []byte, issuer, audience string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: HS256 secret must not be empty")
	}
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("auth: JWT issuer is required")
	}
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return nil, errors.New("auth: JWT audience is required")
	}
	return &Verifier{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		leeway:   30 * time.Second,
		now:      time.Now,
	}, nil
}

// SetNowFunc overrides the verifier clock for tests.
func (v *Verifier) SetNowFunc(now func() time.Time) {
	if now != nil {
		v.now = now
	}
}

// Verify parses and validates a raw token, returning its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("auth: token validation failed")
	}

	subject := ""
	if sub, ok := claims["sub"].(string); ok {
		subject = strings.TrimSpace(sub)
	}
	if subject == "" {
		return nil, errors.New("auth: token subject missing")
	}

	rawRole, _ := claims["role"].(string)
	role := Role(strings.ToLower(strings.TrimSpace(rawRole)))
	if _, ok := allowedRoles[role]; !ok {
		return nil, fmt.Errorf("auth: role %q is not permitted", rawRole)
	}

	wallet, _ := claims["walletAddress"].(string)

	return &Claims{
		Subject:       subject,
		Role:          role,
		WalletAddress: strings.TrimSpace(wallet),
		Attributes:    claims,
	}, nil
}

// Issue mints a token for the subject, primarily for tests and local tooling.
func (v *Verifier) Issue(subject string, role Role, wallet string, ttl time.Duration) (string, error) {
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":           subject,
		"role":          string(role),
		"walletAddress": wallet,
		"iss":           v.issuer,
		"aud":           v.audience,
		"iat":           now.Unix(),
		"exp":           now.Add(ttl).Unix(),
	})
	return token.SignedString(v.secret)
}

// Authenticate enforces a valid bearer token and attaches the claims to the
// request context.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if authz == "" {
			http.Error(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(authz, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization scheme", http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(parts[1])
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyClaims, claims)
		ctx = context.WithValue(ctx, contextKeyUserID, claims.Subject)
		ctx = context.WithValue(ctx, contextKeyRole, string(claims.Role))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext extracts the Claims previously attached by Authenticate.
func FromContext(ctx context.Context) (*Claims, error) {
	if ctx == nil {
		return nil, errors.New("auth: missing context")
	}
	if claims, ok := ctx.Value(contextKeyClaims).(*Claims); ok && claims != nil {
		return claims, nil
	}
	return nil, errors.New("auth: missing identity in context")
}

// RequireRole ensures the authenticated user has one of the allowed roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := FromContext(r.Context())
			if err != nil {
				http.Error(w, "missing identity", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				http.Error(w, "insufficient role", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
