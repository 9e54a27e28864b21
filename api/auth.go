package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TenantHeader carries the tenant when JWT auth is disabled.
const TenantHeader = "X-Tenant-ID"

// DefaultTenant is used when auth is disabled and no header is sent.
const DefaultTenant = "default"

// Claims are the JWT claims the API reads. The subject is the operator.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	TenantID string
	Subject  string
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller. Routes behind Authenticate always have one.
func PrincipalFrom(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}

// Authenticate resolves the tenant for every request.
//
// With a secret, a Bearer HS256 token with a tenant_id claim is required.
// Without one, the tenant comes from X-Tenant-ID (development only).
func Authenticate(secret string) func(http.Handler) http.Handler {
	key := []byte(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				tenant := r.Header.Get(TenantHeader)
				if tenant == "" {
					tenant = DefaultTenant
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{TenantID: tenant})))
				return
			}

			p, err := parseToken(r.Header.Get("Authorization"), key)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func parseToken(header string, key []byte) (Principal, error) {
	if header == "" {
		return Principal{}, errors.New("missing authorization header")
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Principal{}, errors.New("invalid authorization header format")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.TenantID == "" {
		return Principal{}, errors.New("token has no tenant")
	}
	return Principal{TenantID: claims.TenantID, Subject: claims.Subject}, nil
}

// SignToken issues an HS256 token. Used by railctl and tests.
func SignToken(secret, tenant, subject string) (string, error) {
	claims := Claims{
		TenantID:         tenant,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
