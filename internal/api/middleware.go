/**
 * @description
 * This file contains custom middleware for the HTTP router. The auth middleware
 * validates HS256 bearer tokens and puts the caller's ledger address, taken from
 * the `sub` claim, on the request context.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: For token parsing and validation.
 */

package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/proof-service/internal/domain"
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerAddressKey CallerContextKey = "callerAddress"

// JWTAuthMiddleware creates a middleware that validates HS256 tokens signed with secret.
// When issuer is non-empty the `iss` claim must match it.
func JWTAuthMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	key := []byte(secret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if strings.TrimSpace(issuer) != "" {
		opts = append(opts, jwt.WithIssuer(strings.TrimSpace(issuer)))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
				return
			}

			claims := jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			caller := domain.Address(strings.TrimSpace(claims.Subject))
			if caller.IsZero() {
				writeError(w, http.StatusUnauthorized, "Caller address not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), callerAddressKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCallerAddress retrieves the authenticated caller address from the request context.
func GetCallerAddress(ctx context.Context) (domain.Address, bool) {
	caller, ok := ctx.Value(callerAddressKey).(domain.Address)
	return caller, ok
}
