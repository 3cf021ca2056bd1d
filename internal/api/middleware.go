/**
 * @description
 * Service-to-service authentication. Callers present either the shared
 * internal API key or an HS256 service token minted by the auth layer.
 */

package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CallerContextKey is a custom type for the context key to avoid collisions.
type CallerContextKey string

const callerKey CallerContextKey = "serviceCaller"

const internalCaller = "internal"

// ServiceAuthMiddleware accepts a matching X-Internal-API-Key header or a
// valid HS256 bearer token. With neither credential configured every request
// passes, which is only meant for local development.
func ServiceAuthMiddleware(jwtSecret, internalKey string) func(http.Handler) http.Handler {
	secret := []byte(strings.TrimSpace(jwtSecret))
	key := strings.TrimSpace(internalKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 && key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if provided := r.Header.Get("X-Internal-API-Key"); provided != "" && key != "" {
				if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, internalCaller)))
				return
			}

			if len(secret) == 0 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			caller, err := verifyServiceToken(tokenString, secret)
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, caller)))
		})
	}
}

// verifyServiceToken validates an HS256 token and returns its subject.
func verifyServiceToken(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("token is not valid")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("subject not found in token")
	}
	return subject, nil
}

// GetCaller returns the authenticated service identity.
func GetCaller(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey).(string)
	return caller, ok
}
