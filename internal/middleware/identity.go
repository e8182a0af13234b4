// Roomsync - Multi-Tenant Real-Time Synchronized Relational Store
// Copyright 2026 J. M. Carlson (jmcarlson)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jmcarlson/roomsync

package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcarlson/roomsync/internal/logging"
)

const callerKey contextKey = "caller"

// Identity resolves the caller identity that the per-room rate limiter
// keys on. With a token secret configured, requests must carry a valid
// HS256 bearer token and the subject claim names the caller. Without one,
// the X-Caller-ID header or the client IP serves as a best-effort key.
func Identity(tokenSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := resolveCaller(r, tokenSecret)
			if err != nil {
				logging.Warn().
					Err(err).
					Str("remote", r.RemoteAddr).
					Msg("rejected unauthenticated request")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "invalid or missing bearer token",
					"kind":  "unauthorized",
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), callerKey, caller)))
		})
	}
}

func resolveCaller(r *http.Request, tokenSecret string) (string, error) {
	if tokenSecret == "" {
		if caller := r.Header.Get("X-Caller-ID"); caller != "" {
			return caller, nil
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr, nil
		}
		return host, nil
	}

	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", fmt.Errorf("missing bearer token")
	}

	claims := jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(tokenSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("parse bearer token: %w", err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("token missing subject claim")
	}
	return claims.Subject, nil
}

// GetCaller extracts the resolved caller identity from context.
func GetCaller(ctx context.Context) string {
	if caller, ok := ctx.Value(callerKey).(string); ok {
		return caller
	}
	return "anonymous"
}
