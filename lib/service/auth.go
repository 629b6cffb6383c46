// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"net/http"
	"strings"

	"github.com/bureau-foundation/crosslink/lib/secret"
)

// BearerToken returns the credential from an "Authorization: Bearer
// <token>" header. The scheme is case-insensitive.
func BearerToken(request *http.Request) (string, bool) {
	header := request.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// Authorized reports whether request carries the expected bearer
// token. A nil or empty expected token authorizes every request.
func Authorized(expected *secret.Buffer, request *http.Request) bool {
	if expected == nil || expected.Len() == 0 {
		return true
	}
	token, ok := BearerToken(request)
	if !ok {
		return false
	}
	return expected.Matches([]byte(token))
}

// RequireBearer wraps next so that requests without the expected
// bearer token get 401 and never reach it.
func RequireBearer(expected *secret.Buffer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, request *http.Request) {
		if !Authorized(expected, request) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			RespondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, request)
	})
}
