// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// userKey is the gin context key holding the caller's identity.
const userKey = "dbtforge_user"

// localUser is the identity of every caller when no token is configured.
const localUser = "local-user"

// userHeader optionally names the caller for logs and workflow records.
const userHeader = "X-Forge-User"

// TokenAuth returns middleware that requires "Authorization: Bearer <token>".
//
// Description:
//
//	An empty token disables the check and every request is attributed to
//	"local-user", which keeps the CLI's embedded server usable without any
//	setup. The caller's name is taken from the X-Forge-User header when
//	present.
//
// Inputs:
//
//	token - The shared secret. Empty disables authentication.
//
// Outputs:
//
//	gin.HandlerFunc - The middleware.
func TokenAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" {
			got, ok := bearerToken(c.GetHeader("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
				return
			}
		}
		user := strings.TrimSpace(c.GetHeader(userHeader))
		if user == "" {
			user = localUser
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// User returns the caller set by TokenAuth, or "local-user".
func User(c *gin.Context) string {
	if v, ok := c.Get(userKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return localUser
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
