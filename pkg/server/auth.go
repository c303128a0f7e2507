/*
 * stalker-proxy relays the live channels of a Stalker portal to IPTV players.
 * Copyright (C) 2025  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// authRequest represents credentials supplied via form/query params.
type authRequest struct {
	Username string `form:"username"`
	Password string `form:"password"`
}

// authenticate guards the channel export when a user and password are
// configured. Credentials come from query/form params or Basic auth.
func (c *Config) authenticate(ctx *gin.Context) {
	if c.User == "" && c.Password == "" {
		return
	}

	var authReq authRequest
	if err := ctx.ShouldBind(&authReq); err != nil {
		utils.DebugLog("Bind error: %v", err)
	}
	if authReq.Username == "" {
		if user, pass, ok := ctx.Request.BasicAuth(); ok {
			authReq.Username, authReq.Password = user, pass
		}
	}

	if !equal(authReq.Username, c.User.String()) || !equal(authReq.Password, c.Password.String()) {
		utils.DebugLog("Authentication failed for user: %s", authReq.Username)
		ctx.Header("WWW-Authenticate", `Basic realm="stalker-proxy"`)
		ctx.AbortWithStatus(http.StatusUnauthorized)
		return
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
