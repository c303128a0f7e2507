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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

const requestIDKey = "request_id"

// requestID tags every request so playlist and segment logs can be joined.
func requestID() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		id := ctx.GetHeader("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.New().String()
		}
		ctx.Set(requestIDKey, id)
		ctx.Header("X-Request-ID", id)
		ctx.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		if !utils.DebugEnabled() {
			return
		}
		utils.WithFields(utils.Fields{
			"request_id": ctx.GetString(requestIDKey),
			"method":     ctx.Request.Method,
			"path":       utils.MaskURL(ctx.Request.URL.String()),
			"status":     ctx.Writer.Status(),
			"latency":    time.Since(start).String(),
			"client_ip":  ctx.ClientIP(),
		}).Debug("request")
	}
}

// abortWithError maps err to a status and a short reason. Internal details
// are logged, never sent.
func abortWithError(ctx *gin.Context, err error) {
	status, reason := types.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		utils.WarnLog("[%s] %s failed: %v", ctx.GetString(requestIDKey), ctx.Request.URL.Path, err)
	} else {
		utils.DebugLog("[%s] %s rejected: %v", ctx.GetString(requestIDKey), ctx.Request.URL.Path, err)
	}
	ctx.AbortWithStatusJSON(status, types.APIResponse{
		Success: false,
		Error:   reason,
	})
}

func badRequest(ctx *gin.Context, msg string) {
	ctx.AbortWithStatusJSON(http.StatusBadRequest, types.APIResponse{
		Success: false,
		Error:   "bad_request",
		Message: msg,
	})
}
