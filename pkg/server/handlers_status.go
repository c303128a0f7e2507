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

	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

const recentPlaysLimit = 20

// getStatus reports session expiry, cache stats, running transcoders and
// recent plays. The portal token itself is never included.
func (c *Config) getStatus(ctx *gin.Context) {
	reqCtx := ctx.Request.Context()
	now := c.now()

	snap := c.session.Snapshot()
	status := types.SessionStatus{
		Authenticated: snap.Valid(now),
		UID:           snap.UID,
		AccountExpiry: c.session.GetExpiry(reqCtx),
		ActiveChannel: c.session.ActiveChannel(),
	}
	if !snap.ExpiresAt.IsZero() {
		expires := snap.ExpiresAt
		status.TokenExpires = &expires
	}

	report := types.StatusReport{
		Session: status,
		Cache:   c.engine.Stats(reqCtx),
		Uptime:  now.Sub(c.startedAt).Truncate(time.Second).String(),
	}
	if c.transcodes != nil {
		report.Transcodes = c.transcodes.Active()
	}
	if c.history != nil {
		plays, err := c.history.RecentPlays(reqCtx, recentPlaysLimit)
		if err != nil {
			utils.WarnLog("Failed to load recent plays: %v", err)
		}
		report.RecentPlays = plays
	}

	ctx.JSON(http.StatusOK, types.APIResponse{
		Success: true,
		Data:    report,
	})
}
