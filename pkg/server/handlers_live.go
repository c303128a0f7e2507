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
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/stalker-proxy/pkg/live"
	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// getLivePlaylist serves /live.m3u8?cmd=&play=&subpath=.
func (c *Config) getLivePlaylist(ctx *gin.Context) {
	cmd := ctx.Query("cmd")
	if cmd == "" {
		badRequest(ctx, "missing cmd")
		return
	}
	tier, ok := live.ParseTier(ctx.Query("play"))
	if !ok {
		badRequest(ctx, "unknown play tier")
		return
	}
	reqCtx := ctx.Request.Context()

	utils.DebugLog("[%s] %s playlist for %s", ctx.GetString(requestIDKey), tier, utils.MaskString(cmd))

	if c.transcodeLinks != nil && tier == live.TierMaster {
		local, err := c.transcodeLinks.ResolveLink(reqCtx, cmd)
		if err != nil {
			abortWithError(ctx, err)
			return
		}
		c.recordPlay(ctx, cmd, tier)
		ctx.Redirect(http.StatusFound, local)
		return
	}

	body, err := c.engine.GetPlaylist(reqCtx, cmd, tier, ctx.Query("subpath"))
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	if tier == live.TierMaster {
		c.recordPlay(ctx, cmd, tier)
	}

	ctx.Header("Cache-Control", "no-cache")
	ctx.Data(http.StatusOK, hlsContentType, []byte(body))
}

// recordPlay stores a play event in the background. Variant refreshes are
// not recorded.
func (c *Config) recordPlay(ctx *gin.Context, cmd string, tier live.Tier) {
	if c.history == nil {
		return
	}
	ev := types.PlayEvent{
		Cmd:       cmd,
		Tier:      string(tier),
		ClientIP:  ctx.ClientIP(),
		UserAgent: ctx.Request.UserAgent(),
		PlayedAt:  c.now(),
	}
	bg := context.WithoutCancel(ctx.Request.Context())
	go func() {
		writeCtx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()
		if _, err := c.history.AddPlayEvent(writeCtx, ev); err != nil {
			utils.WarnLog("Failed to record play event: %v", err)
		}
	}()
}
