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

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

func (c *Config) routes(r *gin.Engine) {
	r.GET("/live.m3u8", c.getLivePlaylist)
	r.GET("/player/:resource", c.proxySegment)

	r.GET("/"+c.M3UFileName, c.authenticate, c.getM3U)
	// XXX some players POST the playlist URL
	r.POST("/"+c.M3UFileName, c.authenticate, c.getM3U)

	api := r.Group("/api")
	api.GET("/status", c.authenticate, c.getStatus)
	api.GET("/channels", c.authenticate, c.getChannels)
	api.GET("/stream/:key/:file", c.getTranscodedFile)

	if c.metrics != nil {
		r.GET("/metrics", gin.WrapH(c.metrics.Handler(func() {
			c.engine.Stats(context.Background())
		})))
	}

	utils.DebugLog("Routes initialized (m3u export at /%s)", c.M3UFileName)
}
