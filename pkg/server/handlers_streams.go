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
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/stalker-proxy/pkg/transcode"
	"github.com/lucasduport/stalker-proxy/pkg/types"
)

// getTranscodedFile serves the playlist and segments written by ffmpeg.
// Every hit keeps the process alive.
func (c *Config) getTranscodedFile(ctx *gin.Context) {
	if c.transcodes == nil {
		abortWithError(ctx, types.NewNotFoundError(types.ReasonNotFound, "transcoding disabled"))
		return
	}
	key, file := ctx.Param("key"), ctx.Param("file")
	if file != path.Base(file) || (file != transcode.PlaylistName && !strings.HasSuffix(file, ".ts")) {
		abortWithError(ctx, types.NewNotFoundError(types.ReasonNotFound, "unknown file"))
		return
	}
	if !c.transcodes.Touch(key) {
		abortWithError(ctx, types.NewNotFoundError(types.ReasonNotFound, "no transcoder for "+key))
		return
	}

	setNoBufferingHeaders(ctx, contentTypeForPath(file))
	ctx.File(filepath.Join(c.transcodes.Dir(key), file))
}
