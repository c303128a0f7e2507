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
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

const hlsContentType = "application/vnd.apple.mpegurl"

// contentTypeForPath maps a file extension to the Content-Type of a
// streaming response.
func contentTypeForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".ts":
		return "video/mp2t"
	case ".m3u8", ".m3u":
		return hlsContentType
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// setNoBufferingHeaders configures common headers to minimize intermediary
// buffering during long-running streams.
func setNoBufferingHeaders(ctx *gin.Context, contentType string) {
	if contentType != "" {
		ctx.Header("Content-Type", contentType)
	}
	ctx.Header("Cache-Control", "no-store")
	ctx.Header("Pragma", "no-cache")
	ctx.Header("X-Accel-Buffering", "no")
}

// copyAllowed copies the listed headers from src to dst.
func copyAllowed(dst, src http.Header, allowed []string) {
	for _, k := range allowed {
		for _, v := range src.Values(k) {
			dst.Add(k, v)
		}
	}
}
