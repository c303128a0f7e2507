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
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

var (
	forwardedRequestHeaders  = []string{"Range", "Accept", "Accept-Encoding"}
	forwardedResponseHeaders = []string{"Content-Type", "Content-Length", "Accept-Ranges", "Content-Range"}
)

// proxySegment relays one signed segment. Only 200 and 206 reach the
// player; the upstream body is never buffered whole.
func (c *Config) proxySegment(ctx *gin.Context) {
	reqID := ctx.GetString(requestIDKey)
	resource := strings.TrimSuffix(ctx.Param("resource"), ".ts")

	fwd := http.Header{}
	copyAllowed(fwd, ctx.Request.Header, forwardedRequestHeaders)

	seg, err := c.engine.GetSegment(ctx.Request.Context(), resource, ctx.Query("sig"), fwd)
	if err != nil {
		status, _ := types.HTTPStatus(err)
		c.metrics.SegmentRequest(strconv.Itoa(status))
		abortWithError(ctx, err)
		return
	}
	defer seg.Body.Close()

	copyAllowed(ctx.Writer.Header(), seg.Header, forwardedResponseHeaders)
	if ctx.Writer.Header().Get("Content-Type") == "" {
		ctx.Header("Content-Type", "video/mp2t")
	}
	ctx.Header("Cache-Control", "no-store")
	ctx.Status(seg.Status)
	c.metrics.SegmentRequest(strconv.Itoa(seg.Status))

	n, err := relay(ctx, seg.Body)
	c.metrics.SegmentBytes(n)
	if err != nil {
		if types.IsTimeout(err) {
			utils.WarnLog("[%s] Upstream segment stalled after %d bytes: %v", reqID, n, err)
			return
		}
		utils.DebugLog("[%s] Segment relay ended after %d bytes: %v", reqID, n, err)
		return
	}
	utils.DebugLog("[%s] Segment relayed (%d bytes)", reqID, n)
}

// relay copies body to the client with a flush after every chunk. It stops
// when the client goes away.
func relay(ctx *gin.Context, body io.Reader) (int64, error) {
	w := ctx.Writer
	buf := make([]byte, 64*1024)
	var total int64

	for {
		select {
		case <-ctx.Request.Context().Done():
			return total, ctx.Request.Context().Err()
		default:
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			w.Flush()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}
