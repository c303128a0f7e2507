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

package stalker

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/lucasduport/stalker-proxy/pkg/config"
	"github.com/lucasduport/stalker-proxy/pkg/httpclient"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// authFailedBody is what portals answer, with a 200, when the token is no
// longer accepted for a content call.
const authFailedBody = "Authorization failed."

// IsAuthFailureSentinel reports whether a portal body is the
// "Authorization failed." marker.
func IsAuthFailureSentinel(body []byte) bool {
	return bytes.Equal(bytes.TrimSpace(body), []byte(authFailedBody))
}

// Fetcher is the outbound transport used for portal calls.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*httpclient.Response, error)
}

// api speaks the load.php protocol for one device identity.
type api struct {
	cfg    config.PortalConfig
	client Fetcher
}

// headers returns the set-top box headers. token may be empty (handshake).
func (a *api) headers(token string) http.Header {
	ua := a.cfg.UserAgent
	if ua == "" {
		ua = utils.GetSTBUserAgent()
	}
	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("X-User-Agent", "Model: "+a.cfg.STBType+"; Link: WiFi")
	h.Set("Accept", "*/*")
	h.Set("Cookie", "mac="+url.QueryEscape(a.cfg.MAC)+"; stb_lang=en; timezone="+url.QueryEscape(a.cfg.Timezone))
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if a.cfg.SerialNumber != "" {
		h.Set("SN", a.cfg.SerialNumber)
	}
	return h
}

func (a *api) get(ctx context.Context, params url.Values, token string) (*httpclient.Response, error) {
	if params.Get("JsHttpRequest") == "" {
		params.Set("JsHttpRequest", "1-xml")
	}
	resp, err := a.client.Get(ctx, a.cfg.LoadURL()+"?"+params.Encode(), a.headers(token))
	if err != nil {
		return nil, err
	}
	if resp.OK() {
		utils.SaveRawResponse(params.Get("type")+"_"+params.Get("action"), resp.Body)
	}
	return resp, nil
}

// jsString reads a scalar under "js" as a string whether the portal encoded
// it as a string or a number.
func jsString(body []byte, keys ...string) string {
	path := append([]string{"js"}, keys...)
	return scalarString(body, path...)
}

func scalarString(data []byte, keys ...string) string {
	v, typ, _, err := jsonparser.Get(data, keys...)
	if err != nil {
		return ""
	}
	switch typ {
	case jsonparser.String:
		s, err := jsonparser.ParseString(v)
		if err != nil {
			return string(v)
		}
		return s
	case jsonparser.Number, jsonparser.Boolean:
		return string(v)
	default:
		return ""
	}
}

func scalarInt(data []byte, keys ...string) int64 {
	s := scalarString(data, keys...)
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
