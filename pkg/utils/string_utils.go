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

package utils

import (
	"net/url"
	"strings"
)

// sensitiveParams are query keys whose values never reach the logs.
var sensitiveParams = []string{"token", "mac", "sig", "play_token", "sn", "password", "uid"}

// MaskString masks sensitive parts of strings for logging.
func MaskString(s string) string {
	if len(s) <= 8 {
		if len(s) <= 0 {
			return "[empty]"
		}
		return s[:1] + "******"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// MaskURL masks credentials and session parameters of an upstream URL.
// Portal stream links carry the session token in the query string and
// sometimes as a path element after "/live/".
func MaskURL(urlStr string) string {
	u, err := url.Parse(urlStr)
	if err != nil || u.Host == "" {
		return MaskString(urlStr)
	}

	if u.User != nil {
		u.User = url.User(MaskString(u.User.Username()))
	}

	q := u.Query()
	masked := false
	for _, key := range sensitiveParams {
		if v := q.Get(key); v != "" {
			q.Set(key, MaskString(v))
			masked = true
		}
	}
	if masked {
		u.RawQuery = q.Encode()
	}

	parts := strings.Split(u.Path, "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "live" && i+3 < len(parts) {
			// /live/<user>/<pass>/<id>
			parts[i+1] = MaskString(parts[i+1])
			parts[i+2] = MaskString(parts[i+2])
			break
		}
	}
	u.Path = strings.Join(parts, "/")
	u.RawPath = ""

	return u.String()
}
