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

import "os"

// DefaultSTBUserAgent is the browser string of a MAG set-top box. Most
// portals refuse requests that do not look like one.
const DefaultSTBUserAgent = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"

// GetSTBUserAgent returns the user agent to use for portal requests
// Uses the USER_AGENT environment variable if set, otherwise a MAG browser string
func GetSTBUserAgent() string {
	userAgent := os.Getenv("USER_AGENT")
	if userAgent == "" {
		return DefaultSTBUserAgent
	}
	return userAgent
}
