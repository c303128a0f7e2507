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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var debugJSON = jsoniter.ConfigCompatibleWithStandardLibrary

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// DebugDir is where raw portal responses are written when debug logging is
// on. Empty disables dumping.
var DebugDir = filepath.Join(os.TempDir(), "stalker-proxy-debug")

// SaveRawResponse saves a raw portal response to a file for debugging and
// returns its path, or "" when nothing was written.
func SaveRawResponse(action string, data []byte) string {
	if !DebugEnabled() || DebugDir == "" {
		return ""
	}

	if err := os.MkdirAll(DebugDir, 0755); err != nil {
		ErrorLog("Failed to create debug directory: %v", err)
		return ""
	}

	cleanAction := unsafeFileChars.ReplaceAllString(action, "_")
	if cleanAction == "" {
		cleanAction = "handshake"
	}
	filename := filepath.Join(DebugDir, fmt.Sprintf("%s_%s.json", cleanAction, time.Now().Format("20060102_150405.000")))

	if err := os.WriteFile(filename, data, 0644); err != nil {
		ErrorLog("Failed to save debug data: %v", err)
		return ""
	}

	// If it's JSON, also write a pretty-printed version
	var prettyData interface{}
	if debugJSON.Unmarshal(data, &prettyData) == nil {
		if prettyBytes, err := debugJSON.MarshalIndent(prettyData, "", "  "); err == nil {
			_ = os.WriteFile(filename+".pretty.json", prettyBytes, 0644)
		}
	}

	return filename
}

// Truncate shortens s for log lines.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "... [truncated]"
}
