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

package types

import "time"

// APIResponse is a standardized API response structure
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// PortalSession is the persisted view of the authenticated portal session.
// The token is only ever written to storage, never to API responses.
type PortalSession struct {
	PortalKey string    `json:"portal_key"`
	Token     string    `json:"-"`
	Random    string    `json:"-"`
	UID       string    `json:"uid,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Valid reports whether the session still has a usable token at now.
func (s *PortalSession) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}

// PlayEvent is one served master or variant playlist.
type PlayEvent struct {
	ID        int64     `json:"id"`
	Cmd       string    `json:"cmd"`
	Tier      string    `json:"tier"`
	ClientIP  string    `json:"client_ip"`
	UserAgent string    `json:"user_agent"`
	PlayedAt  time.Time `json:"played_at"`
}

// Channel is a live channel as listed by the portal.
type Channel struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	Cmd      string `json:"cmd"`
	Logo     string `json:"logo,omitempty"`
	GenreID  string `json:"tv_genre_id,omitempty"`
	Censored bool   `json:"censored,omitempty"`
}

// SessionStatus is the non-secret part of the session exposed by /api/status.
type SessionStatus struct {
	Authenticated bool       `json:"authenticated"`
	UID           string     `json:"uid,omitempty"`
	TokenExpires  *time.Time `json:"token_expires,omitempty"`
	AccountExpiry *time.Time `json:"account_expiry,omitempty"`
	ActiveChannel string     `json:"active_channel,omitempty"`
}

// CacheStats summarizes the live playlist cache.
type CacheStats struct {
	Records  int `json:"records"`
	Segments int `json:"segments"`
	Pending  int `json:"pending"`
}

// TranscodeStatus describes one running transcoder process.
type TranscodeStatus struct {
	Key        string    `json:"key"`
	StartedAt  time.Time `json:"started_at"`
	LastAccess time.Time `json:"last_access"`
}

// StatusReport is the payload of /api/status.
type StatusReport struct {
	Session     SessionStatus     `json:"session"`
	Cache       CacheStats        `json:"cache"`
	Transcodes  []TranscodeStatus `json:"transcodes,omitempty"`
	RecentPlays []PlayEvent       `json:"recent_plays,omitempty"`
	Uptime      string            `json:"uptime"`
}
