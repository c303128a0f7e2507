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

package config

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lucasduport/stalker-proxy/pkg/types"
)

// CredentialString is a secret that must not be logged in clear.
type CredentialString string

// PathEscape escapes the credential for an url path.
func (c CredentialString) PathEscape() string {
	return url.PathEscape(string(c))
}

// String returns the credential string.
func (c CredentialString) String() string {
	return string(c)
}

// Masked is safe to log.
func (c CredentialString) Masked() string {
	if len(c) <= 4 {
		return "****"
	}
	return string(c[:2]) + strings.Repeat("*", len(c)-2)
}

// HostConfiguration contains host infos
type HostConfiguration struct {
	Hostname string
	Port     int
}

// DefaultSecret is shipped in examples and refused at startup.
const DefaultSecret = "default-secret-key-please-change"

const (
	DefaultSTBType           = "MAG270"
	DefaultTimezone          = "Europe/London"
	DefaultTokenTTL          = time.Hour
	DefaultRenewalWindow     = 5 * time.Minute
	DefaultHeartbeatInterval = 2 * time.Minute
	DefaultConcurrency       = 5
	DefaultMaxRetries        = 3
	DefaultRequestTimeout    = 10 * time.Second
	DefaultSegmentTimeout    = 10 * time.Second
	DefaultCooldown          = time.Second
	DefaultCacheTTL          = 10 * time.Minute
	DefaultTranscodeIdle     = time.Minute
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)

// PortalConfig is the device identity presented to the portal.
type PortalConfig struct {
	// URL is the portal root, e.g. http://host:8080/stalker_portal.
	// Requests go to URL + "/server/load.php".
	URL               string
	MAC               string
	SerialNumber      string
	DeviceID          string
	DeviceID2         string
	Signature         string
	STBType           string
	UserAgent         string
	Timezone          string
	TokenTTL          time.Duration
	RenewalWindow     time.Duration
	HeartbeatInterval time.Duration
}

// LoadURL returns the portal API endpoint.
func (p PortalConfig) LoadURL() string {
	return strings.TrimRight(p.URL, "/") + "/server/load.php"
}

// Key identifies one portal identity in storage.
func (p PortalConfig) Key() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return strings.ToLower(p.MAC)
	}
	return u.Host + strings.TrimRight(u.Path, "/") + "|" + strings.ToUpper(p.MAC)
}

// UpstreamConfig tunes the shared HTTP client.
type UpstreamConfig struct {
	Concurrency    int
	MaxRetries     int
	RequestTimeout time.Duration
	SegmentTimeout time.Duration
	Cooldown       time.Duration
}

// TranscodeConfig enables the ffmpeg output mode.
type TranscodeConfig struct {
	Enabled     bool
	FFmpegPath  string
	TempDir     string
	IdleTimeout time.Duration
}

// ProxyConfig Contains original m3u playlist and HostConfiguration
type ProxyConfig struct {
	HostConfig     *HostConfiguration
	AdvertisedPort int
	HTTPS          bool

	Portal   PortalConfig
	Secret   CredentialString
	Upstream UpstreamConfig
	CacheTTL time.Duration

	// RedisURL switches the playlist cache to Redis when set.
	RedisURL string
	// DatabaseEnabled turns on session snapshots and play history.
	DatabaseEnabled bool

	Transcode TranscodeConfig

	// M3U export basic auth, both empty disables it
	User     CredentialString
	Password CredentialString
	// M3UFileName is the name the channel export is served under.
	M3UFileName string
}

// ApplyDefaults fills zero values.
func (c *ProxyConfig) ApplyDefaults() {
	if c.HostConfig == nil {
		c.HostConfig = &HostConfiguration{Port: 8080}
	}
	if c.AdvertisedPort == 0 {
		c.AdvertisedPort = c.HostConfig.Port
	}
	p := &c.Portal
	if p.STBType == "" {
		p.STBType = DefaultSTBType
	}
	if p.Timezone == "" {
		p.Timezone = DefaultTimezone
	}
	if p.TokenTTL <= 0 {
		p.TokenTTL = DefaultTokenTTL
	}
	if p.RenewalWindow <= 0 {
		p.RenewalWindow = DefaultRenewalWindow
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = DefaultHeartbeatInterval
	}
	u := &c.Upstream
	if u.Concurrency <= 0 {
		u.Concurrency = DefaultConcurrency
	}
	if u.MaxRetries < 0 {
		u.MaxRetries = DefaultMaxRetries
	}
	if u.RequestTimeout <= 0 {
		u.RequestTimeout = DefaultRequestTimeout
	}
	if u.SegmentTimeout <= 0 {
		u.SegmentTimeout = DefaultSegmentTimeout
	}
	if u.Cooldown <= 0 {
		u.Cooldown = DefaultCooldown
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.Transcode.IdleTimeout <= 0 {
		c.Transcode.IdleTimeout = DefaultTranscodeIdle
	}
	if c.Transcode.FFmpegPath == "" {
		c.Transcode.FFmpegPath = "ffmpeg"
	}
	if c.M3UFileName == "" {
		c.M3UFileName = "playlist.m3u"
	}
}

// Validate reports the first malformed secret or device identity.
func (c *ProxyConfig) Validate() error {
	if strings.TrimSpace(c.Portal.URL) == "" {
		return &types.ConfigError{Field: "portal-url", Reason: "missing"}
	}
	u, err := url.Parse(c.Portal.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &types.ConfigError{Field: "portal-url", Reason: "must be an absolute http(s) URL"}
	}
	if !macPattern.MatchString(c.Portal.MAC) {
		return &types.ConfigError{Field: "mac", Reason: "expected six colon-separated hex octets"}
	}
	if c.Secret == DefaultSecret {
		return &types.ConfigError{Field: "secret", Reason: "default secret must be changed"}
	}
	if len(c.Secret) < 16 {
		return &types.ConfigError{Field: "secret", Reason: "must be at least 16 bytes"}
	}
	if (c.User == "") != (c.Password == "") {
		return &types.ConfigError{Field: "user", Reason: "user and password must be set together"}
	}
	return nil
}

// AdvertisedBaseURL is the scheme://host:port used in exported playlists.
func (c *ProxyConfig) AdvertisedBaseURL() string {
	scheme := "http"
	if c.HTTPS {
		scheme = "https"
	}
	host := c.HostConfig.Hostname
	if host == "" {
		host = "localhost"
	}
	return scheme + "://" + host + ":" + strconv.Itoa(c.AdvertisedPort)
}
