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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/lucasduport/stalker-proxy/pkg/config"
	"github.com/lucasduport/stalker-proxy/pkg/live"
	"github.com/lucasduport/stalker-proxy/pkg/metrics"
	"github.com/lucasduport/stalker-proxy/pkg/transcode"
	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// PlaylistEngine serves rewritten playlists and signed segments.
type PlaylistEngine interface {
	GetPlaylist(ctx context.Context, cmd string, tier live.Tier, subpathHint string) (string, error)
	GetSegment(ctx context.Context, resourceID, signature string, fwd http.Header) (*live.Segment, error)
	Stats(ctx context.Context) types.CacheStats
}

// ChannelLister lists the portal's live channels.
type ChannelLister interface {
	Channels(ctx context.Context) ([]types.Channel, error)
	Genres(ctx context.Context) (map[string]string, error)
}

// SessionReporter exposes the non-secret session state.
type SessionReporter interface {
	Snapshot() types.PortalSession
	GetExpiry(ctx context.Context) *time.Time
	ActiveChannel() string
}

// PlayHistory records served playlists.
type PlayHistory interface {
	AddPlayEvent(ctx context.Context, ev types.PlayEvent) (int64, error)
	RecentPlays(ctx context.Context, limit int) ([]types.PlayEvent, error)
}

// TranscodeOutput is the directory side of the transcoder.
type TranscodeOutput interface {
	Touch(key string) bool
	Dir(key string) string
	Active() []types.TranscodeStatus
}

// Deps are the components the HTTP boundary drives. History and Transcoder
// are optional.
type Deps struct {
	Engine     PlaylistEngine
	Channels   ChannelLister
	Session    SessionReporter
	History    PlayHistory
	Transcoder *transcode.Transcoder
	// Links resolves channels for the transcoder, usually the portal.
	Links   transcode.LinkResolver
	Metrics *metrics.Metrics
}

// Config represent the server configuration
type Config struct {
	*config.ProxyConfig

	engine   PlaylistEngine
	channels ChannelLister
	session  SessionReporter
	history  PlayHistory
	metrics  *metrics.Metrics

	transcodes     TranscodeOutput
	transcodeLinks transcode.LinkResolver

	exportMu    sync.Mutex
	exportCache *channelSnapshot

	startedAt time.Time
	now       func() time.Time
}

// NewServer initializes a new server configuration with all necessary components
func NewServer(cfg *config.ProxyConfig, deps Deps) (*Config, error) {
	if deps.Engine == nil {
		return nil, &types.ConfigError{Field: "engine", Reason: "missing"}
	}
	if deps.Channels == nil || deps.Session == nil {
		return nil, &types.ConfigError{Field: "portal", Reason: "missing"}
	}

	c := &Config{
		ProxyConfig: cfg,
		engine:      deps.Engine,
		channels:    deps.Channels,
		session:     deps.Session,
		history:     deps.History,
		metrics:     deps.Metrics,
		startedAt:   time.Now(),
		now:         time.Now,
	}

	if deps.Transcoder != nil {
		if deps.Links == nil {
			return nil, &types.ConfigError{Field: "transcode", Reason: "no link resolver"}
		}
		c.transcodes = deps.Transcoder
		c.transcodeLinks = transcode.NewResolver(deps.Links, deps.Transcoder)
		utils.InfoLog("Transcoding enabled, playlists are served from ffmpeg output")
	}
	if c.history == nil {
		utils.InfoLog("Bootstrap: play history is DISABLED (no database)")
	}
	return c, nil
}

// Handler builds the gin router.
func (c *Config) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog())
	router.Use(cors.Default())
	// segment ids carry an escaped "/" that must survive routing
	router.UseRawPath = true

	c.routes(router)
	return router
}

// Serve runs the HTTP server until ctx is cancelled.
func (c *Config) Serve(ctx context.Context) error {
	utils.InfoLog("[stalker-proxy] Server is starting...")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.HostConfig.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		utils.InfoLog("[stalker-proxy] Server is ready and listening on :%d", c.HostConfig.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return utils.PrintErrorAndReturn(err)
	case <-ctx.Done():
	}

	utils.InfoLog("[stalker-proxy] Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
