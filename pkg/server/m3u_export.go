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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jamesnetherton/m3u"

	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// channelListTTL bounds how long the portal channel list is reused.
const channelListTTL = 5 * time.Minute

type channelSnapshot struct {
	channels []types.Channel
	genres   map[string]string
	fetched  time.Time
}

// channelList returns the portal channels and genres, cached for
// channelListTTL.
func (c *Config) channelList(ctx context.Context) (*channelSnapshot, error) {
	c.exportMu.Lock()
	defer c.exportMu.Unlock()

	if s := c.exportCache; s != nil && c.now().Sub(s.fetched) < channelListTTL {
		return s, nil
	}

	channels, err := c.channels.Channels(ctx)
	if err != nil {
		return nil, err
	}
	genres, err := c.channels.Genres(ctx)
	if err != nil {
		utils.WarnLog("Genre list unavailable, exporting without groups: %v", err)
		genres = map[string]string{}
	}
	c.exportCache = &channelSnapshot{channels: channels, genres: genres, fetched: c.now()}
	utils.InfoLog("Loaded %d channels and %d genres from portal", len(channels), len(genres))
	return c.exportCache, nil
}

// getM3U exports every live channel as an M3U playlist pointing back at
// /live.m3u8.
func (c *Config) getM3U(ctx *gin.Context) {
	snap, err := c.channelList(ctx.Request.Context())
	if err != nil {
		abortWithError(ctx, err)
		return
	}

	playlist := buildPlaylist(snap.channels, snap.genres, c.baseURL(ctx))

	var buf bytes.Buffer
	if err := marshallInto(&buf, playlist); err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.Header("Content-Disposition", fmt.Sprintf(`inline; filename=%q`, c.M3UFileName))
	ctx.Data(http.StatusOK, hlsContentType, buf.Bytes())
}

// getChannels lists the channels as JSON.
func (c *Config) getChannels(ctx *gin.Context) {
	snap, err := c.channelList(ctx.Request.Context())
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, types.APIResponse{Success: true, Data: snap.channels})
}

// baseURL is the advertised host when configured, otherwise the host the
// player used.
func (c *Config) baseURL(ctx *gin.Context) string {
	if c.HostConfig != nil && c.HostConfig.Hostname != "" {
		return c.AdvertisedBaseURL()
	}
	scheme := "http"
	if c.HTTPS || ctx.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + ctx.Request.Host
}

func displayName(name string) string {
	name = strings.ReplaceAll(name, ",", "")
	return strings.ReplaceAll(name, " - ", "-")
}

func groupTitle(genres map[string]string, id string) string {
	if title, ok := genres[id]; ok && title != "" {
		return "TV - " + title
	}
	return "TV - Other"
}

func buildPlaylist(channels []types.Channel, genres map[string]string, base string) m3u.Playlist {
	tracks := make([]m3u.Track, 0, len(channels))
	for _, ch := range channels {
		name := displayName(ch.Name)
		logo := ch.Logo
		if decoded, err := url.PathUnescape(logo); err == nil {
			logo = decoded
		}
		tracks = append(tracks, m3u.Track{
			Name:   name,
			Length: -1,
			URI:    base + "/live.m3u8?cmd=" + url.QueryEscape(ch.Cmd),
			Tags: []m3u.Tag{
				{Name: "tvg-id", Value: ch.ID},
				{Name: "tvg-name", Value: name},
				{Name: "tvg-logo", Value: logo},
				{Name: "group-title", Value: groupTitle(genres, ch.GenreID)},
			},
		})
	}

	sort.SliceStable(tracks, func(i, j int) bool {
		gi, gj := tracks[i].Tags[3].Value, tracks[j].Tags[3].Value
		if gi != gj {
			return gi < gj
		}
		return tracks[i].Name < tracks[j].Name
	})
	return m3u.Playlist{Tracks: tracks}
}

// marshallInto writes a Playlist in extended M3U form.
func marshallInto(into io.Writer, playlist m3u.Playlist) error {
	if _, err := io.WriteString(into, "#EXTM3U\n"); err != nil {
		return err
	}
	for _, track := range playlist.Tracks {
		var buffer bytes.Buffer

		buffer.WriteString("#EXTINF:")
		buffer.WriteString(fmt.Sprintf("%d ", track.Length))
		for i := range track.Tags {
			if i == len(track.Tags)-1 {
				buffer.WriteString(fmt.Sprintf("%s=%q", track.Tags[i].Name, track.Tags[i].Value))
				continue
			}
			buffer.WriteString(fmt.Sprintf("%s=%q ", track.Tags[i].Name, track.Tags[i].Value))
		}

		if _, err := fmt.Fprintf(into, "%s,%s\n%s\n", buffer.String(), track.Name, track.URI); err != nil {
			return err
		}
	}
	return nil
}
