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
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// Portal performs authenticated content calls against the portal.
type Portal struct {
	api     *api
	session *SessionManager
}

// NewPortal returns a content client sharing the session's identity.
func NewPortal(client Fetcher, session *SessionManager) *Portal {
	return &Portal{
		api:     &api{cfg: session.cfg, client: client},
		session: session,
	}
}

// Session returns the underlying session manager.
func (p *Portal) Session() *SessionManager {
	return p.session
}

// Call performs an authenticated load.php call and returns the raw body.
// An "Authorization failed." answer invalidates the session and the call is
// retried once; a 401 clears the session. Only the token the call used is
// dropped, never one minted by a concurrent refresh.
func (p *Portal) Call(ctx context.Context, params url.Values) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		token, err := p.session.GetToken(ctx, false)
		if err != nil {
			return nil, err
		}

		resp, err := p.api.get(ctx, cloneValues(params), token)
		if err != nil {
			return nil, err
		}
		if resp.Skipped {
			return nil, &types.UpstreamError{Status: http.StatusTooManyRequests, Reason: types.ReasonRateLimited, Err: errors.New("portal cooldown")}
		}
		if resp.Status == http.StatusUnauthorized {
			p.session.invalidateIfCurrent(token)
			return nil, types.NewAuthError(types.ReasonSessionExpired, types.NewUpstreamError(resp.Status, nil))
		}
		if !resp.OK() {
			return nil, types.NewUpstreamError(resp.Status, errors.New(params.Get("type")+"/"+params.Get("action")))
		}
		if IsAuthFailureSentinel(resp.Body) {
			if attempt == 0 {
				utils.WarnLog("Portal answered %q to %s/%s, re-authenticating", authFailedBody, params.Get("type"), params.Get("action"))
				p.session.invalidateIfCurrent(token)
				continue
			}
			return nil, types.NewAuthError(types.ReasonAuthFailed, errors.New(authFailedBody))
		}
		return resp.Body, nil
	}
}

// CreateLink exchanges a channel command for its upstream stream URL.
func (p *Portal) CreateLink(ctx context.Context, cmd string) (string, error) {
	params := url.Values{}
	params.Set("type", "itv")
	params.Set("action", "create_link")
	params.Set("cmd", cmd)
	params.Set("force_ch_link_check", "true")
	params.Set("disable_ad", "true")

	body, err := p.Call(ctx, params)
	if err != nil {
		return "", err
	}

	if e := jsString(body, "error"); e != "" {
		return "", types.NewNotFoundError(types.ReasonNotFound, "create_link: "+e)
	}
	link := normalizeLink(jsString(body, "cmd"))
	if link == "" {
		return "", types.NewNotFoundError(types.ReasonNotFound, "no stream link for channel")
	}
	utils.DebugLog("Resolved channel link %s", utils.MaskURL(link))
	return link, nil
}

// ResolveLink implements the live engine's link resolver.
func (p *Portal) ResolveLink(ctx context.Context, cmd string) (string, error) {
	return p.CreateLink(ctx, cmd)
}

// normalizeLink strips the player hints portals prefix links with.
func normalizeLink(link string) string {
	link = strings.TrimSpace(link)
	for _, prefix := range []string{"ffmpeg ", "auto "} {
		if strings.HasPrefix(strings.ToLower(link), prefix) {
			link = strings.TrimSpace(link[len(prefix):])
		}
	}
	return link
}

// Channels lists the live channels visible to the account. Censored entries
// are dropped.
func (p *Portal) Channels(ctx context.Context) ([]types.Channel, error) {
	params := url.Values{}
	params.Set("type", "itv")
	params.Set("action", "get_all_channels")

	body, err := p.Call(ctx, params)
	if err != nil {
		return nil, err
	}

	data, typ, _, err := jsonparser.Get(body, "js", "data")
	if err != nil || typ != jsonparser.Array {
		return nil, types.NewUpstreamError(http.StatusOK, errors.New("channel list has no data array"))
	}

	var channels []types.Channel
	_, err = jsonparser.ArrayEach(data, func(item []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType != jsonparser.Object {
			return
		}
		ch := types.Channel{
			ID:       scalarString(item, "id"),
			Name:     scalarString(item, "name"),
			Number:   scalarString(item, "number"),
			Cmd:      scalarString(item, "cmd"),
			Logo:     scalarString(item, "logo"),
			GenreID:  scalarString(item, "tv_genre_id"),
			Censored: scalarInt(item, "censored") == 1,
		}
		if ch.Cmd == "" || ch.Censored {
			return
		}
		channels = append(channels, ch)
	})
	if err != nil {
		return nil, types.NewUpstreamError(http.StatusOK, err)
	}
	return channels, nil
}

// Genres maps genre ids to titles.
func (p *Portal) Genres(ctx context.Context) (map[string]string, error) {
	params := url.Values{}
	params.Set("type", "itv")
	params.Set("action", "get_genres")

	body, err := p.Call(ctx, params)
	if err != nil {
		return nil, err
	}

	genres := make(map[string]string)
	_, err = jsonparser.ArrayEach(body, func(item []byte, dataType jsonparser.ValueType, _ int, _ error) {
		id, title := scalarString(item, "id"), scalarString(item, "title")
		if id != "" && title != "" {
			genres[id] = title
		}
	}, "js")
	if err != nil {
		return nil, types.NewUpstreamError(http.StatusOK, err)
	}
	return genres, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vv := range v {
		out[k] = append([]string(nil), vv...)
	}
	return out
}
