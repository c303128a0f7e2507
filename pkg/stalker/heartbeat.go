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
	"net/http"
	"net/url"
	"time"

	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// heartbeat is the single watchdog loop of a session.
type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *SessionManager) startHeartbeat() {
	select {
	case <-s.closed:
		return
	default:
	}

	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hb != nil {
		return
	}
	// Close may have run while waiting for hbMu
	select {
	case <-s.closed:
		return
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}
	s.hb = hb
	go s.heartbeatRoutine(ctx, hb.done)
	utils.DebugLog("Heartbeat started (every %v)", s.cfg.HeartbeatInterval)
}

// stopHeartbeat stops the loop and waits for an in-progress beat to finish.
func (s *SessionManager) stopHeartbeat() {
	s.hbMu.Lock()
	hb := s.hb
	s.hb = nil
	s.hbMu.Unlock()

	if hb == nil {
		return
	}
	hb.cancel()
	<-hb.done
	utils.DebugLog("Heartbeat stopped")
}

// heartbeatRunning is used by tests.
func (s *SessionManager) heartbeatRunning() bool {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	return s.hb != nil
}

func (s *SessionManager) heartbeatRoutine(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
		}
	}
}

// beat issues one watchdog call. It never triggers authentication: without
// a valid token the beat is skipped.
func (s *SessionManager) beat(ctx context.Context) {
	s.mu.Lock()
	token := s.token
	active := s.activeChannel
	s.mu.Unlock()

	if token == "" {
		s.metrics.Heartbeat("skipped")
		return
	}
	if active == "" {
		active = "0"
	}

	params := url.Values{}
	params.Set("type", "watchdog")
	params.Set("action", "get_events")
	params.Set("event_active_id", active)
	params.Set("init", "0")
	params.Set("cur_play_type", "1")

	beatCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	resp, err := s.api.get(beatCtx, params, token)
	switch {
	case err != nil:
		s.metrics.Heartbeat("error")
		if ctx.Err() == nil {
			utils.WarnLog("Heartbeat failed: %v", err)
		}
	case resp.Skipped:
		s.metrics.Heartbeat("skipped")
	case resp.Status == http.StatusUnauthorized || IsAuthFailureSentinel(resp.Body):
		s.metrics.Heartbeat("unauthorized")
		if s.invalidateIfCurrent(token) {
			utils.WarnLog("Heartbeat rejected by portal, dropping session")
		}
	case !resp.OK():
		s.metrics.Heartbeat("error")
		utils.WarnLog("Heartbeat returned status %d", resp.Status)
	default:
		s.metrics.Heartbeat("ok")
		utils.DebugLog("Heartbeat ok (active channel %s)", active)
	}
}
