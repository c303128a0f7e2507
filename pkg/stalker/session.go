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
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/singleflight"

	"github.com/lucasduport/stalker-proxy/pkg/config"
	"github.com/lucasduport/stalker-proxy/pkg/metrics"
	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// authTimeout bounds one full handshake + profile sequence.
const authTimeout = 45 * time.Second

// expiryTTL is how long an account_info answer is reused.
const expiryTTL = time.Hour

var errProfileInvalid = errors.New("profile response is not an object")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionStore persists the portal session across restarts.
type SessionStore interface {
	SaveSession(ctx context.Context, s types.PortalSession) error
	LoadSession(ctx context.Context, portalKey string) (*types.PortalSession, error)
	DeleteSession(ctx context.Context, portalKey string) error
}

// SessionManager owns the authenticated session to the portal: handshake,
// profile validation, renewal and the watchdog heartbeat.
type SessionManager struct {
	api     *api
	cfg     config.PortalConfig
	store   SessionStore
	metrics *metrics.Metrics
	flight  singleflight.Group
	now     func() time.Time

	mu            sync.Mutex
	token         string
	random        string
	uid           string
	expiresAt     time.Time
	updatedAt     time.Time
	profileExpiry *time.Time
	activeChannel string

	accountExpiry   *time.Time
	expiryCheckedAt time.Time

	hbMu sync.Mutex
	hb   *heartbeat

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSessionManager creates a session manager. store and m may be nil.
func NewSessionManager(client Fetcher, cfg config.PortalConfig, store SessionStore, m *metrics.Metrics) *SessionManager {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = config.DefaultTokenTTL
	}
	if cfg.RenewalWindow <= 0 {
		cfg.RenewalWindow = config.DefaultRenewalWindow
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if cfg.STBType == "" {
		cfg.STBType = config.DefaultSTBType
	}
	return &SessionManager{
		api:     &api{cfg: cfg, client: client},
		cfg:     cfg,
		store:   store,
		metrics: m,
		now:     time.Now,
		closed:  make(chan struct{}),
	}
}

// cachedToken returns the token if it is set and outside the renewal window.
func (s *SessionManager) cachedToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", false
	}
	if !s.now().Before(s.expiresAt.Add(-s.cfg.RenewalWindow)) {
		return "", false
	}
	return s.token, true
}

// GetToken returns a valid portal token. A cached token outside the renewal
// window is returned without network I/O; otherwise one authentication runs
// on behalf of every concurrent caller. The sequence is detached from the
// caller's context, so a caller giving up does not fail the others.
func (s *SessionManager) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		if tok, ok := s.cachedToken(); ok {
			return tok, nil
		}
	}

	select {
	case <-s.closed:
		return "", types.NewAuthError(types.ReasonAuthFailed, errors.New("session manager closed"))
	default:
	}

	ch := s.flight.DoChan("auth", func() (interface{}, error) {
		// a flight that just settled may already have produced a token
		if !forceRefresh {
			if tok, ok := s.cachedToken(); ok {
				return tok, nil
			}
		}
		authCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), authTimeout)
		defer cancel()
		return s.refresh(authCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// refresh runs handshake + profile validation with the heartbeat paused. A
// profile answer that is not an object restarts the handshake once.
func (s *SessionManager) refresh(ctx context.Context) (string, error) {
	s.stopHeartbeat()

	for attempt := 1; attempt <= 2; attempt++ {
		token, random, err := s.handshake(ctx)
		if err != nil {
			s.metrics.SessionRefresh("handshake_failed")
			utils.ErrorLog("Portal handshake failed: %v", err)
			return "", err
		}

		uid, expiry, err := s.validateProfile(ctx, token, random)
		if errors.Is(err, errProfileInvalid) && attempt == 1 {
			utils.WarnLog("Profile validation returned an invalid answer, restarting handshake")
			continue
		}
		if err != nil {
			s.metrics.SessionRefresh("profile_failed")
			if errors.Is(err, errProfileInvalid) {
				return "", types.NewAuthError(types.ReasonAuthFailed, err)
			}
			return "", err
		}

		now := s.now()
		s.mu.Lock()
		s.token = token
		s.random = random
		s.uid = uid
		s.expiresAt = now.Add(s.cfg.TokenTTL)
		s.updatedAt = now
		if expiry != nil {
			s.profileExpiry = expiry
		}
		snap := s.snapshotLocked()
		s.mu.Unlock()

		s.metrics.SessionRefresh("ok")
		utils.InfoLog("Portal session established (token %s, uid %s, valid until %s)",
			utils.MaskString(token), uid, snap.ExpiresAt.Format(time.RFC3339))

		s.persist(ctx, snap)
		s.startHeartbeat()
		return token, nil
	}

	// unreachable, the loop returns on the second attempt
	return "", types.NewAuthError(types.ReasonAuthFailed, errProfileInvalid)
}

// handshake obtains a fresh token and nonce for the device identity.
func (s *SessionManager) handshake(ctx context.Context) (string, string, error) {
	params := url.Values{}
	params.Set("type", "stb")
	params.Set("action", "handshake")
	params.Set("token", "")
	params.Set("prehash", "0")
	params.Set("mac", s.cfg.MAC)
	params.Set("stb_type", s.cfg.STBType)
	if s.cfg.SerialNumber != "" {
		params.Set("serial_number", s.cfg.SerialNumber)
	}
	if s.cfg.DeviceID != "" {
		params.Set("device_id", s.cfg.DeviceID)
	}
	if s.cfg.DeviceID2 != "" {
		params.Set("device_id2", s.cfg.DeviceID2)
	}

	resp, err := s.api.get(ctx, params, "")
	if err != nil {
		return "", "", types.NewAuthError(types.ReasonAuthFailed, fmt.Errorf("handshake: %w", err))
	}
	if resp.Skipped {
		return "", "", types.NewAuthError(types.ReasonAuthFailed, errors.New("handshake skipped: upstream cooldown"))
	}
	if !resp.OK() {
		return "", "", types.NewAuthError(types.ReasonAuthFailed, types.NewUpstreamError(resp.Status, errors.New("handshake")))
	}

	token := jsString(resp.Body, "token")
	if token == "" {
		return "", "", types.NewAuthError(types.ReasonAuthFailed,
			fmt.Errorf("handshake response has no token: %s", utils.Truncate(string(resp.Body), 200)))
	}
	return token, jsString(resp.Body, "random"), nil
}

type deviceMetrics struct {
	Mac    string `json:"mac"`
	SN     string `json:"sn"`
	Model  string `json:"model"`
	Type   string `json:"type"`
	UID    string `json:"uid"`
	Random string `json:"random"`
}

// validateProfile runs get_profile, repeating it once with
// auth_second_step=1 when the portal answers status 2.
func (s *SessionManager) validateProfile(ctx context.Context, token, random string) (string, *time.Time, error) {
	s.mu.Lock()
	uid := s.uid
	s.mu.Unlock()

	for step := 0; step <= 1; step++ {
		body, err := s.getProfile(ctx, token, random, uid, step)
		if err != nil {
			return "", nil, err
		}

		js, typ, _, err := jsonparser.Get(body, "js")
		if err != nil || typ != jsonparser.Object {
			return "", nil, errProfileInvalid
		}

		if step == 0 && scalarInt(js, "status") == 2 {
			utils.DebugLog("Portal requested a second authentication step")
			continue
		}

		if id := scalarString(js, "id"); id != "" {
			uid = id
		}
		return uid, parseExpiry(scalarString(js, "expire_billing_date")), nil
	}
	return "", nil, errProfileInvalid
}

func (s *SessionManager) getProfile(ctx context.Context, token, random, uid string, step int) ([]byte, error) {
	dm, _ := json.Marshal(deviceMetrics{
		Mac:    s.cfg.MAC,
		SN:     s.cfg.SerialNumber,
		Model:  s.cfg.STBType,
		Type:   "STB",
		UID:    uid,
		Random: random,
	})

	params := url.Values{}
	params.Set("type", "stb")
	params.Set("action", "get_profile")
	params.Set("hd", "1")
	params.Set("ver", "ImageDescription: 0.2.18-r14-pub-250; ImageDate: Fri Jan 15 15:20:44 EET 2016; PORTAL version: 5.1.0; API Version: JS API version: 328; STB API version: 134; Player Engine version: 0x566")
	params.Set("num_banks", "2")
	params.Set("sn", s.cfg.SerialNumber)
	params.Set("stb_type", s.cfg.STBType)
	params.Set("client_type", "STB")
	params.Set("image_version", "218")
	params.Set("video_out", "hdmi")
	params.Set("device_id", s.cfg.DeviceID)
	params.Set("device_id2", s.cfg.DeviceID2)
	params.Set("signature", s.cfg.Signature)
	params.Set("auth_second_step", strconv.Itoa(step))
	params.Set("hw_version", "1.7-BD-00")
	params.Set("not_valid_token", "0")
	params.Set("metrics", string(dm))
	params.Set("hw_version_2", "")
	params.Set("timestamp", strconv.FormatInt(s.now().Unix(), 10))
	params.Set("api_signature", "263")
	params.Set("prehash", "0")

	resp, err := s.api.get(ctx, params, token)
	if err != nil {
		return nil, types.NewAuthError(types.ReasonAuthFailed, fmt.Errorf("get_profile: %w", err))
	}
	if resp.Skipped {
		return nil, types.NewAuthError(types.ReasonAuthFailed, errors.New("get_profile skipped: upstream cooldown"))
	}
	if !resp.OK() {
		return nil, types.NewAuthError(types.ReasonAuthFailed, types.NewUpstreamError(resp.Status, errors.New("get_profile")))
	}
	return resp.Body, nil
}

// Invalidate drops the cached token so the next GetToken performs a full
// handshake. The persisted snapshot is removed as well.
func (s *SessionManager) Invalidate() {
	s.invalidate("")
}

// invalidateIfCurrent drops the session only if token is still the current
// one. A late rejection of a superseded token leaves a newer session alone.
func (s *SessionManager) invalidateIfCurrent(token string) bool {
	return s.invalidate(token)
}

func (s *SessionManager) invalidate(match string) bool {
	s.mu.Lock()
	if s.token == "" || (match != "" && s.token != match) {
		s.mu.Unlock()
		return false
	}
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()

	utils.InfoLog("Portal session invalidated")
	s.metrics.SessionRefresh("invalidated")

	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.DeleteSession(ctx, s.cfg.Key()); err != nil {
			utils.WarnLog("Failed to delete persisted portal session: %v", err)
		}
	}
	return true
}

// Restore adopts a persisted session if it is still outside the renewal
// window. It returns true when a session was adopted.
func (s *SessionManager) Restore(ctx context.Context) bool {
	if s.store == nil {
		return false
	}
	snap, err := s.store.LoadSession(ctx, s.cfg.Key())
	if err != nil {
		utils.WarnLog("Failed to load persisted portal session: %v", err)
		return false
	}
	if snap == nil || !snap.Valid(s.now().Add(s.cfg.RenewalWindow)) {
		return false
	}

	s.mu.Lock()
	s.token = snap.Token
	s.random = snap.Random
	s.uid = snap.UID
	s.expiresAt = snap.ExpiresAt
	s.updatedAt = snap.UpdatedAt
	s.mu.Unlock()

	utils.InfoLog("Resumed persisted portal session (valid until %s)", snap.ExpiresAt.Format(time.RFC3339))
	s.startHeartbeat()
	return true
}

func (s *SessionManager) persist(ctx context.Context, snap types.PortalSession) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSession(ctx, snap); err != nil {
		utils.WarnLog("Failed to persist portal session: %v", err)
	}
}

// GetExpiry returns the subscription expiry reported by the portal, or nil.
// The answer is cached for an hour and looked up only while a session is
// already established; failures are logged and never returned.
func (s *SessionManager) GetExpiry(ctx context.Context) *time.Time {
	s.mu.Lock()
	fallback := s.profileExpiry
	if !s.expiryCheckedAt.IsZero() && s.now().Sub(s.expiryCheckedAt) < expiryTTL {
		cached := s.accountExpiry
		s.mu.Unlock()
		if cached != nil {
			return cached
		}
		return fallback
	}
	s.mu.Unlock()

	token, ok := s.cachedToken()
	if !ok {
		utils.DebugLog("Expiry lookup skipped: no portal session")
		return fallback
	}

	v, _, _ := s.flight.Do("expiry", func() (interface{}, error) {
		t := s.fetchExpiry(ctx, token)
		s.mu.Lock()
		s.accountExpiry = t
		s.expiryCheckedAt = s.now()
		s.mu.Unlock()
		return t, nil
	})
	if t, _ := v.(*time.Time); t != nil {
		return t
	}
	return fallback
}

func (s *SessionManager) fetchExpiry(ctx context.Context, token string) *time.Time {
	params := url.Values{}
	params.Set("type", "account_info")
	params.Set("action", "get_main_info")
	resp, err := s.api.get(ctx, params, token)
	if err != nil || !resp.OK() || IsAuthFailureSentinel(resp.Body) {
		utils.DebugLog("Expiry lookup failed: %v", err)
		return nil
	}

	for _, key := range []string{"end_date", "phone", "expire_billing_date"} {
		if t := parseExpiry(jsString(resp.Body, key)); t != nil {
			return t
		}
	}
	return nil
}

var expiryLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006, 3:04 pm",
	"January 2, 2006",
	"02.01.2006",
}

func parseExpiry(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "0000-00-00") {
		return nil
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
		t := time.Unix(n, 0).UTC()
		return &t
	}
	return nil
}

// SetActiveChannel records the channel reported by the heartbeat.
func (s *SessionManager) SetActiveChannel(id string) {
	s.mu.Lock()
	s.activeChannel = id
	s.mu.Unlock()
}

// ActiveChannel returns the channel last reported as playing.
func (s *SessionManager) ActiveChannel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChannel
}

// Snapshot returns a copy of the session state.
func (s *SessionManager) Snapshot() types.PortalSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *SessionManager) snapshotLocked() types.PortalSession {
	return types.PortalSession{
		PortalKey: s.cfg.Key(),
		Token:     s.token,
		Random:    s.random,
		UID:       s.uid,
		ExpiresAt: s.expiresAt,
		UpdatedAt: s.updatedAt,
	}
}

// Close stops the heartbeat. Further GetToken calls that need a refresh fail.
func (s *SessionManager) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.stopHeartbeat()
	})
}
