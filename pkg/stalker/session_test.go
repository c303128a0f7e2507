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
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasduport/stalker-proxy/pkg/config"
	"github.com/lucasduport/stalker-proxy/pkg/httpclient"
	"github.com/lucasduport/stalker-proxy/pkg/types"
)

// fakePortal simulates load.php for one device.
type fakePortal struct {
	handshakes    atomic.Int32
	profiles      atomic.Int32
	watchdogs     atomic.Int32
	channelsCalls atomic.Int32
	mainInfoCalls atomic.Int32

	handshakeDelay   time.Duration
	profileStatus2   bool
	profileInvalid   bool
	channelsSentinel int32
	channels401      bool
	link             string
	onHandshake      func()
	onChannels       func()

	mu         sync.Mutex
	steps      []string
	lastActive string
	lastHeader http.Header
	linkQuery  url.Values
}

func (f *fakePortal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/stalker_portal/server/load.php") {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	f.mu.Lock()
	f.lastHeader = r.Header.Clone()
	f.mu.Unlock()

	switch q.Get("type") + "/" + q.Get("action") {
	case "stb/handshake":
		n := f.handshakes.Add(1)
		if f.handshakeDelay > 0 {
			time.Sleep(f.handshakeDelay)
		}
		f.mu.Lock()
		hook := f.onHandshake
		f.mu.Unlock()
		if hook != nil {
			hook()
		}
		fmt.Fprintf(w, `{"js":{"token":"tok-%d","random":"rnd-%d"}}`, n, n)
	case "stb/get_profile":
		f.profiles.Add(1)
		step := q.Get("auth_second_step")
		f.mu.Lock()
		f.steps = append(f.steps, step)
		f.mu.Unlock()
		switch {
		case f.profileInvalid:
			io.WriteString(w, `{"js":[]}`)
		case f.profileStatus2 && step == "0":
			io.WriteString(w, `{"js":{"status":2}}`)
		default:
			io.WriteString(w, `{"js":{"id":77,"status":1,"expire_billing_date":"2031-05-06 00:00:00"}}`)
		}
	case "itv/get_all_channels":
		n := f.channelsCalls.Add(1)
		f.mu.Lock()
		hook := f.onChannels
		f.mu.Unlock()
		if hook != nil && n == 1 {
			hook()
		}
		switch {
		case f.channels401:
			w.WriteHeader(http.StatusUnauthorized)
		case n <= f.channelsSentinel:
			io.WriteString(w, "Authorization failed.")
		default:
			io.WriteString(w, `{"js":{"total_items":3,"data":[
				{"id":"1","name":"News","number":"1","cmd":"ffrt http://localhost/ch/1","tv_genre_id":"10","censored":0},
				{"id":2,"name":"Late","number":"2","cmd":"ffrt http://localhost/ch/2","tv_genre_id":"11","censored":1},
				{"id":"3","name":"Sport","number":"3","cmd":"ffrt http://localhost/ch/3","tv_genre_id":"10","censored":"0"}
			]}}`)
		}
	case "itv/get_genres":
		io.WriteString(w, `{"js":[{"id":"*","title":"All"},{"id":"10","title":"General"}]}`)
	case "itv/create_link":
		f.mu.Lock()
		f.linkQuery = q
		f.mu.Unlock()
		fmt.Fprintf(w, `{"js":{"id":"1","cmd":%q}}`, f.link)
	case "watchdog/get_events":
		// a beat aborted by Close can still reach the handler
		if r.Context().Err() != nil {
			return
		}
		f.watchdogs.Add(1)
		f.mu.Lock()
		f.lastActive = q.Get("event_active_id")
		f.mu.Unlock()
		io.WriteString(w, `{"js":{"data":{"msgs":0}}}`)
	case "account_info/get_main_info":
		f.mainInfoCalls.Add(1)
		io.WriteString(w, `{"js":{"mac":"00:1A:79:00:00:01","phone":"","end_date":"2030-01-02 00:00:00"}}`)
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (f *fakePortal) header() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeader
}

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]types.PortalSession
	deletes  int
}

func (m *memoryStore) SaveSession(_ context.Context, s types.PortalSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = map[string]types.PortalSession{}
	}
	m.sessions[s.PortalKey] = s
	return nil
}

func (m *memoryStore) LoadSession(_ context.Context, key string) (*types.PortalSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memoryStore) DeleteSession(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	m.deletes++
	return nil
}

func newTestSession(t *testing.T, fp *fakePortal, store *memoryStore) (*SessionManager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)

	client := httpclient.New(httpclient.Options{MaxRetries: -1, Timeout: 5 * time.Second})
	cfg := config.PortalConfig{
		URL:               srv.URL + "/stalker_portal",
		MAC:               "00:1A:79:00:00:01",
		SerialNumber:      "SN0001",
		DeviceID:          "dev1",
		DeviceID2:         "dev2",
		Timezone:          "Europe/Paris",
		HeartbeatInterval: time.Hour,
	}
	var st SessionStore
	if store != nil {
		st = store
	}
	sm := NewSessionManager(client, cfg, st, nil)
	t.Cleanup(sm.Close)
	return sm, srv
}

func TestGetTokenPerformsHandshakeAndProfile(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)

	tok, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), fp.handshakes.Load())
	assert.Equal(t, int32(1), fp.profiles.Load())

	snap := sm.Snapshot()
	assert.Equal(t, "77", snap.UID)
	assert.Equal(t, "rnd-1", snap.Random)
	assert.WithinDuration(t, time.Now().Add(time.Hour), snap.ExpiresAt, 5*time.Second)

	h := fp.header()
	assert.Equal(t, "Bearer tok-1", h.Get("Authorization"))
	assert.Equal(t, "Model: MAG270; Link: WiFi", h.Get("X-User-Agent"))
	assert.Contains(t, h.Get("Cookie"), "stb_lang=en")
	assert.Equal(t, "SN0001", h.Get("SN"))
}

func TestGetTokenReusesValidToken(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)

	_, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := sm.GetToken(context.Background(), false)
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", tok)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fp.handshakes.Load(), "no handshake while the token is valid")
}

func TestGetTokenCoalescesConcurrentRefresh(t *testing.T) {
	fp := &fakePortal{handshakeDelay: 50 * time.Millisecond}
	sm, _ := newTestSession(t, fp, nil)

	const callers = 20
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := sm.GetToken(context.Background(), false)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fp.handshakes.Load())
	for _, tok := range tokens {
		assert.Equal(t, "tok-1", tok)
	}
}

func TestCallerCancellationDoesNotFailOthers(t *testing.T) {
	fp := &fakePortal{handshakeDelay: 100 * time.Millisecond}
	sm, _ := newTestSession(t, fp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := sm.GetToken(ctx, false)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	done := make(chan string, 1)
	go func() {
		tok, err := sm.GetToken(context.Background(), false)
		assert.NoError(t, err)
		done <- tok
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, "tok-1", <-done)
	assert.Equal(t, int32(1), fp.handshakes.Load())
}

func TestRenewalWindowTriggersRefresh(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)

	var mu sync.Mutex
	now := time.Now()
	sm.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	_, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(50 * time.Minute)
	mu.Unlock()
	tok, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok, "still outside the renewal window")

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()
	tok, err = sm.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), fp.handshakes.Load())
}

func TestProfileSecondStep(t *testing.T) {
	fp := &fakePortal{profileStatus2: true}
	sm, _ := newTestSession(t, fp, nil)

	_, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)

	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Equal(t, []string{"0", "1"}, fp.steps)
	assert.Equal(t, int32(1), fp.handshakes.Load())
}

func TestInvalidProfileRestartsHandshakeOnce(t *testing.T) {
	fp := &fakePortal{profileInvalid: true}
	sm, _ := newTestSession(t, fp, nil)

	_, err := sm.GetToken(context.Background(), false)
	require.Error(t, err)
	assert.True(t, types.IsAuth(err))
	assert.Equal(t, int32(2), fp.handshakes.Load())
	assert.Empty(t, sm.Snapshot().Token)
}

func TestHandshakeWithoutTokenIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"js":{"msg":"device blocked"}}`)
	}))
	defer srv.Close()

	sm := NewSessionManager(httpclient.New(httpclient.Options{MaxRetries: -1}),
		config.PortalConfig{URL: srv.URL, MAC: "00:1A:79:00:00:02"}, nil, nil)
	defer sm.Close()

	_, err := sm.GetToken(context.Background(), false)
	require.Error(t, err)
	status, _ := types.HTTPStatus(err)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCallRetriesOnceOnAuthSentinel(t *testing.T) {
	fp := &fakePortal{channelsSentinel: 1}
	sm, _ := newTestSession(t, fp, nil)
	portal := NewPortal(httpclient.New(httpclient.Options{MaxRetries: -1}), sm)

	channels, err := portal.Channels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2, "censored channel filtered")
	assert.Equal(t, "News", channels[0].Name)
	assert.Equal(t, "3", channels[1].ID)
	assert.Equal(t, int32(2), fp.handshakes.Load(), "sentinel forces a new session")
	assert.Equal(t, int32(2), fp.channelsCalls.Load())
}

func TestCallGivesUpAfterSecondSentinel(t *testing.T) {
	fp := &fakePortal{channelsSentinel: 100}
	sm, _ := newTestSession(t, fp, nil)
	portal := NewPortal(httpclient.New(httpclient.Options{MaxRetries: -1}), sm)

	_, err := portal.Channels(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsAuth(err))
	assert.Equal(t, int32(2), fp.channelsCalls.Load(), "exactly one retry")
}

func TestUnauthorizedClearsSession(t *testing.T) {
	fp := &fakePortal{channels401: true}
	store := &memoryStore{}
	sm, _ := newTestSession(t, fp, store)
	portal := NewPortal(httpclient.New(httpclient.Options{MaxRetries: -1}), sm)

	_, err := portal.Channels(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsAuth(err))
	assert.Empty(t, sm.Snapshot().Token)
	assert.Equal(t, 1, store.deletes)
}

func TestCreateLink(t *testing.T) {
	tests := []struct {
		name    string
		link    string
		want    string
		wantErr bool
	}{
		{"ffmpeg prefix", "ffmpeg http://cdn.example.com/live/1.m3u8?token=x", "http://cdn.example.com/live/1.m3u8?token=x", false},
		{"auto prefix", "auto http://cdn.example.com/2.m3u8", "http://cdn.example.com/2.m3u8", false},
		{"bare link", "http://cdn.example.com/3.m3u8", "http://cdn.example.com/3.m3u8", false},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakePortal{link: tt.link}
			sm, _ := newTestSession(t, fp, nil)
			portal := NewPortal(httpclient.New(httpclient.Options{MaxRetries: -1}), sm)

			got, err := portal.ResolveLink(context.Background(), "ffrt http://localhost/ch/1")
			if tt.wantErr {
				assert.True(t, types.IsNotFound(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			fp.mu.Lock()
			q := fp.linkQuery
			fp.mu.Unlock()
			assert.Equal(t, "true", q.Get("force_ch_link_check"))
			assert.Equal(t, "true", q.Get("disable_ad"))
		})
	}
}

func TestGenres(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)
	portal := NewPortal(httpclient.New(httpclient.Options{MaxRetries: -1}), sm)

	genres, err := portal.Genres(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "General", genres["10"])
}

func TestHeartbeatReportsActiveChannel(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)
	sm.cfg.HeartbeatInterval = 10 * time.Millisecond

	sm.SetActiveChannel("42")
	_, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, sm.heartbeatRunning())

	require.Eventually(t, func() bool { return fp.watchdogs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	fp.mu.Lock()
	assert.Equal(t, "42", fp.lastActive)
	fp.mu.Unlock()

	sm.Close()
	assert.False(t, sm.heartbeatRunning())
	// let a request aborted by Close settle before sampling
	time.Sleep(100 * time.Millisecond)
	beats := fp.watchdogs.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, beats, fp.watchdogs.Load(), "no beats after Close")

	_, err = sm.GetToken(context.Background(), true)
	assert.Error(t, err)
}

func TestHeartbeatPausedDuringRefresh(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)

	var runningDuringRefresh atomic.Bool
	runningDuringRefresh.Store(true)
	_, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)
	require.True(t, sm.heartbeatRunning())

	fp.mu.Lock()
	fp.onHandshake = func() { runningDuringRefresh.Store(sm.heartbeatRunning()) }
	fp.mu.Unlock()
	tok, err := sm.GetToken(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, "tok-2", tok)
	assert.False(t, runningDuringRefresh.Load())
	assert.True(t, sm.heartbeatRunning())
}

func TestGetExpiry(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)
	_, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)

	exp := sm.GetExpiry(context.Background())
	require.NotNil(t, exp)
	assert.Equal(t, time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC), *exp)

	again := sm.GetExpiry(context.Background())
	require.NotNil(t, again)
	assert.Equal(t, *exp, *again)
	assert.Equal(t, int32(1), fp.mainInfoCalls.Load(), "expiry is cached")
}

func TestGetExpiryCacheExpires(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)
	sm.cfg.TokenTTL = 3 * time.Hour
	now := time.Now()
	sm.now = func() time.Time { return now }
	_, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)

	sm.GetExpiry(context.Background())
	now = now.Add(expiryTTL + time.Minute)
	sm.GetExpiry(context.Background())
	assert.Equal(t, int32(2), fp.mainInfoCalls.Load())
}

func TestGetExpiryWithoutSessionStaysOffline(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)

	assert.Nil(t, sm.GetExpiry(context.Background()))
	assert.Equal(t, int32(0), fp.handshakes.Load())
	assert.Equal(t, int32(0), fp.mainInfoCalls.Load())
}

func TestInvalidateIfCurrentKeepsNewerToken(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)

	old, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)
	fresh, err := sm.GetToken(context.Background(), true)
	require.NoError(t, err)
	require.NotEqual(t, old, fresh)

	assert.False(t, sm.invalidateIfCurrent(old))
	assert.Equal(t, fresh, sm.Snapshot().Token)

	assert.True(t, sm.invalidateIfCurrent(fresh))
	assert.Empty(t, sm.Snapshot().Token)
}

func TestLateSentinelDoesNotDropConcurrentSession(t *testing.T) {
	fp := &fakePortal{channelsSentinel: 1}
	sm, _ := newTestSession(t, fp, nil)
	portal := NewPortal(httpclient.New(httpclient.Options{MaxRetries: -1}), sm)

	// another caller mints a new token while the first request is in flight
	fp.mu.Lock()
	fp.onChannels = func() {
		_, err := sm.GetToken(context.Background(), true)
		assert.NoError(t, err)
	}
	fp.mu.Unlock()

	channels, err := portal.Channels(context.Background())
	require.NoError(t, err)
	assert.Len(t, channels, 2)
	assert.Equal(t, int32(2), fp.handshakes.Load(), "retry reuses the concurrent session")
	assert.Equal(t, "tok-2", sm.Snapshot().Token)
}

func TestHeartbeatNotStartedAfterClose(t *testing.T) {
	fp := &fakePortal{}
	sm, _ := newTestSession(t, fp, nil)

	sm.Close()
	sm.startHeartbeat()
	assert.False(t, sm.heartbeatRunning())
}

func TestParseExpiry(t *testing.T) {
	assert.Nil(t, parseExpiry(""))
	assert.Nil(t, parseExpiry("0000-00-00 00:00:00"))
	assert.Nil(t, parseExpiry("unlimited"))
	assert.Equal(t, 2026, parseExpiry("March 4, 2026, 1:00 pm").Year())
	assert.Equal(t, 2027, parseExpiry("2027-08-01").Year())
}

func TestRestorePersistedSession(t *testing.T) {
	fp := &fakePortal{}
	store := &memoryStore{}
	sm, _ := newTestSession(t, fp, store)

	_, err := sm.GetToken(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, store.sessions, 1)

	sm2, _ := newTestSession(t, fp, store)
	sm2.cfg = sm.cfg
	assert.True(t, sm2.Restore(context.Background()))

	tok, err := sm2.GetToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int32(1), fp.handshakes.Load())
}

func TestIsAuthFailureSentinel(t *testing.T) {
	assert.True(t, IsAuthFailureSentinel([]byte("Authorization failed.")))
	assert.True(t, IsAuthFailureSentinel([]byte("Authorization failed.\n")))
	assert.False(t, IsAuthFailureSentinel([]byte(`{"js":"Authorization failed."}`)))
	assert.False(t, IsAuthFailureSentinel(nil))
}
