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
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasduport/stalker-proxy/pkg/config"
	"github.com/lucasduport/stalker-proxy/pkg/httpclient"
	"github.com/lucasduport/stalker-proxy/pkg/live"
	"github.com/lucasduport/stalker-proxy/pkg/metrics"
	"github.com/lucasduport/stalker-proxy/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const testCmd = "ffrt http://localhost/ch/1234_"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeEngine struct {
	playlist   string
	err        error
	statsCalls atomic.Int32
}

func (f *fakeEngine) GetPlaylist(_ context.Context, cmd string, tier live.Tier, hint string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("%s|%s|%s|%s", f.playlist, cmd, tier, hint), nil
}

func (f *fakeEngine) GetSegment(context.Context, string, string, http.Header) (*live.Segment, error) {
	return nil, f.err
}

func (f *fakeEngine) Stats(context.Context) types.CacheStats {
	f.statsCalls.Add(1)
	return types.CacheStats{Records: 3, Segments: 12}
}

type fakeChannels struct {
	calls    atomic.Int32
	channels []types.Channel
	genres   map[string]string
	err      error
}

func (f *fakeChannels) Channels(context.Context) ([]types.Channel, error) {
	f.calls.Add(1)
	return f.channels, f.err
}

func (f *fakeChannels) Genres(context.Context) (map[string]string, error) {
	return f.genres, nil
}

type fakeSession struct {
	snap   types.PortalSession
	expiry *time.Time
}

func (f *fakeSession) Snapshot() types.PortalSession          { return f.snap }
func (f *fakeSession) GetExpiry(context.Context) *time.Time { return f.expiry }
func (f *fakeSession) ActiveChannel() string                { return "1234" }

type fakeHistory struct {
	mu     sync.Mutex
	events []types.PlayEvent
}

func (f *fakeHistory) AddPlayEvent(_ context.Context, ev types.PlayEvent) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return int64(len(f.events)), nil
}

func (f *fakeHistory) RecentPlays(context.Context, int) ([]types.PlayEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.PlayEvent(nil), f.events...), nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testConfig() *config.ProxyConfig {
	cfg := &config.ProxyConfig{}
	cfg.ApplyDefaults()
	return cfg
}

func newTestServer(t *testing.T, cfg *config.ProxyConfig, deps Deps) (*Config, http.Handler) {
	t.Helper()
	if deps.Engine == nil {
		deps.Engine = &fakeEngine{playlist: "#EXTM3U"}
	}
	if deps.Channels == nil {
		deps.Channels = &fakeChannels{}
	}
	if deps.Session == nil {
		deps.Session = &fakeSession{}
	}
	c, err := NewServer(cfg, deps)
	require.NoError(t, err)
	return c, c.Handler()
}

func do(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp types.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	return resp.Error
}

func TestNewServerRequiresEngine(t *testing.T) {
	_, err := NewServer(testConfig(), Deps{})
	var cfgErr *types.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "engine", cfgErr.Field)
}

func TestLivePlaylistValidatesQuery(t *testing.T) {
	_, h := newTestServer(t, testConfig(), Deps{})

	rec := do(h, http.MethodGet, "/live.m3u8", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/live.m3u8?cmd=x&play=vod", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLivePlaylistPassesTierAndHint(t *testing.T) {
	_, h := newTestServer(t, testConfig(), Deps{})

	rec := do(h, http.MethodGet, "/live.m3u8?cmd="+url.QueryEscape(testCmd)+"&play=variant&subpath=hi%2Findex.m3u8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, hlsContentType, rec.Header().Get("Content-Type"))
	assert.Equal(t, "#EXTM3U|"+testCmd+"|variant|hi/index.m3u8", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestLivePlaylistErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		reason string
	}{
		{types.NewNotFoundError(types.ReasonNotFound, "x"), http.StatusNotFound, types.ReasonNotFound},
		{types.NewAuthError(types.ReasonAuthFailed, nil), http.StatusUnauthorized, types.ReasonAuthFailed},
		{types.NewUpstreamError(http.StatusTooManyRequests, nil), http.StatusBadGateway, types.ReasonRateLimited},
		{&types.TimeoutError{Op: "fetch"}, http.StatusGatewayTimeout, types.ReasonTimeout},
	}
	for _, tc := range cases {
		_, h := newTestServer(t, testConfig(), Deps{Engine: &fakeEngine{err: tc.err}})
		rec := do(h, http.MethodGet, "/live.m3u8?cmd=1", nil)
		assert.Equal(t, tc.status, rec.Code, tc.reason)
		assert.Equal(t, tc.reason, decodeError(t, rec))
	}
}

func TestMasterPlaylistRecordsPlay(t *testing.T) {
	history := &fakeHistory{}
	_, h := newTestServer(t, testConfig(), Deps{History: history})

	rec := do(h, http.MethodGet, "/live.m3u8?cmd=1", http.Header{"User-Agent": {"VLC/3.0"}})
	require.Equal(t, http.StatusOK, rec.Code)
	do(h, http.MethodGet, "/live.m3u8?cmd=1&play=variant", nil)

	assert.Eventually(t, func() bool { return history.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	plays, _ := history.RecentPlays(context.Background(), 10)
	require.Len(t, plays, 1)
	assert.Equal(t, "master", plays[0].Tier)
	assert.Equal(t, "VLC/3.0", plays[0].UserAgent)
}

type fakeLinks struct{ local string }

func (f fakeLinks) ResolveLink(context.Context, string) (string, error) { return f.local, nil }

func TestTranscodedMasterRedirects(t *testing.T) {
	c, h := newTestServer(t, testConfig(), Deps{})
	c.transcodeLinks = fakeLinks{local: "/api/stream/ch1/index.m3u8"}

	rec := do(h, http.MethodGet, "/live.m3u8?cmd=ch1", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/api/stream/ch1/index.m3u8", rec.Header().Get("Location"))

	rec = do(h, http.MethodGet, "/live.m3u8?cmd=ch1&play=variant", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeOutput struct{ dir string }

func (f fakeOutput) Touch(key string) bool           { return key == "ch 1" }
func (f fakeOutput) Dir(string) string               { return f.dir }
func (f fakeOutput) Active() []types.TranscodeStatus { return []types.TranscodeStatus{{Key: "ch 1"}} }

func TestTranscodedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte("#EXTM3U\nsegment_000.ts\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("private"), 0644))

	c, h := newTestServer(t, testConfig(), Deps{})
	rec := do(h, http.MethodGet, "/api/stream/ch1/index.m3u8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "disabled")

	c.transcodes = fakeOutput{dir: dir}

	rec = do(h, http.MethodGet, "/api/stream/ch%201/index.m3u8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "segment_000.ts")
	assert.Equal(t, hlsContentType, rec.Header().Get("Content-Type"))

	rec = do(h, http.MethodGet, "/api/stream/ch%201/notes.txt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/stream/other/index.m3u8", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/stream/ch%201/..%2Fnotes.ts", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusReport(t *testing.T) {
	expiry := time.Date(2030, 1, 2, 0, 0, 0, 0, time.UTC)
	session := &fakeSession{
		snap:   types.PortalSession{Token: "super-secret-token", UID: "42", ExpiresAt: time.Now().Add(time.Hour)},
		expiry: &expiry,
	}
	history := &fakeHistory{}
	_, _ = history.AddPlayEvent(context.Background(), types.PlayEvent{Cmd: "ch1", Tier: "master"})

	c, h := newTestServer(t, testConfig(), Deps{Session: session, History: history})
	c.transcodes = fakeOutput{}

	rec := do(h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret-token")

	var resp struct {
		Success bool               `json:"success"`
		Data    types.StatusReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.Session.Authenticated)
	assert.Equal(t, "42", resp.Data.Session.UID)
	assert.Equal(t, "1234", resp.Data.Session.ActiveChannel)
	require.NotNil(t, resp.Data.Session.AccountExpiry)
	assert.True(t, expiry.Equal(*resp.Data.Session.AccountExpiry))
	assert.Equal(t, 3, resp.Data.Cache.Records)
	assert.Len(t, resp.Data.Transcodes, 1)
	assert.Len(t, resp.Data.RecentPlays, 1)
}

func TestStatusRequiresCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.User, cfg.Password = "alice", "wonderland"
	history := &fakeHistory{}
	_, _ = history.AddPlayEvent(context.Background(), types.PlayEvent{Cmd: "ch1", ClientIP: "192.0.2.7", Tier: "master"})
	_, h := newTestServer(t, cfg, Deps{History: history})

	rec := do(h, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "192.0.2.7")

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.SetBasicAuth("alice", "wonderland")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "192.0.2.7")
}

func exportChannels() *fakeChannels {
	return &fakeChannels{
		channels: []types.Channel{
			{ID: "2", Name: "Zeta, News", Cmd: "ffrt http://h/ch/2", GenreID: "1", Logo: "http://logo/z%20z.png"},
			{ID: "1", Name: "Alpha - One", Cmd: "ffrt http://h/ch/1", GenreID: "1"},
			{ID: "3", Name: "Sport", Cmd: "ffrt http://h/ch/3", GenreID: "9"},
		},
		genres: map[string]string{"1": "News"},
	}
}

func TestM3UExport(t *testing.T) {
	cfg := testConfig()
	cfg.HostConfig.Hostname = "proxy.lan"
	channels := exportChannels()
	_, h := newTestServer(t, cfg, Deps{Channels: channels})

	rec := do(h, http.MethodGet, "/playlist.m3u", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	lines := strings.Split(strings.TrimSpace(body), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, `#EXTINF:-1 tvg-id="1" tvg-name="Alpha-One" tvg-logo="" group-title="TV - News",Alpha-One`, lines[1])
	assert.Equal(t, "http://proxy.lan:8080/live.m3u8?cmd="+url.QueryEscape("ffrt http://h/ch/1"), lines[2])
	assert.Contains(t, lines[3], `tvg-logo="http://logo/z z.png"`)
	assert.Contains(t, lines[3], ",Zeta News")
	assert.Contains(t, lines[5], `group-title="TV - Other"`)

	do(h, http.MethodGet, "/playlist.m3u", nil)
	assert.Equal(t, int32(1), channels.calls.Load())
}

func TestM3UExportUsesRequestHost(t *testing.T) {
	_, h := newTestServer(t, testConfig(), Deps{Channels: exportChannels()})

	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil)
	req.Host = "10.0.0.5:3000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "http://10.0.0.5:3000/live.m3u8?cmd=")
}

func TestM3UExportAuth(t *testing.T) {
	cfg := testConfig()
	cfg.User, cfg.Password = "alice", "wonderland"
	_, h := newTestServer(t, cfg, Deps{Channels: exportChannels()})

	rec := do(h, http.MethodGet, "/playlist.m3u", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodGet, "/playlist.m3u?username=alice&password=nope", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(h, http.MethodGet, "/playlist.m3u?username=alice&password=wonderland", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil)
	req.SetBasicAuth("alice", "wonderland")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChannelsJSON(t *testing.T) {
	_, h := newTestServer(t, testConfig(), Deps{Channels: exportChannels()})

	rec := do(h, http.MethodGet, "/api/channels", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []types.Channel `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 3)
}

func TestMetricsEndpoint(t *testing.T) {
	engine := &fakeEngine{}
	_, h := newTestServer(t, testConfig(), Deps{Engine: engine, Metrics: metrics.New()})

	rec := do(h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stalker_cache_records")
	assert.Equal(t, int32(1), engine.statsCalls.Load())
}

// segmentOrigin serves one media playlist and its segments, recording the
// headers the proxy forwarded.
type segmentOrigin struct {
	*httptest.Server
	mu      sync.Mutex
	headers http.Header
}

func newSegmentOrigin(t *testing.T) *segmentOrigin {
	t.Helper()
	o := &segmentOrigin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/live/ch1/index.m3u8":
			io.WriteString(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:100\n#EXTINF:6.0,\nseg100.ts\n#EXTINF:6.0,\nseg101.ts\n#EXTINF:6.0,\ngone.ts\n")
		case r.URL.Path == "/live/ch1/gone.ts":
			http.Error(w, "<html>portal error page</html>", http.StatusForbidden)
		case strings.HasSuffix(r.URL.Path, ".ts"):
			o.mu.Lock()
			o.headers = r.Header.Clone()
			o.mu.Unlock()
			w.Header().Set("Content-Type", "video/mp2t")
			w.Header().Set("Content-Range", "bytes 0-9/10")
			w.Header().Set("X-Upstream-Internal", "1")
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, "data:"+r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

type originResolver struct{ link string }

func (r originResolver) ResolveLink(context.Context, string) (string, error) { return r.link, nil }

func newSegmentServer(t *testing.T, o *segmentOrigin) http.Handler {
	t.Helper()
	engine, err := live.NewEngine(live.Options{
		Signer:   live.NewSigner("0123456789abcdef-secret"),
		Resolver: originResolver{link: o.URL + "/live/ch1/index.m3u8"},
		Client:   httpclient.New(httpclient.Options{MaxRetries: -1, Timeout: 2 * time.Second}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	_, h := newTestServer(t, testConfig(), Deps{Engine: engine, Metrics: metrics.New()})
	return h
}

func segmentLinks(t *testing.T, h http.Handler) []string {
	t.Helper()
	rec := do(h, http.MethodGet, "/live.m3u8?cmd="+url.QueryEscape(testCmd), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var links []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "/player/") {
			links = append(links, line)
		}
	}
	require.Len(t, links, 3)
	return links
}

func TestSegmentProxyRelaysAllowedHeaders(t *testing.T) {
	o := newSegmentOrigin(t)
	h := newSegmentServer(t, o)
	links := segmentLinks(t, h)
	assert.Contains(t, links[1], "%2F", "escaped command must survive routing")

	rec := do(h, http.MethodGet, links[1], http.Header{
		"Range":  {"bytes=0-9"},
		"Cookie": {"session=player"},
	})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "data:/live/ch1/seg101.ts", rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes 0-9/10", rec.Header().Get("Content-Range"))
	assert.Empty(t, rec.Header().Get("X-Upstream-Internal"))

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Equal(t, "bytes=0-9", o.headers.Get("Range"))
	assert.Empty(t, o.headers.Get("Cookie"))
	assert.NotEmpty(t, o.headers.Get("User-Agent"))
}

func TestSegmentProxyRejectsBadSignature(t *testing.T) {
	o := newSegmentOrigin(t)
	h := newSegmentServer(t, o)
	links := segmentLinks(t, h)

	tampered := links[0][:strings.Index(links[0], "sig=")] + "sig=" + strings.Repeat("0", 64)
	rec := do(h, http.MethodGet, tampered, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, types.ReasonInvalidSignature, decodeError(t, rec))
}

func TestSegmentProxyHidesUpstreamErrorPage(t *testing.T) {
	o := newSegmentOrigin(t)
	h := newSegmentServer(t, o)
	links := segmentLinks(t, h)

	rec := do(h, http.MethodGet, links[2], nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "portal error page")
	assert.Equal(t, types.ReasonUpstream, decodeError(t, rec))
}

func TestContentTypeForPath(t *testing.T) {
	assert.Equal(t, "video/mp2t", contentTypeForPath("segment_001.ts"))
	assert.Equal(t, hlsContentType, contentTypeForPath("index.m3u8"))
	assert.Equal(t, "application/octet-stream", contentTypeForPath("x.bin"))
}
