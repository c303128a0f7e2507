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

package live

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lucasduport/stalker-proxy/pkg/config"
	"github.com/lucasduport/stalker-proxy/pkg/httpclient"
	"github.com/lucasduport/stalker-proxy/pkg/metrics"
	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// Tier selects the playlist level served to the player.
type Tier string

const (
	TierMaster  Tier = "master"
	TierVariant Tier = "variant"
)

// ParseTier maps the play query parameter to a tier.
func ParseTier(play string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(play)) {
	case "", "master", "0":
		return TierMaster, true
	case "variant", "1":
		return TierVariant, true
	default:
		return "", false
	}
}

// LinkResolver exchanges a channel command for its upstream playlist URL.
type LinkResolver interface {
	ResolveLink(ctx context.Context, cmd string) (string, error)
}

// Fetcher is the rate-limited upstream client.
type Fetcher interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*httpclient.Response, error)
	Stream(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (*http.Response, error)
}

// ActivityTracker receives the channel currently playing.
type ActivityTracker interface {
	SetActiveChannel(id string)
}

// Segment is an upstream segment response ready to be relayed. The caller
// must close Body.
type Segment struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Options configures an Engine. Signer, Resolver and Client are required.
type Options struct {
	Signer   *Signer
	Resolver LinkResolver
	Client   Fetcher
	Store    RecordStore     // defaults to a MemoryStore with CacheTTL
	Tracker  ActivityTracker // optional
	Metrics  *metrics.Metrics

	CacheTTL       time.Duration // default 10m
	SegmentTimeout time.Duration // connect/first byte and read idle, default 10s
	FlightTimeout  time.Duration // one coalesced population, default 45s
	KeepBehind     int64         // sequences kept behind a playlist window, default 64
	UserAgent      string
}

// Engine rewrites live playlists so every segment is served through signed
// local URLs, and resolves those URLs back to upstream segments.
type Engine struct {
	signer   *Signer
	resolver LinkResolver
	client   Fetcher
	store    RecordStore
	tracker  ActivityTracker
	metrics  *metrics.Metrics

	segmentTimeout time.Duration
	flightTimeout  time.Duration
	keepBehind     int64
	userAgent      string
	now            func() time.Time

	flight  singleflight.Group
	mu      sync.Mutex // serializes record read-modify-write
	pending atomic.Int64
}

// NewEngine validates opts and returns a ready engine.
func NewEngine(opts Options) (*Engine, error) {
	switch {
	case opts.Signer == nil:
		return nil, &types.ConfigError{Field: "signer", Reason: "required"}
	case opts.Resolver == nil:
		return nil, &types.ConfigError{Field: "resolver", Reason: "required"}
	case opts.Client == nil:
		return nil, &types.ConfigError{Field: "client", Reason: "required"}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = config.DefaultCacheTTL
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore(opts.CacheTTL)
	}
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = config.DefaultSegmentTimeout
	}
	if opts.FlightTimeout <= 0 {
		opts.FlightTimeout = 45 * time.Second
	}
	if opts.KeepBehind <= 0 {
		opts.KeepBehind = 64
	}
	if opts.UserAgent == "" {
		opts.UserAgent = utils.GetSTBUserAgent()
	}
	return &Engine{
		signer:         opts.Signer,
		resolver:       opts.Resolver,
		client:         opts.Client,
		store:          opts.Store,
		tracker:        opts.Tracker,
		metrics:        opts.Metrics,
		segmentTimeout: opts.SegmentTimeout,
		flightTimeout:  opts.FlightTimeout,
		keepBehind:     opts.KeepBehind,
		userAgent:      opts.UserAgent,
		now:            time.Now,
	}, nil
}

// GetPlaylist returns the rewritten master or variant playlist of cmd.
// subpathHint names the variant for TierVariant; empty means the default
// variant discovered in the master playlist.
func (e *Engine) GetPlaylist(ctx context.Context, cmd string, tier Tier, subpathHint string) (string, error) {
	if cmd == "" {
		return "", types.NewNotFoundError(types.ReasonNotFound, "missing channel command")
	}

	var fn func(context.Context) (string, error)
	switch tier {
	case TierMaster:
		fn = func(ctx context.Context) (string, error) { return e.masterPlaylist(ctx, cmd) }
	case TierVariant:
		fn = func(ctx context.Context) (string, error) { return e.variantPlaylist(ctx, cmd, subpathHint) }
	default:
		return "", types.NewNotFoundError(types.ReasonNotFound, "unknown playlist tier "+string(tier))
	}

	text, err := e.do(ctx, string(tier)+"|"+cmd+"|"+subpathHint, fn)
	if err != nil {
		e.metrics.PlaylistRequest(string(tier), "error")
		return "", err
	}
	e.metrics.PlaylistRequest(string(tier), "ok")

	if err := e.store.Touch(ctx, cmd); err != nil {
		utils.DebugLog("Failed to touch cache record: %v", err)
	}
	e.SetActiveChannel(cmd)
	return text, nil
}

// masterPlaylist serves the master playlist, re-resolving the channel link
// when the cached one stopped answering.
func (e *Engine) masterPlaylist(ctx context.Context, cmd string) (string, error) {
	rec, err := e.store.Get(ctx, cmd)
	if err != nil {
		return "", err
	}
	if rec == nil || rec.MasterURL == "" {
		return e.populateShared(ctx, cmd)
	}

	resp, err := e.fetch(ctx, rec.MasterURL)
	if err != nil {
		return "", err
	}
	if rotted(resp) {
		utils.WarnLog("Master playlist of %s answered %d (%d bytes), resolving a fresh link",
			utils.MaskString(cmd), resp.Status, len(resp.Body))
		text, err := e.populateShared(ctx, cmd)
		if err == nil {
			e.metrics.LinkRotRecovered()
		}
		return text, err
	}

	rw := rewritePlaylist(string(resp.Body), cmd, e.signer)
	err = e.commit(ctx, cmd, func(r *CacheRecord) {
		r.BaseURL = baseDir(finalURL(resp, rec.MasterURL))
		if len(rw.variants) > 0 {
			r.Subpath = rw.variants[0]
		}
		e.mergeSegments(r, rw)
	})
	return rw.text, err
}

// populateShared resolves and rewrites the master playlist, once for all
// concurrent callers on the same command.
func (e *Engine) populateShared(ctx context.Context, cmd string) (string, error) {
	return e.do(ctx, "populate|"+cmd, func(ctx context.Context) (string, error) {
		return e.populate(ctx, cmd)
	})
}

func (e *Engine) populate(ctx context.Context, cmd string) (string, error) {
	link, resp, err := e.loadMaster(ctx, cmd)
	if err != nil {
		return "", err
	}

	rw := rewritePlaylist(string(resp.Body), cmd, e.signer)
	err = e.commit(ctx, cmd, func(r *CacheRecord) {
		r.MasterURL = link
		r.BaseURL = baseDir(finalURL(resp, link))
		if len(rw.variants) > 0 {
			r.Subpath = rw.variants[0]
		}
		e.mergeSegments(r, rw)
	})
	if err != nil {
		return "", err
	}
	utils.DebugLog("Cached master playlist of %s: %d segments, %d variants",
		utils.MaskString(cmd), len(rw.segments), len(rw.variants))
	return rw.text, nil
}

// loadMaster resolves a fresh link for cmd and fetches its master playlist.
func (e *Engine) loadMaster(ctx context.Context, cmd string) (string, *httpclient.Response, error) {
	link, err := e.resolver.ResolveLink(ctx, cmd)
	if err != nil {
		return "", nil, err
	}
	if link == "" {
		return "", nil, types.NewNotFoundError(types.ReasonNotFound, "no stream link for channel")
	}

	resp, err := e.fetch(ctx, link)
	if err != nil {
		return "", nil, err
	}
	if !resp.OK() {
		return "", nil, types.NewUpstreamError(resp.Status, errors.New("master playlist"))
	}
	if len(resp.Body) == 0 {
		return "", nil, &types.UpstreamError{Status: resp.Status, Reason: types.ReasonLinkRotted, Err: errors.New("empty master playlist")}
	}
	return link, resp, nil
}

// variantPlaylist serves one variant. A rotted variant link triggers one
// master re-resolution; the renamed variant is remembered for the stale
// reference.
func (e *Engine) variantPlaylist(ctx context.Context, cmd, hint string) (string, error) {
	rec, err := e.store.Get(ctx, cmd)
	if err != nil {
		return "", err
	}
	if rec == nil {
		if _, err := e.populateShared(ctx, cmd); err != nil {
			return "", err
		}
		if rec, err = e.store.Get(ctx, cmd); err != nil {
			return "", err
		}
		if rec == nil {
			return "", types.NewNotFoundError(types.ReasonNotFound, "channel not cached")
		}
	}

	requested := hint
	if requested == "" {
		requested = rec.Subpath
	}
	if requested == "" {
		return "", types.NewNotFoundError(types.ReasonNotFound, "channel has no variant playlist")
	}
	subpath := requested
	if to, ok := rec.SubpathRedirects[requested]; ok {
		subpath = to
	}

	variantURL, err := resolveURL(rec.BaseURL, subpath)
	if err != nil {
		return "", types.NewNotFoundError(types.ReasonNotFound, err.Error())
	}
	resp, err := e.fetch(ctx, variantURL)
	if err != nil {
		return "", err
	}

	if rotted(resp) {
		utils.WarnLog("Variant playlist of %s answered %d (%d bytes), refreshing master",
			utils.MaskString(cmd), resp.Status, len(resp.Body))
		resp, variantURL, subpath, err = e.recoverVariant(ctx, cmd, requested, subpath)
		if err != nil {
			return "", err
		}
	}

	rw := rewritePlaylist(string(resp.Body), cmd, e.signer)
	err = e.commit(ctx, cmd, func(r *CacheRecord) {
		r.VariantBaseURL = baseDir(finalURL(resp, variantURL))
		r.Subpath = subpath
		e.mergeSegments(r, rw)
	})
	return rw.text, err
}

// recoverVariant re-resolves the master playlist, picks the variant that
// replaces stale and fetches it once.
func (e *Engine) recoverVariant(ctx context.Context, cmd, requested, stale string) (*httpclient.Response, string, string, error) {
	link, master, err := e.loadMaster(ctx, cmd)
	if err != nil {
		return nil, "", "", err
	}
	base := baseDir(finalURL(master, link))

	fresh := pickVariant(variantRefs(string(master.Body)), stale)
	if fresh == "" {
		return nil, "", "", &types.UpstreamError{Status: master.Status, Reason: types.ReasonLinkRotted,
			Err: errors.New("refreshed master playlist has no variant")}
	}

	err = e.commit(ctx, cmd, func(r *CacheRecord) {
		r.MasterURL = link
		r.BaseURL = base
		if fresh == requested {
			delete(r.SubpathRedirects, requested)
			return
		}
		if r.SubpathRedirects == nil {
			r.SubpathRedirects = make(map[string]string)
		}
		r.SubpathRedirects[requested] = fresh
	})
	if err != nil {
		return nil, "", "", err
	}

	variantURL, err := resolveURL(base, fresh)
	if err != nil {
		return nil, "", "", types.NewNotFoundError(types.ReasonNotFound, err.Error())
	}
	resp, err := e.fetch(ctx, variantURL)
	if err != nil {
		return nil, "", "", err
	}
	if rotted(resp) {
		status := resp.Status
		if resp.OK() {
			return nil, "", "", &types.UpstreamError{Status: status, Reason: types.ReasonLinkRotted, Err: errors.New("empty variant playlist")}
		}
		return nil, "", "", types.NewUpstreamError(status, errors.New("variant playlist"))
	}

	e.metrics.LinkRotRecovered()
	utils.InfoLog("Recovered variant playlist of %s after link rotation", utils.MaskString(cmd))
	return resp, variantURL, fresh, nil
}

// GetSegment verifies a signed resource identifier and opens the upstream
// segment. A sequence missing from the cache triggers one repopulation.
func (e *Engine) GetSegment(ctx context.Context, resourceID, signature string, fwd http.Header) (*Segment, error) {
	if resourceID == "" || signature == "" || !e.signer.Verify(resourceID, signature) {
		return nil, types.NewAuthError(types.ReasonInvalidSignature, errors.New("segment signature mismatch"))
	}
	cmd, seq, err := ParseResourceID(resourceID)
	if err != nil {
		return nil, types.NewNotFoundError(types.ReasonNotFound, err.Error())
	}

	path, base, err := e.lookup(ctx, cmd, seq)
	if err != nil {
		return nil, err
	}
	if path == "" {
		e.metrics.Repopulation()
		if err := e.repopulate(ctx, cmd); err != nil {
			return nil, err
		}
		if path, base, err = e.lookup(ctx, cmd, seq); err != nil {
			return nil, err
		}
		if path == "" {
			return nil, types.NewNotFoundError(types.ReasonSegmentEvicted, fmt.Sprintf("segment %d", seq))
		}
	}

	segURL, err := resolveURL(base, path)
	if err != nil {
		return nil, types.NewNotFoundError(types.ReasonNotFound, err.Error())
	}
	if err := e.store.Touch(ctx, cmd); err != nil {
		utils.DebugLog("Failed to touch cache record: %v", err)
	}

	header := fwd.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.client.Stream(ctx, segURL, header, e.segmentTimeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, types.NewUpstreamError(resp.StatusCode, errors.New("segment"))
	}
	return &Segment{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

func (e *Engine) lookup(ctx context.Context, cmd string, seq int64) (string, string, error) {
	rec, err := e.store.Get(ctx, cmd)
	if err != nil || rec == nil {
		return "", "", err
	}
	return rec.Segments[seq], rec.SegmentBase(), nil
}

// repopulate refreshes the playlist the player is following: the current
// variant when one is known, else the master.
func (e *Engine) repopulate(ctx context.Context, cmd string) error {
	_, err := e.do(ctx, "refresh|"+cmd, func(ctx context.Context) (string, error) {
		rec, err := e.store.Get(ctx, cmd)
		if err != nil {
			return "", err
		}
		if rec != nil && rec.Subpath != "" {
			return e.variantPlaylist(ctx, cmd, "")
		}
		return e.populateShared(ctx, cmd)
	})
	return err
}

// SetActiveChannel reports cmd as playing to the heartbeat.
func (e *Engine) SetActiveChannel(cmd string) {
	if e.tracker == nil {
		return
	}
	e.tracker.SetActiveChannel(channelID(cmd))
}

// Stats reports cache occupancy.
func (e *Engine) Stats(ctx context.Context) types.CacheStats {
	stats := types.CacheStats{Pending: int(e.pending.Load())}
	if n, err := e.store.Len(ctx); err == nil {
		stats.Records = n
	}
	if c, ok := e.store.(interface{ SegmentCount() int }); ok {
		stats.Segments = c.SegmentCount()
	}
	e.metrics.SetCache(stats.Records, stats.Segments)
	return stats
}

// Close releases the record store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// do runs fn once for all concurrent callers with the same key. fn runs
// detached from the caller so a disconnecting player does not abort the
// population other players are waiting on.
func (e *Engine) do(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, error) {
	ch := e.flight.DoChan(key, func() (interface{}, error) {
		e.pending.Add(1)
		defer e.pending.Add(-1)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.flightTimeout)
		defer cancel()
		return fn(fctx)
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

// commit applies mutate to the stored record of cmd, creating it if needed.
func (e *Engine) commit(ctx context.Context, cmd string, mutate func(*CacheRecord)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, cmd)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &CacheRecord{Segments: make(map[int64]string)}
	}
	if rec.Segments == nil {
		rec.Segments = make(map[int64]string)
	}
	mutate(rec)
	rec.UpdatedAt = e.now()
	return e.store.Set(ctx, cmd, rec)
}

// mergeSegments adds the playlist's segments and drops sequences far behind
// its window.
func (e *Engine) mergeSegments(r *CacheRecord, rw rewritten) {
	if len(rw.segments) == 0 {
		return
	}
	for seq, path := range rw.segments {
		r.Segments[seq] = path
	}
	floor := rw.firstSeq - e.keepBehind
	for seq := range r.Segments {
		if seq < floor {
			delete(r.Segments, seq)
		}
	}
}

func (e *Engine) fetch(ctx context.Context, rawURL string) (*httpclient.Response, error) {
	header := http.Header{}
	header.Set("User-Agent", e.userAgent)
	resp, err := e.client.Get(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	if resp.Skipped {
		return nil, &types.UpstreamError{Status: http.StatusTooManyRequests, Reason: types.ReasonRateLimited, Err: errors.New("upstream cooldown")}
	}
	return resp, nil
}

// rotted reports whether a playlist answer means the link expired.
func rotted(resp *httpclient.Response) bool {
	return !resp.OK() || len(strings.TrimSpace(string(resp.Body))) == 0
}

func finalURL(resp *httpclient.Response, requested string) string {
	if resp.FinalURL != "" {
		return resp.FinalURL
	}
	return requested
}

// channelID extracts the portal channel id from a command such as
// "ffrt http://localhost/ch/10234_".
func channelID(cmd string) string {
	s := cmd
	if i := strings.LastIndexAny(s, " /"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimRight(s, "_")
	if s != "" && strings.Trim(s, "0123456789") == "" {
		return s
	}
	return ""
}
