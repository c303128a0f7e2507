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

package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lucasduport/stalker-proxy/pkg/metrics"
	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// PlaylistName is the file ffmpeg writes the live playlist to.
const PlaylistName = "index.m3u8"

// Options configures a Transcoder.
type Options struct {
	FFmpegPath   string        // default "ffmpeg"
	TempDir      string        // wiped at startup
	IdleTimeout  time.Duration // default 1m
	StartTimeout time.Duration // wait for the first playlist, default 15s
	PollInterval time.Duration // default 500ms
	UserAgent    string
	Metrics      *metrics.Metrics
}

type process struct {
	key        string
	dir        string
	cmd        *exec.Cmd
	startedAt  time.Time
	lastAccess time.Time
	done       chan struct{}
}

// Transcoder runs one ffmpeg HLS process per key and stops it once nobody
// fetched its output for IdleTimeout.
type Transcoder struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	procs  map[string]*process
	flight singleflight.Group

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New prepares the temp directory and starts the idle janitor.
func New(opts Options) (*Transcoder, error) {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "stalker-proxy", "live")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 15 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.UserAgent == "" {
		opts.UserAgent = utils.GetSTBUserAgent()
	}

	if err := os.RemoveAll(opts.TempDir); err != nil {
		utils.WarnLog("Failed to clean transcoder directory %s: %v", opts.TempDir, err)
	}
	if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("create transcoder directory: %w", err)
	}

	t := &Transcoder{
		opts:  opts,
		now:   time.Now,
		procs: make(map[string]*process),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go t.janitor()
	return t, nil
}

// PlaylistURL is the local URL the transcoded playlist of key is served at.
func PlaylistURL(key string) string {
	return "/api/stream/" + url.PathEscape(key) + "/" + PlaylistName
}

// Dir returns the output directory of key.
func (t *Transcoder) Dir(key string) string {
	name := url.PathEscape(key)
	if name == "." || name == ".." {
		name = "_" + name
	}
	return filepath.Join(t.opts.TempDir, name)
}

// Start launches (or reuses) the process for key reading inputURL and waits
// until its first playlist is written. It returns the local playlist URL.
func (t *Transcoder) Start(ctx context.Context, key, inputURL string) (string, error) {
	if key == "" {
		return "", types.NewNotFoundError(types.ReasonNotFound, "empty transcode key")
	}
	if t.Touch(key) {
		return PlaylistURL(key), nil
	}

	ch := t.flight.DoChan(key, func() (interface{}, error) {
		p, err := t.spawn(key, inputURL)
		if err != nil {
			return nil, err
		}
		if err := t.waitForPlaylist(p); err != nil {
			t.Stop(key)
			return nil, err
		}
		return PlaylistURL(key), nil
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

func (t *Transcoder) spawn(key, inputURL string) (*process, error) {
	t.mu.Lock()
	if p, ok := t.procs[key]; ok {
		t.mu.Unlock()
		return p, nil
	}
	t.mu.Unlock()

	dir := t.Dir(key)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clean transcode directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcode directory: %w", err)
	}

	cmd := exec.Command(t.opts.FFmpegPath, t.args(inputURL, dir)...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	now := t.now()
	p := &process{key: key, dir: dir, cmd: cmd, startedAt: now, lastAccess: now, done: make(chan struct{})}

	t.mu.Lock()
	t.procs[key] = p
	active := len(t.procs)
	t.mu.Unlock()
	t.opts.Metrics.SetActiveTranscodes(active)

	utils.InfoLog("Started transcoder for %s (pid %d)", utils.MaskString(key), cmd.Process.Pid)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		t.watchStderr(key, stderr)
	}()
	go func() {
		<-stderrDone
		err := cmd.Wait()
		close(p.done)
		utils.InfoLog("Transcoder for %s exited: %v", utils.MaskString(key), err)
		t.forget(p)
	}()
	return p, nil
}

// watchStderr logs ffmpeg errors until the pipe closes. An upstream 403/404
// ends the process.
func (t *Transcoder) watchStderr(key string, r io.Reader) {
	stopped := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		utils.DebugLog("[ffmpeg %s] %s", utils.MaskString(key), line)
		if stopped {
			continue
		}
		if strings.Contains(line, "403 Forbidden") || strings.Contains(line, "404 Not Found") {
			utils.WarnLog("Transcoder input for %s is gone, stopping", utils.MaskString(key))
			stopped = true
			go t.Stop(key)
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

func (t *Transcoder) waitForPlaylist(p *process) error {
	playlist := filepath.Join(p.dir, PlaylistName)
	deadline := time.NewTimer(t.opts.StartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		if fi, err := os.Stat(playlist); err == nil && fi.Size() > 0 {
			return nil
		}
		select {
		case <-p.done:
			return types.NewUpstreamError(0, errors.New("ffmpeg exited before writing a playlist"))
		case <-deadline.C:
			return &types.TimeoutError{Op: "transcode start", Err: errors.New("no playlist generated")}
		case <-ticker.C:
		}
	}
}

func (t *Transcoder) args(inputURL, dir string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-user_agent", t.opts.UserAgent,
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "2",
		"-protocol_whitelist", "file,http,https,tcp,tls,crypto",
		"-i", inputURL,
		"-map", "0:v",
		"-map", "0:a?",
		"-c:v", "copy",
		"-c:a", "aac",
		"-ar", "44100",
		"-ac", "2",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", "10",
		"-hls_list_size", "5",
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
		filepath.Join(dir, PlaylistName),
	}
}

// Touch marks key as accessed. It reports whether a process is running.
func (t *Transcoder) Touch(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[key]
	if ok {
		p.lastAccess = t.now()
	}
	return ok
}

// Stop kills the process of key and removes its output.
func (t *Transcoder) Stop(key string) {
	t.mu.Lock()
	p, ok := t.procs[key]
	delete(t.procs, key)
	active := len(t.procs)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.opts.Metrics.SetActiveTranscodes(active)

	utils.InfoLog("Stopping transcoder for %s", utils.MaskString(key))
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		utils.WarnLog("Transcoder for %s did not exit after kill", utils.MaskString(key))
	}
	if err := os.RemoveAll(p.dir); err != nil {
		utils.WarnLog("Failed to remove %s: %v", p.dir, err)
	}
}

// forget drops an exited process unless it was already replaced.
func (t *Transcoder) forget(p *process) {
	t.mu.Lock()
	if cur, ok := t.procs[p.key]; ok && cur == p {
		delete(t.procs, p.key)
	}
	active := len(t.procs)
	t.mu.Unlock()
	t.opts.Metrics.SetActiveTranscodes(active)
}

// Active lists running processes ordered by key.
func (t *Transcoder) Active() []types.TranscodeStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.TranscodeStatus, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, types.TranscodeStatus{Key: p.key, StartedAt: p.startedAt, LastAccess: p.lastAccess})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (t *Transcoder) janitor() {
	defer close(t.done)

	interval := t.opts.IdleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.stopIdle()
		}
	}
}

func (t *Transcoder) stopIdle() {
	t.mu.Lock()
	now := t.now()
	var idle []string
	for key, p := range t.procs {
		if now.Sub(p.lastAccess) > t.opts.IdleTimeout {
			idle = append(idle, key)
		}
	}
	t.mu.Unlock()

	for _, key := range idle {
		utils.InfoLog("Transcoder for %s idle for more than %v", utils.MaskString(key), t.opts.IdleTimeout)
		t.Stop(key)
	}
}

// Close stops the janitor and every running process.
func (t *Transcoder) Close() {
	t.closeOnce.Do(func() {
		close(t.stop)
		<-t.done

		t.mu.Lock()
		keys := make([]string, 0, len(t.procs))
		for key := range t.procs {
			keys = append(keys, key)
		}
		t.mu.Unlock()
		for _, key := range keys {
			t.Stop(key)
		}
	})
}

// LinkResolver exchanges a channel command for its upstream URL.
type LinkResolver interface {
	ResolveLink(ctx context.Context, cmd string) (string, error)
}

// Resolver resolves a channel through the portal and substitutes the
// upstream URL with a local transcoded playlist.
type Resolver struct {
	links      LinkResolver
	transcoder *Transcoder
}

// NewResolver chains links into t.
func NewResolver(links LinkResolver, t *Transcoder) *Resolver {
	return &Resolver{links: links, transcoder: t}
}

// ResolveLink returns the local playlist URL of the transcoded channel.
func (r *Resolver) ResolveLink(ctx context.Context, cmd string) (string, error) {
	if r.transcoder.Touch(cmd) {
		return PlaylistURL(cmd), nil
	}
	link, err := r.links.ResolveLink(ctx, cmd)
	if err != nil {
		return "", err
	}
	return r.transcoder.Start(ctx, cmd, link)
}
