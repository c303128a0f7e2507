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

package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/semaphore"

	"github.com/lucasduport/stalker-proxy/pkg/metrics"
	"github.com/lucasduport/stalker-proxy/pkg/types"
	"github.com/lucasduport/stalker-proxy/pkg/utils"
)

// DefaultMaxBodySize caps buffered bodies (playlists, portal JSON).
const DefaultMaxBodySize = 10 << 20

// Options configures a Client. Zero values take the defaults below.
type Options struct {
	Concurrency int           // simultaneous upstream requests, default 5
	MaxRetries  int           // retries after the first attempt, default 3; negative disables
	Timeout     time.Duration // per attempt, default 10s
	Cooldown    time.Duration // global pause after a 429, default 1s

	BaseBackoff       time.Duration // network errors: BaseBackoff * 2^(n-1), default 1s
	RateLimitMinDelay time.Duration // 429 retry delay lower bound, default 10s
	RateLimitMaxDelay time.Duration // 429 retry delay upper bound, default 30s

	MaxBodySize int64
	Transport   http.RoundTripper
	Metrics     *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	} else if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Cooldown <= 0 {
		o.Cooldown = time.Second
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.RateLimitMinDelay <= 0 {
		o.RateLimitMinDelay = 10 * time.Second
	}
	if o.RateLimitMaxDelay < o.RateLimitMinDelay {
		o.RateLimitMaxDelay = o.RateLimitMinDelay + 20*time.Second
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}
	if o.Transport == nil {
		o.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     false,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   o.Concurrency * 2,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}
}

// Response is a fully buffered upstream answer.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	FinalURL string
	// Skipped is set when the call was short-circuited by a cooldown; no
	// request reached upstream and Body is empty.
	Skipped bool
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && !r.Skipped && r.Status >= 200 && r.Status < 300
}

// Client is the shared outbound transport: a global concurrency gate, a
// retry policy and the 429 cooldown.
type Client struct {
	opts Options
	http *http.Client
	sem  *semaphore.Weighted

	getExecutor    failsafe.Executor[*http.Response]
	streamExecutor failsafe.Executor[*http.Response]

	mu            sync.Mutex
	cooldownUntil time.Time
	now           func() time.Time
}

// New builds a Client.
func New(opts Options) *Client {
	opts.applyDefaults()

	c := &Client{
		opts: opts,
		http: &http.Client{Transport: opts.Transport},
		sem:  semaphore.NewWeighted(int64(opts.Concurrency)),
		now:  time.Now,
	}

	//nolint:bodyclose // bodies are buffered or closed inside the attempt
	getPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return retryable(err)
			}
			return resp != nil && resp.StatusCode == http.StatusTooManyRequests
		}).
		WithMaxRetries(opts.MaxRetries).
		WithDelayFunc(c.retryDelay).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[*http.Response]) {
			reason := "network error"
			if r := e.LastResult(); r != nil {
				reason = fmt.Sprintf("status %d", r.StatusCode)
			} else if err := e.LastError(); err != nil {
				reason = err.Error()
			}
			utils.WarnLog("Upstream request failed: %s. Retrying (%d/%d)", reason, e.Attempts(), opts.MaxRetries)
		}).
		Build()

	//nolint:bodyclose // the body is handed to the caller
	streamPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(_ *http.Response, err error) bool {
			return err != nil && retryable(err)
		}).
		WithMaxRetries(opts.MaxRetries).
		WithDelayFunc(c.retryDelay).
		ReturnLastFailure().
		Build()

	c.getExecutor = failsafe.With(getPolicy)
	c.streamExecutor = failsafe.With(streamPolicy)
	return c
}

// retryDelay is exponential for network errors and a randomized long pause
// for 429, since portals rate-limit on a sliding window.
func (c *Client) retryDelay(exec failsafe.ExecutionAttempt[*http.Response]) time.Duration {
	if r := exec.LastResult(); r != nil && r.StatusCode == http.StatusTooManyRequests {
		span := int64(c.opts.RateLimitMaxDelay - c.opts.RateLimitMinDelay)
		if span <= 0 {
			return c.opts.RateLimitMinDelay
		}
		return c.opts.RateLimitMinDelay + time.Duration(rand.Int63n(span+1))
	}
	n := exec.Attempts() - 1
	if n < 0 {
		n = 0
	}
	if n > 10 {
		n = 10
	}
	return c.opts.BaseBackoff << uint(n)
}

// InCooldown reports whether a recent 429 is still pausing upstream traffic.
func (c *Client) InCooldown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.cooldownUntil)
}

func (c *Client) armCooldown() {
	c.mu.Lock()
	c.cooldownUntil = c.now().Add(c.opts.Cooldown)
	c.mu.Unlock()
	utils.WarnLog("Upstream rate limit hit, pausing outbound calls for %v", c.opts.Cooldown)
}

// Get performs a buffered GET. During a cooldown it returns a Skipped
// response without contacting upstream.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	if c.InCooldown() {
		c.opts.Metrics.CooldownSkip()
		utils.DebugLog("Cooldown active, skipping %s", utils.MaskURL(rawURL))
		return &Response{Skipped: true, Header: http.Header{}}, nil
	}

	resp, err := c.getExecutor.WithContext(ctx).Get(func() (*http.Response, error) {
		return c.doBuffered(ctx, rawURL, header)
	})
	if err != nil {
		return nil, c.classify(ctx, "GET "+utils.MaskURL(rawURL), err)
	}

	body, _ := io.ReadAll(resp.Body)
	out := &Response{
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     body,
		FinalURL: rawURL,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.FinalURL = resp.Request.URL.String()
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		c.opts.Metrics.UpstreamRequest("rate_limited")
		return out, types.NewUpstreamError(http.StatusTooManyRequests, nil)
	}
	c.opts.Metrics.UpstreamRequest("ok")
	return out, nil
}

// doBuffered runs one attempt while holding a concurrency slot and returns a
// response whose body is already in memory.
func (c *Client) doBuffered(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, permanent(err)
	}
	defer c.release()

	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, permanent(err)
	}
	copyHeader(req.Header, header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.armCooldown()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.opts.MaxBodySize {
		return nil, permanent(fmt.Errorf("response body exceeds %d bytes", c.opts.MaxBodySize))
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// Stream opens an upstream body for relaying. The concurrency slot is held
// until response headers arrive; the body stays bound to ctx so a client
// disconnect closes the upstream socket. Timeout bounds connect and first
// byte, then every gap between body reads.
func (c *Client) Stream(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (*http.Response, error) {
	if c.InCooldown() {
		c.opts.Metrics.CooldownSkip()
		return nil, types.NewUpstreamError(http.StatusTooManyRequests, errors.New("cooldown active"))
	}
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	resp, err := c.streamExecutor.WithContext(ctx).Get(func() (*http.Response, error) {
		return c.doStream(ctx, rawURL, header, timeout)
	})
	if err != nil {
		return nil, c.classify(ctx, "stream "+utils.MaskURL(rawURL), err)
	}
	c.opts.Metrics.UpstreamRequest("ok")
	return resp, nil
}

func (c *Client) doStream(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (*http.Response, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, permanent(err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		timer.Stop()
		cancel()
		c.release()
		return nil, permanent(err)
	}
	copyHeader(req.Header, header)

	resp, err := c.http.Do(req)
	stopped := timer.Stop()
	c.release()

	if err != nil {
		cancel()
		if !stopped && timedOut.Load() {
			return nil, &types.TimeoutError{Op: "segment first byte", Err: err}
		}
		return nil, err
	}
	if !stopped && timedOut.Load() {
		resp.Body.Close()
		cancel()
		return nil, &types.TimeoutError{Op: "segment first byte", Err: context.DeadlineExceeded}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		c.armCooldown()
		c.opts.Metrics.UpstreamRequest("rate_limited")
		return nil, permanent(types.NewUpstreamError(http.StatusTooManyRequests, nil))
	}

	timer.Reset(timeout)
	resp.Body = &idleTimeoutBody{
		ReadCloser: resp.Body,
		timer:      timer,
		timeout:    timeout,
		timedOut:   &timedOut,
		cancel:     cancel,
	}
	return resp, nil
}

func (c *Client) acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.opts.Metrics.UpstreamInflight(1)
	return nil
}

func (c *Client) release() {
	c.opts.Metrics.UpstreamInflight(-1)
	c.sem.Release(1)
}

// classify turns the final attempt error into the error taxonomy.
func (c *Client) classify(ctx context.Context, op string, err error) error {
	var nr *noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}

	var te *types.TimeoutError
	var ue *types.UpstreamError
	switch {
	case errors.As(err, &te), errors.As(err, &ue):
	case ctx.Err() != nil:
		// caller went away, not an upstream fault
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err):
		c.opts.Metrics.UpstreamRequest("timeout")
		return &types.TimeoutError{Op: op, Err: err}
	default:
		c.opts.Metrics.UpstreamRequest("network_error")
		return &types.UpstreamError{Status: 0, Reason: types.ReasonUpstream, Err: err}
	}
	return err
}

type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

func permanent(err error) error { return &noRetryError{err: err} }

func retryable(err error) bool {
	var nr *noRetryError
	if errors.As(err, &nr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// idleTimeoutBody aborts the upstream request when no bytes arrive within
// timeout. Each successful read re-arms the timer.
type idleTimeoutBody struct {
	io.ReadCloser
	timer    *time.Timer
	timeout  time.Duration
	timedOut *atomic.Bool
	cancel   context.CancelFunc
	once     sync.Once
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && !b.timedOut.Load() {
		b.timer.Reset(b.timeout)
	}
	if err != nil && err != io.EOF && b.timedOut.Load() {
		return n, &types.TimeoutError{Op: "segment read", Err: err}
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.once.Do(b.cancel)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
