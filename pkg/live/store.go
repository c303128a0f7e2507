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
	"sync"
	"time"
)

// CacheRecord is the cached state of one channel command.
type CacheRecord struct {
	MasterURL        string            `json:"master_url"`
	BaseURL          string            `json:"base_url"`
	VariantBaseURL   string            `json:"variant_base_url,omitempty"`
	Segments         map[int64]string  `json:"segments"`
	Subpath          string            `json:"subpath,omitempty"`
	SubpathRedirects map[string]string `json:"subpath_redirects,omitempty"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SegmentBase is the URL segment paths resolve against: the variant
// directory when one was fetched, else the master directory.
func (r *CacheRecord) SegmentBase() string {
	if r.VariantBaseURL != "" {
		return r.VariantBaseURL
	}
	return r.BaseURL
}

// Clone returns a deep copy.
func (r *CacheRecord) Clone() *CacheRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Segments = make(map[int64]string, len(r.Segments))
	for k, v := range r.Segments {
		c.Segments[k] = v
	}
	if r.SubpathRedirects != nil {
		c.SubpathRedirects = make(map[string]string, len(r.SubpathRedirects))
		for k, v := range r.SubpathRedirects {
			c.SubpathRedirects[k] = v
		}
	}
	return &c
}

// RecordStore holds cache records keyed by channel command. Get returns
// nil, nil for a missing or expired record. Records expire after the
// store's TTL without Set or Touch.
type RecordStore interface {
	Get(ctx context.Context, cmd string) (*CacheRecord, error)
	Set(ctx context.Context, cmd string, rec *CacheRecord) error
	Touch(ctx context.Context, cmd string) error
	Delete(ctx context.Context, cmd string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

type memoryEntry struct {
	rec        *CacheRecord
	lastAccess time.Time
}

// MemoryStore is an in-process RecordStore with a janitor goroutine
// evicting idle records.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	items map[string]*memoryEntry

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore starts a store evicting records idle for longer than ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		ttl:   ttl,
		now:   time.Now,
		items: make(map[string]*memoryEntry),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	defer close(s.done)

	interval := s.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for cmd, e := range s.items {
		if now.Sub(e.lastAccess) > s.ttl {
			delete(s.items, cmd)
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, cmd string) (*CacheRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[cmd]
	if !ok {
		return nil, nil
	}
	if s.now().Sub(e.lastAccess) > s.ttl {
		delete(s.items, cmd)
		return nil, nil
	}
	return e.rec.Clone(), nil
}

func (s *MemoryStore) Set(_ context.Context, cmd string, rec *CacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[cmd] = &memoryEntry{rec: rec.Clone(), lastAccess: s.now()}
	return nil
}

func (s *MemoryStore) Touch(_ context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[cmd]; ok {
		e.lastAccess = s.now()
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, cmd)
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

// SegmentCount returns the number of cached segment paths.
func (s *MemoryStore) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.items {
		n += len(e.rec.Segments)
	}
	return n
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
	return nil
}
