// Copyright 2025 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filecache shares read-only memory mappings of static files among
// concurrent responders. Under load, many connections ask for the same few
// files; mapping each file once and handing out refcounted views avoids a
// per-request mmap and the attendant memory churn.
package filecache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// CachedFile is one shared mapping. The data slice is valid from the Acquire
// that returned it until the matching Release.
type CachedFile struct {
	data []byte

	// Accessed atomically.
	refCount int64

	// Mtime of the file at map time; a later stat with a different mtime
	// makes this entry stale.
	modSec  int64
	modNsec int64

	// Unix nanos of the most recent Acquire. Accessed atomically so hits
	// under the shared lock can bump it.
	lastAccess int64
}

// Data returns the mapped bytes.
func (f *CachedFile) Data() []byte {
	return f.data
}

// Size returns the mapped length.
func (f *CachedFile) Size() int64 {
	return int64(len(f.data))
}

// RefCount returns the current reference count.
func (f *CachedFile) RefCount() int64 {
	return atomic.LoadInt64(&f.refCount)
}

func (f *CachedFile) stale(st *unix.Stat_t) bool {
	return f.modSec != st.Mtim.Sec || f.modNsec != st.Mtim.Nsec
}

type Cache struct {
	clock timeutil.Clock

	mu      syncutil.InvariantMutex
	entries map[string]*CachedFile // GUARDED_BY(mu)

	// Accessed atomically. mapCalls counts mmap invocations over the cache's
	// lifetime; mapped counts live entries. Both are observable by tests.
	mapCalls int64
	mapped   int64
}

// New creates an empty cache reading last-access instants from clock.
func New(clock timeutil.Clock) *Cache {
	c := &Cache{
		clock:   clock,
		entries: make(map[string]*CachedFile),
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)

	return c
}

func (c *Cache) checkInvariants() {
	for path, e := range c.entries {
		if e.RefCount() < 0 {
			panic(fmt.Sprintf("filecache: negative refcount for %q", path))
		}
	}
}

// Acquire returns a shared mapping for path, whose current stat the caller
// has already taken. A cached entry whose mtime matches is handed out with
// its refcount bumped; a stale or missing entry is (re)mapped under the
// exclusive lock. The caller owes exactly one Release per successful
// Acquire.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Acquire(path string, st *unix.Stat_t) (*CachedFile, error) {
	// Fast path: shared lock, fresh hit.
	c.mu.RLock()
	if e, ok := c.entries[path]; ok && !e.stale(st) {
		atomic.AddInt64(&e.refCount, 1)
		atomic.StoreInt64(&e.lastAccess, c.clock.Now().UnixNano())
		c.mu.RUnlock()
		return e, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check: another writer may have raced us here.
	if e, ok := c.entries[path]; ok {
		if !e.stale(st) {
			atomic.AddInt64(&e.refCount, 1)
			atomic.StoreInt64(&e.lastAccess, c.clock.Now().UnixNano())
			return e, nil
		}

		c.evictLocked(path, e)
	}

	e, err := c.load(path, st)
	if err != nil {
		return nil, err
	}

	c.entries[path] = e
	atomic.AddInt64(&c.mapped, 1)

	return e, nil
}

// Release returns one reference for path. The count clamps at zero; Release
// never unmaps. The mapping is torn down by Sweep, by Clear, or by an
// Acquire that finds the entry stale while nothing references it.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Release(path string) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()

	if !ok {
		return
	}

	for {
		cur := atomic.LoadInt64(&e.refCount)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&e.refCount, cur, cur-1) {
			return
		}
	}
}

// Sweep unmaps entries that nobody references and that have been idle
// longer than maxIdle, returning how many it removed. Call it from a single
// maintenance context.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Sweep(maxIdle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now().UnixNano()
	removed := 0

	for path, e := range c.entries {
		if e.RefCount() > 0 {
			continue
		}

		idle := time.Duration(now - atomic.LoadInt64(&e.lastAccess))
		if idle <= maxIdle {
			continue
		}

		c.evictLocked(path, e)
		removed++
	}

	return removed
}

// Clear unmaps everything regardless of idle age or references. Only for
// shutdown, after the connections holding references are gone.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for path, e := range c.entries {
		delete(c.entries, path)
		atomic.AddInt64(&c.mapped, -1)
		c.unmap(e)
	}
}

// MapCalls returns the number of mmap calls made so far.
func (c *Cache) MapCalls() int64 {
	return atomic.LoadInt64(&c.mapCalls)
}

// MappedFiles returns the number of live entries.
func (c *Cache) MappedFiles() int64 {
	return atomic.LoadInt64(&c.mapped)
}

// evictLocked removes the entry from the map and unmaps it if idle. A stale
// entry that still has readers is orphaned instead: the map forgets it, the
// readers keep their (still valid) mapping, and the bytes go away when the
// process does. Unmapping under a live reader is never an option.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) evictLocked(path string, e *CachedFile) {
	delete(c.entries, path)
	atomic.AddInt64(&c.mapped, -1)

	if e.RefCount() <= 0 {
		c.unmap(e)
	}
}

func (c *Cache) unmap(e *CachedFile) {
	if e.data != nil {
		unix.Munmap(e.data)
		e.data = nil
	}
}

// load opens and maps path read-only, seeding the refcount for the caller.
func (c *Cache) load(path string, st *unix.Stat_t) (*CachedFile, error) {
	e := &CachedFile{
		refCount:   1,
		modSec:     st.Mtim.Sec,
		modNsec:    st.Mtim.Nsec,
		lastAccess: c.clock.Now().UnixNano(),
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("Open(%q): %w", path, err)
	}

	// mmap rejects zero-length mappings; an empty file is a valid, empty
	// entry.
	if st.Size == 0 {
		unix.Close(fd)
		return e, nil
	}

	data, err := unix.Mmap(
		fd,
		0,
		int(st.Size),
		unix.PROT_READ,
		unix.MAP_PRIVATE)

	// The mapping outlives the descriptor either way.
	unix.Close(fd)

	if err != nil {
		return nil, fmt.Errorf("Mmap(%q): %w", path, err)
	}

	atomic.AddInt64(&c.mapCalls, 1)
	e.data = data

	return e, nil
}
