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

// Package timerservice implements the ordered timer set the server uses for
// idle-connection eviction: millisecond resolution on an injectable clock,
// cancellation by external key, and a bounded amount of callback work per
// tick.
//
// Cancellation is lazy. Cancel only severs the key→id binding; the heap
// entry stays put and is discarded when it surfaces. This keeps Update a
// plain pop loop and makes the cancel race benign: a timer whose key was
// cancelled between scheduling and firing re-checks the binding under the
// lock and turns into a no-op.
package timerservice

import (
	"container/heap"
	"log"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
)

// MaxFiresPerTick bounds how many timers a single Update call may fire, so
// a burst of expirations cannot monopolize the event loop.
const MaxFiresPerTick = 100

// Callback is invoked when a timer fires. Callbacks run without the service
// lock held and must not assume the keyed entity still exists.
type Callback func()

type timerNode struct {
	id        uint64
	key       int
	fireAt    time.Time
	period    time.Duration
	remaining int // -1 means repeat forever
	cb        Callback

	index int // heap bookkeeping
}

type timerHeap []*timerNode

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	n := x.(*timerNode)
	n.index = len(*h)
	*h = append(*h, n)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return n
}

type Service struct {
	clock timeutil.Clock

	// Receives the warning when MaxFiresPerTick is reached. May be nil.
	warnLogger *log.Logger

	mu      sync.Mutex
	timers  timerHeap      // GUARDED_BY(mu)
	keyToID map[int]uint64 // GUARDED_BY(mu)
	nextID  uint64         // GUARDED_BY(mu)
}

// New creates an empty service reading time from clock. warnLogger may be
// nil.
func New(clock timeutil.Clock, warnLogger *log.Logger) *Service {
	return &Service{
		clock:      clock,
		warnLogger: warnLogger,
		keyToID:    make(map[int]uint64),
	}
}

// Schedule arms a timer for key, replacing any timer the key already owns.
// The timer fires delay from now; with repeat != 0 it refires every delay,
// repeat further times (-1 means forever). The returned id identifies the
// new timer generation.
func (s *Service) Schedule(
	key int,
	delay time.Duration,
	repeat int,
	cb Callback) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID

	// The previous timer for this key, if any, dies by losing the binding.
	s.keyToID[key] = id

	heap.Push(&s.timers, &timerNode{
		id:        id,
		key:       key,
		fireAt:    s.clock.Now().Add(delay),
		period:    delay,
		remaining: repeat,
		cb:        cb,
	})

	return id
}

// Cancel removes key's binding. The heap entry is reclaimed lazily by
// Update.
func (s *Service) Cancel(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.keyToID, key)
}

// Update fires every timer due as of entry, up to MaxFiresPerTick. Repeating
// timers are re-inserted advanced by their period before their callback
// runs. A callback panic is logged and cancels the timer's key so the
// re-inserted entry does not fire again.
func (s *Service) Update() {
	now := s.clock.Now()
	fired := 0

	for {
		s.mu.Lock()

		if len(s.timers) == 0 || s.timers[0].fireAt.After(now) {
			s.mu.Unlock()
			return
		}

		if fired >= MaxFiresPerTick {
			s.mu.Unlock()
			if s.warnLogger != nil {
				s.warnLogger.Printf(
					"timerservice: fired %d timers in one tick; deferring the rest",
					MaxFiresPerTick)
			}
			return
		}

		n := heap.Pop(&s.timers).(*timerNode)

		// Re-check the binding under the lock: a Cancel or a newer Schedule
		// for the same key makes this entry stale.
		if s.keyToID[n.key] != n.id {
			s.mu.Unlock()
			continue
		}

		if n.remaining != 0 {
			if n.remaining > 0 {
				n.remaining--
			}
			n.fireAt = n.fireAt.Add(n.period)
			heap.Push(&s.timers, n)
		} else {
			delete(s.keyToID, n.key)
		}

		s.mu.Unlock()

		fired++
		s.fire(n)
	}
}

func (s *Service) fire(n *timerNode) {
	defer func() {
		if r := recover(); r != nil {
			if s.warnLogger != nil {
				s.warnLogger.Printf(
					"timerservice: callback for key %d panicked: %v", n.key, r)
			}
			s.Cancel(n.key)
		}
	}()

	n.cb()
}

// NextTick returns 0 if a timer is already due, the delay until the earliest
// timer otherwise, and -1 when the store is empty. The -1 convention matches
// an indefinite epoll_wait timeout.
func (s *Service) NextTick() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.timers) == 0 {
		return -1
	}

	d := s.timers[0].fireAt.Sub(s.clock.Now())
	if d <= 0 {
		return 0
	}

	return int(d / time.Millisecond)
}

// Len reports the number of heap entries, live and stale alike.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

// Clear drops all timers and bindings. Used on shutdown.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers = nil
	s.keyToID = make(map[int]uint64)
}
