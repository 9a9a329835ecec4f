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

// Package poller wraps the epoll instance and the eventfd the reactor uses
// to unblock itself. The event loop goroutine owns the Poller; Add/Mod/Del
// and Wake are safe to call from worker goroutines because epoll_ctl and
// eventfd writes are kernel-serialized.
package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is one readiness notification, with the epoll bit set for the
// descriptor it fired on.
type Event struct {
	FD     int
	Events uint32
}

type Poller struct {
	epollFD int
	wakeFD  int
	events  []unix.EpollEvent
}

// New creates an epoll instance sized for maxEvents notifications per wait,
// with the wakeup eventfd already registered (level-triggered EPOLLIN).
func New(maxEvents int) (*Poller, error) {
	epollFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("EpollCreate1: %w", err)
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFD)
		return nil, fmt.Errorf("Eventfd: %w", err)
	}

	p := &Poller{
		epollFD: epollFD,
		wakeFD:  wakeFD,
		events:  make([]unix.EpollEvent, maxEvents),
	}

	if err := p.Add(wakeFD, unix.EPOLLIN); err != nil {
		p.Close()
		return nil, fmt.Errorf("registering wakeup fd: %w", err)
	}

	return p, nil
}

func (p *Poller) Add(fd int, events uint32) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

func (p *Poller) Mod(fd int, events uint32) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

func (p *Poller) Del(fd int) error {
	return unix.EpollCtl(p.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *Poller) ctl(op int, fd int, events uint32) error {
	if fd < 0 {
		return unix.EBADF
	}

	ev := unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	}

	return unix.EpollCtl(p.epollFD, op, fd, &ev)
}

// Wait blocks for up to timeoutMS milliseconds (-1 blocks indefinitely) and
// returns the ready events. EINTR restarts the wait.
func (p *Poller) Wait(timeoutMS int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.epollFD, p.events, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("EpollWait: %w", err)
		}

		out := make([]Event, n)
		for i := 0; i < n; i++ {
			out[i] = Event{
				FD:     int(p.events[i].Fd),
				Events: p.events[i].Events,
			}
		}

		return out, nil
	}
}

// WakeFD returns the descriptor Wake signals, so the loop can recognize its
// readiness events.
func (p *Poller) WakeFD() int {
	return p.wakeFD
}

// Wake unblocks a concurrent Wait by bumping the eventfd counter.
func (p *Poller) Wake() error {
	// The eventfd counter is a native-endian uint64; add one.
	var one = [8]byte{0: 1}

	_, err := unix.Write(p.wakeFD, one[:])
	if err == unix.EAGAIN {
		// The counter is at its maximum, so it is nonzero and the loop is
		// waking anyway.
		return nil
	}

	return err
}

// DrainWake consumes the eventfd counter after a wakeup event fired.
func (p *Poller) DrainWake() {
	var buf [8]byte
	unix.Read(p.wakeFD, buf[:])
}

func (p *Poller) Close() error {
	unix.Close(p.wakeFD)
	return unix.Close(p.epollFD)
}
