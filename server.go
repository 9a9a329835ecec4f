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

package zener

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/zener/filecache"
	"github.com/jacobsa/zener/internal/poller"
	"github.com/jacobsa/zener/internal/taskpool"
	"github.com/jacobsa/zener/timerservice"
	"golang.org/x/sys/unix"
)

// How many readiness notifications one epoll_wait may deliver.
const maxEventsPerWait = 1024

// The diagnostic written to a rejected socket when the registry is full.
const busyDiagnostic = "Server busy!"

// How often the maintenance timer sweeps the file cache, and how long an
// unreferenced mapping may idle before the sweep unmaps it.
const (
	cacheSweepPeriod  = 60 * time.Second
	cacheMaxIdle      = 60 * time.Second
	cacheSweepTimerID = -1 // registry keys are descriptors, all >= 0
)

// Options carries the collaborators the config file cannot express. All
// fields are optional.
type Options struct {
	// Credentials backs the register/login form endpoints. nil fails every
	// form submission.
	Credentials CredentialStore

	// Clock supplies time to the timer service and the file cache.
	// Defaults to the real clock; a SimulatedClock may be injected.
	Clock timeutil.Clock

	// Destinations for debug chatter and errors. DebugLogger defaults to
	// the flag-gated package logger when Config.LogEnable is set;
	// ErrorLogger defaults to nil (drop).
	DebugLogger *log.Logger
	ErrorLogger *log.Logger
}

// connInfo is one registry slot. The id disambiguates descriptor
// generations: the kernel reuses descriptor numbers, connection ids are
// never reused.
type connInfo struct {
	conn *Conn
	id   uint64
}

// Server owns the listening descriptor, the epoll instance, the worker
// pool, the timer service, the file cache, and the connection registry. The
// event loop runs on a single goroutine; workers borrow connections one
// task at a time.
type Server struct {
	cfg Config

	debugLogger *log.Logger
	errorLogger *log.Logger

	listenFD int
	port     int

	poller *poller.Poller
	pool   *taskpool.Pool
	timers *timerservice.Service
	cache  *filecache.Cache
	creds  CredentialStore

	connEvents uint32

	mu     syncutil.InvariantMutex
	conns  map[int]connInfo // GUARDED_BY(mu)
	nextID uint64           // GUARDED_BY(mu)

	// Set once by Shutdown; the loop observes it after a wakeup.
	closing int32

	loopDone chan struct{}
	teardown sync.Once

	// Set once teardown has completed.
	down int32
}

// Start binds the listening socket, spins up the pool and the event loop,
// and returns a handle supporting graceful shutdown.
func Start(cfg Config, opts *Options) (*Server, error) {
	if opts == nil {
		opts = &Options{}
	}

	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultConfig().MaxConns
	}

	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	debugLogger := opts.DebugLogger
	if debugLogger == nil && cfg.LogEnable {
		debugLogger = getLogger()
	}

	s := &Server{
		cfg:         cfg,
		debugLogger: debugLogger,
		errorLogger: opts.ErrorLogger,
		creds:       opts.Credentials,
		cache:       filecache.New(clock),
		conns:       make(map[int]connInfo),
		loopDone:    make(chan struct{}),
	}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	s.timers = timerservice.New(clock, opts.ErrorLogger)
	s.pool = taskpool.New(cfg.Threads, 0, func(r interface{}) {
		s.errorf("worker task panicked: %v", r)
	})

	s.connEvents = unix.EPOLLRDHUP | unix.EPOLLONESHOT
	if cfg.ConnET() {
		s.connEvents |= unix.EPOLLET
	}

	var err error
	s.poller, err = poller.New(maxEventsPerWait)
	if err != nil {
		s.pool.Close()
		return nil, err
	}

	if err := s.initSocket(); err != nil {
		s.poller.Close()
		s.pool.Close()
		return nil, err
	}

	listenEvents := uint32(unix.EPOLLIN)
	if cfg.ListenET() {
		listenEvents |= unix.EPOLLET
	}

	if err := s.poller.Add(s.listenFD, listenEvents); err != nil {
		unix.Close(s.listenFD)
		s.poller.Close()
		s.pool.Close()
		return nil, fmt.Errorf("registering listen fd: %w", err)
	}

	// The cache sweep rides the timer service like any other repeating
	// timer, keyed outside the descriptor space.
	s.timers.Schedule(cacheSweepTimerID, cacheSweepPeriod, -1, func() {
		s.cache.Sweep(cacheMaxIdle)
	})

	go s.loop()

	return s, nil
}

func (s *Server) checkInvariants() {
	for fd, info := range s.conns {
		if info.id == 0 {
			panic(fmt.Sprintf("registry: zero connection id for fd %d", fd))
		}
		if info.conn == nil {
			panic(fmt.Sprintf("registry: nil connection for fd %d", fd))
		}
	}
}

// Port returns the bound TCP port, useful when Config.Port was 0.
func (s *Server) Port() int {
	return s.port
}

// Cache exposes the static-file cache, mainly so tests can observe mapping
// counts and drive sweeps deterministically.
func (s *Server) Cache() *filecache.Cache {
	return s.cache
}

// Shutdown stops the server gracefully: the loop finishes its current
// iteration, accepting stops, timers are cancelled, live connections are
// closed, the pool drains, and the file cache is unmapped. The context
// bounds the wait.
func (s *Server) Shutdown(ctx context.Context) error {
	if atomic.LoadInt32(&s.down) == 1 {
		return ErrServerClosed
	}

	atomic.StoreInt32(&s.closing, 1)
	if err := s.poller.Wake(); err != nil {
		s.errorf("waking event loop: %v", err)
	}

	select {
	case <-s.loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		s.teardown.Do(func() {
			s.pool.Close()
			s.cache.Clear()
			s.poller.Close()
			unix.Close(s.listenFD)
			atomic.StoreInt32(&s.down, 1)
		})
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) initSocket() error {
	fd, err := unix.Socket(
		unix.AF_INET,
		unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		0)
	if err != nil {
		return fmt.Errorf("Socket: %w", err)
	}

	if err := unix.SetsockoptInt(
		fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}

	if s.cfg.Linger {
		l := unix.Linger{Onoff: 1, Linger: 1}
		if err := unix.SetsockoptLinger(
			fd, unix.SOL_SOCKET, unix.SO_LINGER, &l); err != nil {
			unix.Close(fd)
			return fmt.Errorf("SO_LINGER: %w", err)
		}
	}

	sa := &unix.SockaddrInet4{Port: s.cfg.Port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("Bind(port %d): %w", s.cfg.Port, err)
	}

	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return fmt.Errorf("Listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("Getsockname: %w", err)
	}
	s.port = bound.(*unix.SockaddrInet4).Port

	s.listenFD = fd
	return nil
}

// loop is the reactor: wait for readiness with the timer service's next
// deadline, dispatch, tick. It exclusively owns accepting and event
// demultiplexing; per-connection I/O runs on the pool.
func (s *Server) loop() {
	defer close(s.loopDone)

	for atomic.LoadInt32(&s.closing) == 0 {
		events, err := s.poller.Wait(s.timers.NextTick())
		if err != nil {
			s.errorf("event loop: %v", err)
			continue
		}

		for _, ev := range events {
			switch ev.FD {
			case s.listenFD:
				s.acceptLoop()
			case s.poller.WakeFD():
				s.poller.DrainWake()
			default:
				s.dispatch(ev)
			}
		}

		s.timers.Update()
	}

	s.stopServing()
}

// stopServing runs on the loop goroutine once the closing flag is seen:
// stop accepting, drop all timers, and push close tasks for every live
// connection.
func (s *Server) stopServing() {
	s.poller.Del(s.listenFD)
	s.timers.Clear()

	s.mu.RLock()
	pending := make([]connInfo, 0, len(s.conns))
	for _, info := range s.conns {
		pending = append(pending, info)
	}
	s.mu.RUnlock()

	for _, info := range pending {
		s.closeAsync(info.conn.fd, info.id)
	}
}

// acceptLoop drains the listening socket. Each accepted socket is made
// nonblocking with Nagle disabled, wrapped in a Conn with a fresh id,
// registered for readable interest, and armed with an idle timer whose
// callback closes it by (fd, id).
func (s *Server) acceptLoop() {
	for {
		nfd, sa, err := unix.Accept4(
			s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)

		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			s.errorf("Accept4: %v", err)
			return
		}

		s.addClient(nfd, peerString(sa))

		if !s.cfg.ListenET() {
			return
		}
	}
}

func (s *Server) addClient(fd int, peer string) {
	s.mu.Lock()

	if len(s.conns) >= s.cfg.MaxConns {
		s.mu.Unlock()
		s.rejectBusy(fd)
		return
	}

	s.nextID++
	id := s.nextID

	conn := newConn(
		fd, id, peer, s.cfg.ConnET(), s.cache, s.cfg.StaticDir, s.creds)
	s.conns[fd] = connInfo{conn: conn, id: id}
	s.mu.Unlock()

	if err := unix.SetsockoptInt(
		fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		s.errorf("TCP_NODELAY on fd %d: %v", fd, err)
	}

	s.extendTime(fd, id)

	if err := s.poller.Add(fd, s.connEvents|unix.EPOLLIN); err != nil {
		s.errorf("registering fd %d: %v", fd, err)
		s.closeConn(fd, id)
		return
	}

	s.debugLog(id, 2, "<- accept %s (fd %d), %d live", peer, fd,
		ActiveConnections())
}

// rejectBusy writes the admission diagnostic and closes the socket without
// ever creating a Conn.
func (s *Server) rejectBusy(fd int) {
	s.errorf("%v: rejecting fd %d", ErrTooManyConnections, fd)
	unix.Write(fd, []byte(busyDiagnostic))
	unix.Close(fd)
}

// dispatch routes one readiness event for a connection descriptor: errors
// and hangups schedule an asynchronous close, readable and writable
// readiness refresh the idle timer and borrow the connection via a pool
// task.
func (s *Server) dispatch(ev poller.Event) {
	s.mu.RLock()
	info, ok := s.conns[ev.FD]
	s.mu.RUnlock()

	if !ok {
		return
	}
	id := info.id

	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		s.closeAsync(ev.FD, id)
		return
	}

	switch {
	case ev.Events&unix.EPOLLIN != 0:
		s.extendTime(ev.FD, id)
		s.submitConnTask(ev.FD, id, s.onRead)
	case ev.Events&unix.EPOLLOUT != 0:
		s.extendTime(ev.FD, id)
		s.submitConnTask(ev.FD, id, s.onWrite)
	}
}

// extendTime pushes the connection's idle eviction out by the configured
// timeout. Scheduling under the same key replaces the previous timer.
func (s *Server) extendTime(fd int, id uint64) {
	if s.cfg.TimeoutMS <= 0 {
		return
	}

	delay := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	s.timers.Schedule(fd, delay, 0, func() {
		s.closeAsync(fd, id)
	})
}

// submitConnTask hands a borrowed-connection task to the pool, with a
// containment wrapper: a panicking task is logged and the connection
// forcibly closed rather than left wedged.
func (s *Server) submitConnTask(fd int, id uint64, f func(int, uint64)) {
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				s.errorf("task for fd %d: panic: %v", fd, r)
				s.closeConn(fd, id)
			}
		}()

		f(fd, id)
	}

	if err := s.pool.Submit(task); err != nil {
		s.errorf("submitting task for fd %d: %v", fd, err)
		s.closeConn(fd, id)
	}
}

// closeAsync schedules a close task. Used from the loop and from timer
// callbacks, where blocking on connection teardown is unacceptable.
func (s *Server) closeAsync(fd int, id uint64) {
	err := s.pool.Submit(func() {
		s.closeConn(fd, id)
	})

	if err != nil {
		// Pool unavailable (shutdown); close inline.
		s.closeConn(fd, id)
	}
}

// lookup borrows the connection for (fd, id). A missing entry or an id
// mismatch means the descriptor was reused by a newer generation; such
// references are silently dropped.
func (s *Server) lookup(fd int, id uint64) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.conns[fd]
	if !ok || info.id != id {
		return nil
	}

	return info.conn
}

// closeConn removes (fd, id) from the registry and closes the connection.
// Exactly one caller wins; the rest find the registry entry gone or owned
// by a newer generation.
func (s *Server) closeConn(fd int, id uint64) {
	s.mu.Lock()
	info, ok := s.conns[fd]
	if !ok || info.id != id {
		s.mu.Unlock()
		return
	}
	delete(s.conns, fd)
	s.mu.Unlock()

	s.timers.Cancel(fd)
	s.poller.Del(fd)
	info.conn.Close()

	s.debugLog(id, 2, "-> close %s (fd %d), %d live", info.conn.Peer(), fd,
		ActiveConnections())
}

// onRead is the readable-readiness task: drain, then parse/respond.
func (s *Server) onRead(fd int, id uint64) {
	conn := s.lookup(fd, id)
	if conn == nil {
		return
	}

	n, err := conn.Read()
	if err != nil && n == 0 {
		// Peer reset (or a hard error) with nothing new to process.
		s.closeConn(fd, id)
		return
	}

	s.onProcess(fd, id, conn)
}

// onProcess advances the state machine after a read and arms the next
// interest.
func (s *Server) onProcess(fd int, id uint64, conn *Conn) {
	switch conn.Process() {
	case ProcessNeedMoreData:
		s.rearm(fd, id, unix.EPOLLIN)
	case ProcessOK:
		s.rearm(fd, id, unix.EPOLLOUT)
	case ProcessError:
		s.closeConn(fd, id)
	}
}

// onWrite is the writable-readiness task: drain the iovec pair, then close
// or rearm per keep-alive.
func (s *Server) onWrite(fd int, id uint64) {
	conn := s.lookup(fd, id)
	if conn == nil {
		return
	}

	_, err := conn.Write()

	if err == unix.EAGAIN {
		s.rearm(fd, id, unix.EPOLLOUT)
		return
	}
	if err != nil {
		s.errorf("write on fd %d: %v", fd, err)
		s.closeConn(fd, id)
		return
	}

	if conn.ToWrite() > 0 {
		s.rearm(fd, id, unix.EPOLLOUT)
		return
	}

	keep := conn.KeepAlive()
	conn.FinishResponse()

	if !keep {
		s.closeConn(fd, id)
		return
	}

	// Pipelined bytes never produce another edge; process them now.
	if conn.Buffered() > 0 {
		s.onProcess(fd, id, conn)
		return
	}

	s.rearm(fd, id, unix.EPOLLIN)
}

// rearm re-enables one-shot interest for the next readiness edge.
func (s *Server) rearm(fd int, id uint64, interest uint32) {
	if err := s.poller.Mod(fd, s.connEvents|interest); err != nil {
		s.errorf("rearming fd %d: %v", fd, err)
		s.closeConn(fd, id)
	}
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d",
			a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	}

	return "unknown"
}
