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
	"sync/atomic"

	"github.com/jacobsa/zener/filecache"
	"github.com/jacobsa/zener/httpmsg"
	"github.com/jacobsa/zener/internal/buffer"
	"golang.org/x/sys/unix"
)

// Cooperative I/O bounds. Edge-triggered readiness under a worker pool can
// starve peers if a single task drains unbounded bytes; these caps are part
// of the state machine's contract, not tuning knobs.
const (
	maxReadIterations    = 8
	maxReadPerReadiness  = 64 * 1024
	maxWriteIterations   = 2
	maxWritePerReadiness = 4 * 1024 * 1024
)

// activeConnections counts live connections process-wide. Incremented once
// in newConn, decremented once in Close.
var activeConnections int64

// ActiveConnections returns the number of connections currently open.
func ActiveConnections() int64 {
	return atomic.LoadInt64(&activeConnections)
}

// ProcessResult is the disposition of one parse/respond pass.
type ProcessResult int

const (
	// ProcessNeedMoreData: the buffered bytes do not yet form a complete
	// request; keep reading.
	ProcessNeedMoreData ProcessResult = iota

	// ProcessOK: a response is staged; switch to writable interest.
	ProcessOK

	// ProcessError: the connection is beyond saving; close it.
	ProcessError
)

// Conn is the per-socket state: buffers, parser, response, and the
// two-element scatter-write vector. A Conn is owned by the server's
// registry; tasks borrow it for the duration of one read or write pass, at
// most one at a time.
type Conn struct {
	fd   int
	id   uint64
	peer string
	et   bool

	cache  *filecache.Cache
	srcDir string

	// 0 until Close wins its CAS, 1 after.
	closed int32

	readBuf  *buffer.Buffer
	writeBuf *buffer.Buffer

	req  *httpmsg.Request
	resp httpmsg.Response

	// The scatter-write vector: response header bytes from writeBuf, body
	// bytes from the mapped file. Both shrink as writev makes progress.
	headerSpan []byte
	bodySpan   []byte
	iovCount   int
}

// newConn wraps an accepted descriptor. fd and id must be valid (> 0).
func newConn(
	fd int,
	id uint64,
	peer string,
	et bool,
	cache *filecache.Cache,
	srcDir string,
	creds CredentialStore) *Conn {
	if fd <= 0 || id == 0 {
		panic("newConn: invalid descriptor or connection id")
	}

	atomic.AddInt64(&activeConnections, 1)

	return &Conn{
		fd:       fd,
		id:       id,
		peer:     peer,
		et:       et,
		cache:    cache,
		srcDir:   srcDir,
		readBuf:  buffer.New(),
		writeBuf: buffer.New(),
		req:      httpmsg.NewRequest(creds),
	}
}

// ID returns the connection's generation id.
func (c *Conn) ID() uint64 { return c.id }

// Peer returns the remote address in ip:port form.
func (c *Conn) Peer() string { return c.peer }

// Read drains the socket under the cooperative bounds: at most
// maxReadIterations syscalls or maxReadPerReadiness bytes per readiness.
// EAGAIN ends the drain cleanly; a peer close surfaces as ECONNRESET.
func (c *Conn) Read() (int, error) {
	total := 0

	for i := 0; i < maxReadIterations; i++ {
		n, err := c.readBuf.ReadFrom(c.fd)

		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}

		total += n
		if total > maxReadPerReadiness {
			break
		}
		if !c.et {
			break
		}
	}

	return total, nil
}

// Process feeds the parser and, once a complete request is buffered, builds
// the response and stages the iovec pair. A malformed request still builds
// a response (400, no keep-alive); the caller writes it and then closes.
func (c *Conn) Process() ProcessResult {
	if c.readBuf.Readable() == 0 {
		return ProcessNeedMoreData
	}

	if err := c.req.Parse(c.readBuf); err != nil {
		c.resp.Init(c.cache, c.srcDir, c.req.Path(), false, 400)
	} else if !c.req.Complete() {
		return ProcessNeedMoreData
	} else {
		c.resp.Init(
			c.cache,
			c.srcDir,
			c.req.Path(),
			c.req.KeepAlive(),
			httpmsg.StatusUnset)
	}

	c.writeBuf.ConsumeAll()
	c.resp.Make(c.writeBuf)

	if c.writeBuf.Readable() == 0 {
		return ProcessError
	}

	c.headerSpan = c.writeBuf.Peek()
	c.bodySpan = nil
	c.iovCount = 1

	if c.resp.FileLen() > 0 {
		c.bodySpan = c.resp.File()
		c.iovCount = 2
	}

	return ProcessOK
}

// Write drains the iovec pair with writev: at most maxWriteIterations
// syscalls or maxWritePerReadiness bytes per readiness. EAGAIN is returned
// with the span offsets preserved so the caller can rearm writable
// interest.
func (c *Conn) Write() (int, error) {
	total := 0

	if c.ToWrite() == 0 {
		return 0, nil
	}

	for attempt := 0; attempt < maxWriteIterations; attempt++ {
		iov := make([][]byte, 0, 2)
		if len(c.headerSpan) > 0 {
			iov = append(iov, c.headerSpan)
		}
		if len(c.bodySpan) > 0 {
			iov = append(iov, c.bodySpan)
		}

		n, err := unix.Writev(c.fd, iov)

		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return total, unix.EAGAIN
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}

		total += n
		c.advanceSpans(n)

		if c.ToWrite() == 0 {
			break
		}
		if total > maxWritePerReadiness || !c.et {
			break
		}
	}

	return total, nil
}

// advanceSpans accounts for n bytes written across the header and body
// spans, header first.
func (c *Conn) advanceSpans(n int) {
	if n > len(c.headerSpan) {
		fileWritten := n - len(c.headerSpan)
		c.bodySpan = c.bodySpan[fileWritten:]

		if len(c.headerSpan) > 0 {
			c.writeBuf.ConsumeAll()
			c.headerSpan = nil
		}
		return
	}

	c.writeBuf.Consume(n)
	c.headerSpan = c.headerSpan[n:]
}

// ToWrite returns the bytes still staged for the socket.
func (c *Conn) ToWrite() int {
	return len(c.headerSpan) + len(c.bodySpan)
}

// KeepAlive reports whether the connection should be rearmed for another
// request once the current response has been fully written.
func (c *Conn) KeepAlive() bool {
	return c.resp.KeepAlive()
}

// FinishResponse releases the response's file mapping and resets the parser
// for the next request on the same connection. Pipelined bytes already in
// the read buffer survive.
func (c *Conn) FinishResponse() {
	c.resp.ReleaseFile()
	c.req.Reset()
	c.writeBuf.ConsumeAll()
	c.headerSpan = nil
	c.bodySpan = nil
	c.iovCount = 0
}

// Buffered returns the unparsed byte count already read from the socket.
func (c *Conn) Buffered() int {
	return c.readBuf.Readable()
}

// Close shuts the connection down exactly once: the file mapping is
// released, the active-connection counter decremented, and the descriptor
// closed. Later calls are no-ops.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	c.resp.ReleaseFile()
	atomic.AddInt64(&activeConnections, -1)

	return unix.Close(c.fd)
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}
