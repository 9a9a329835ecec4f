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

// Package buffer provides the application-level byte arena that connections
// use to stage bytes between the socket and the HTTP machinery.
//
// A Buffer maintains two offsets into its storage:
//
//	+-------------------+------------------+------------------+
//	|   readed bytes    |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0       <=       readPos      <=     writePos    <=     size
//
// The readable region is [readPos, writePos); the region before readPos is
// dead space that can be reclaimed by shifting the readable bytes to the
// front. Buffers are not safe for concurrent use; ownership transfers with
// the enclosing connection.
package buffer

import (
	"golang.org/x/sys/unix"
)

// InitialSize is the storage size a fresh Buffer starts with.
const InitialSize = 1024

// spillSize is the size of the stack-resident overflow area used by
// ReadFrom. Keeping it out of the Buffer proper means an idle connection
// costs ~1 KiB, not 64 KiB, while a single readv can still pull a large
// burst off the socket.
const spillSize = 65535

type Buffer struct {
	storage  []byte
	readPos  int
	writePos int
}

func New() *Buffer {
	return NewSize(InitialSize)
}

func NewSize(size int) *Buffer {
	if size <= 0 {
		size = InitialSize
	}

	return &Buffer{
		storage: make([]byte, size),
	}
}

// Readable returns the number of unconsumed bytes.
func (b *Buffer) Readable() int {
	return b.writePos - b.readPos
}

// Writable returns the number of bytes that fit after writePos without
// growing or shifting.
func (b *Buffer) Writable() int {
	return len(b.storage) - b.writePos
}

// Prependable returns the number of already-consumed bytes at the front,
// i.e. the space reclaimed by a shift.
func (b *Buffer) Prependable() int {
	return b.readPos
}

// Peek returns the readable span. The slice aliases the buffer's storage and
// is invalidated by any mutating call.
func (b *Buffer) Peek() []byte {
	return b.storage[b.readPos:b.writePos]
}

// Consume advances the read position by n. It panics if n exceeds the
// readable count.
func (b *Buffer) Consume(n int) {
	if n > b.Readable() {
		panic("buffer: consume past write position")
	}

	b.readPos += n
}

// ConsumeAll discards the readable region and rewinds both offsets.
func (b *Buffer) ConsumeAll() {
	b.readPos = 0
	b.writePos = 0
}

// Reset is ConsumeAll plus zeroing of the storage, matching the behavior of
// retiring a connection's buffers for reuse.
func (b *Buffer) Reset() {
	for i := range b.storage {
		b.storage[i] = 0
	}

	b.readPos = 0
	b.writePos = 0
}

// String returns a copy of the readable region. Peek is the non-copying
// variant.
func (b *Buffer) String() string {
	return string(b.Peek())
}

// Append copies p into the writable tail, shifting or growing first if
// needed.
func (b *Buffer) Append(p []byte) {
	b.ensureWritable(len(p))
	copy(b.storage[b.writePos:], p)
	b.writePos += len(p)
}

// AppendString is Append for string input, without an intermediate copy by
// the caller.
func (b *Buffer) AppendString(s string) {
	b.ensureWritable(len(s))
	copy(b.storage[b.writePos:], s)
	b.writePos += len(s)
}

// ReadFrom pulls bytes from the (nonblocking) descriptor fd with a scatter
// read: one segment is the buffer's writable tail, the other a stack
// spillover that is appended afterward. This reads as much as a single readv
// allows without pre-growing the buffer for bursts that never come.
//
// A read of zero bytes means the peer closed the connection and is reported
// as unix.ECONNRESET so the caller has a single peer-gone disposition.
func (b *Buffer) ReadFrom(fd int) (int, error) {
	var spill [spillSize]byte

	tail := b.storage[b.writePos:]

	var n int
	var err error
	if len(tail) < spillSize {
		n, err = unix.Readv(fd, [][]byte{tail, spill[:]})
	} else {
		n, err = unix.Readv(fd, [][]byte{tail})
	}

	if err != nil {
		return 0, err
	}

	if n == 0 {
		return 0, unix.ECONNRESET
	}

	if n <= len(tail) {
		b.writePos += n
	} else {
		b.writePos = len(b.storage)
		b.Append(spill[:n-len(tail)])
	}

	return n, nil
}

// WriteTo writes the readable span to fd once, consuming whatever the kernel
// accepted. Callers loop if they want to drain.
func (b *Buffer) WriteTo(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return 0, err
	}

	b.readPos += n
	return n, nil
}

// ensureWritable makes room for need more bytes. If the dead space at the
// front plus the tail suffices, the readable region is shifted to offset
// zero; otherwise the storage grows to writePos+need+1.
func (b *Buffer) ensureWritable(need int) {
	if b.Writable() >= need {
		return
	}

	if b.Writable()+b.Prependable() < need {
		grown := make([]byte, b.writePos+need+1)
		copy(grown, b.storage[:b.writePos])
		b.storage = grown
		return
	}

	readable := b.Readable()
	copy(b.storage, b.storage[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = readable
}
