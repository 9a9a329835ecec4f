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

package httpmsg

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jacobsa/zener/filecache"
	"github.com/jacobsa/zener/internal/buffer"
	"golang.org/x/sys/unix"
)

// StatusUnset is the sentinel for "no status decided yet"; Make resolves it
// to 200 for a servable file.
const StatusUnset = 0

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
}

// Canonical error pages, served in place of the requested path when the
// status calls for one.
var statusPage = map[int]string{
	400: "/400.html",
	403: "/403.html",
	404: "/404.html",
}

// Response assembles one HTTP response: the header bytes go into the
// connection's write buffer, the body is a shared mapping acquired from the
// file cache. It holds at most one cache reference at a time, released by
// ReleaseFile or by the next Init.
type Response struct {
	cache *filecache.Cache

	code      int
	srcDir    string
	path      string
	keepAlive bool

	file     *filecache.CachedFile
	filePath string // cache key currently referenced
	stat     unix.Stat_t

	forceClose bool
}

// Init prepares the response for a new request, releasing any mapping still
// held from the previous one. code may be StatusUnset.
func (w *Response) Init(
	cache *filecache.Cache,
	srcDir string,
	path string,
	keepAlive bool,
	code int) {
	w.ReleaseFile()

	w.cache = cache
	w.code = code
	w.srcDir = srcDir
	w.path = path
	w.keepAlive = keepAlive
	w.stat = unix.Stat_t{}
	w.forceClose = false
}

// Make stats the target, resolves the final status and page, and appends
// the status line and headers to b. On success the response holds a cache
// reference for the body; on mapping failure an inline error body is
// appended instead and the connection is marked for closing.
func (w *Response) Make(b *buffer.Buffer) {
	// An explicit status (e.g. 400 from a parse failure) survives; the stat
	// checks only decide the fate of a request that was otherwise fine.
	if w.code == StatusUnset {
		if err := unix.Stat(w.target(), &w.stat); err != nil ||
			w.stat.Mode&unix.S_IFMT == unix.S_IFDIR {
			w.code = 404
		} else if w.stat.Mode&unix.S_IROTH == 0 {
			w.code = 403
		} else {
			w.code = 200
		}
	}

	w.errorPage()
	w.addStatusLine(b)
	w.addHeaders(b)
	w.addContent(b)
}

// File returns the mapped body bytes, or nil.
func (w *Response) File() []byte {
	if w.file == nil {
		return nil
	}

	return w.file.Data()
}

// FileLen returns the body length.
func (w *Response) FileLen() int64 {
	if w.file == nil {
		return 0
	}

	return w.file.Size()
}

// KeepAlive reports whether the connection may be reused after this
// response: the request asked for it and nothing went wrong while building
// the body.
func (w *Response) KeepAlive() bool {
	return w.keepAlive && !w.forceClose
}

// ReleaseFile returns the cache reference, if one is held. Idempotent.
func (w *Response) ReleaseFile() {
	if w.file == nil {
		return
	}

	w.cache.Release(w.filePath)
	w.file = nil
	w.filePath = ""
}

func (w *Response) target() string {
	return filepath.Join(w.srcDir, w.path)
}

// errorPage rewrites the path to the canonical page for error statuses and
// refreshes the stat snapshot for it.
func (w *Response) errorPage() {
	page, ok := statusPage[w.code]
	if !ok {
		return
	}

	w.path = page
	unix.Stat(w.target(), &w.stat)
}

func (w *Response) addStatusLine(b *buffer.Buffer) {
	text, ok := statusText[w.code]
	if !ok {
		w.code = 400
		text = statusText[400]
	}

	b.AppendString("HTTP/1.1 " + strconv.Itoa(w.code) + " " + text + "\r\n")
}

func (w *Response) addHeaders(b *buffer.Buffer) {
	b.AppendString("Connection: ")
	if w.keepAlive {
		b.AppendString("keep-alive\r\n")
		b.AppendString("keep-alive: max=6, timeout=120\r\n")
	} else {
		b.AppendString("close\r\n")
	}

	b.AppendString("Content-type: " + w.contentType() + "\r\n")
}

// addContent acquires the shared mapping for the resolved page and emits
// the Content-length header. If the page cannot be mapped the body becomes
// an inline diagnostic and the connection closes after the write.
func (w *Response) addContent(b *buffer.Buffer) {
	file, err := w.cache.Acquire(w.target(), &w.stat)
	if err != nil {
		w.forceClose = true
		w.errorContent(b, "File NotFound!")
		return
	}

	w.file = file
	w.filePath = w.target()

	b.AppendString(
		"Content-length: " + strconv.FormatInt(file.Size(), 10) + "\r\n\r\n")
}

// errorContent writes a small inline HTML body directly into the header
// buffer.
func (w *Response) errorContent(b *buffer.Buffer, message string) {
	text, ok := statusText[w.code]
	if !ok {
		text = "Bad Request"
	}

	body := "<html><title>Error</title>" +
		"<body bgcolor=\"ffffff\">" +
		strconv.Itoa(w.code) + " : " + text + "\n" +
		"<p>" + message + "</p>" +
		"<hr><em>ZenerWebServer</em></body></html>"

	b.AppendString(
		"Content-length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	b.AppendString(body)
}

func (w *Response) contentType() string {
	idx := strings.LastIndexByte(w.path, '.')
	if idx < 0 {
		return "text/plain"
	}

	if typ, ok := suffixType[w.path[idx:]]; ok {
		return typ
	}

	return "text/plain"
}
