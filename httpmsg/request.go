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
	"bytes"
	"errors"
	"regexp"
	"strconv"

	"github.com/jacobsa/zener/internal/buffer"
)

// ErrBadRequest is reported when the request line does not parse. The caller
// is expected to respond 400 and close after the write.
var ErrBadRequest = errors.New("httpmsg: malformed request line")

// ParseState tracks where in the request the parser is.
type ParseState int

const (
	ParseRequestLine ParseState = iota
	ParseHeaders
	ParseBody
	ParseFinish
)

// CredentialStore is the opaque synchronous backend consulted by the two
// form endpoints. isLogin distinguishes the login flow from registration.
// Implementations are called from worker goroutines and must be safe for
// concurrent use.
type CredentialStore interface {
	Verify(name string, password string, isLogin bool) (bool, error)
}

var (
	requestLineRE = regexp.MustCompile(`^([^ ]*) ([^ ]*) HTTP/([^ ]*)$`)
	headerLineRE  = regexp.MustCompile(`^([^:]*): ?(.*)$`)
)

// Path stems that resolve to .html pages when requested bare.
var defaultPages = map[string]bool{
	"/index":    true,
	"/register": true,
	"/login":    true,
	"/welcome":  true,
	"/video":    true,
	"/picture":  true,
}

// The two form endpoints: 0 is registration, 1 is login.
var formTags = map[string]int{
	"/register.html": 0,
	"/login.html":    1,
}

var crlf = []byte("\r\n")

// Request is an incremental HTTP/1.1 request parser over a connection's
// read buffer. Feed it with Parse whenever bytes arrive; Complete reports
// when a full request has been consumed. Reset it before reusing the
// connection for the next request.
type Request struct {
	creds CredentialStore

	state ParseState

	method  string
	rawPath string // as received, before rewriting
	path    string // after rewriting
	version string
	body    string

	headerNames []string // insertion order, for faithful re-serialization
	headers     map[string]string
	form        *Form
}

// NewRequest returns a parser in its initial state. creds may be nil, in
// which case every form submission fails verification.
func NewRequest(creds CredentialStore) *Request {
	r := &Request{creds: creds}
	r.Reset()
	return r
}

// Reset returns the parser to its initial state with empty header and form
// maps, keeping the credential store.
func (r *Request) Reset() {
	r.state = ParseRequestLine
	r.method = ""
	r.rawPath = ""
	r.path = ""
	r.version = ""
	r.body = ""
	r.headerNames = nil
	r.headers = make(map[string]string)
	r.form = NewForm()
}

// Parse consumes as much of the buffered request as has arrived, advancing
// the parse state. Only complete CRLF-terminated lines are consumed; a
// partial line stays in the buffer for the next call. ErrBadRequest means
// the request line failed to match and the state is Finish.
func (r *Request) Parse(b *buffer.Buffer) error {
	for b.Readable() > 0 && r.state != ParseFinish {
		span := b.Peek()
		lineEnd := bytes.Index(span, crlf)

		switch r.state {
		case ParseRequestLine:
			if lineEnd < 0 {
				return nil
			}
			if !r.parseRequestLine(string(span[:lineEnd])) {
				r.state = ParseFinish
				b.Consume(lineEnd + 2)
				return ErrBadRequest
			}
			r.rewritePath()
			b.Consume(lineEnd + 2)

		case ParseHeaders:
			if lineEnd < 0 {
				return nil
			}
			r.parseHeaderLine(string(span[:lineEnd]))
			b.Consume(lineEnd + 2)

			// Only a POST carries a body here; anything else is complete as
			// soon as its terminating blank line is gone. Pipelined bytes
			// after a GET belong to the next request, not to a body.
			if r.state == ParseBody && r.method != "POST" {
				r.finishBody("")
			}

		case ParseBody:
			if !r.consumeBody(b) {
				return nil
			}
		}
	}

	return nil
}

// Complete reports whether a full request has been parsed.
func (r *Request) Complete() bool {
	return r.state == ParseFinish
}

func (r *Request) Method() string { return r.method }

// Path returns the resolved path, after index/suffix rewriting and any
// form-endpoint outcome rewriting.
func (r *Request) Path() string { return r.path }

// RawPath returns the request-line path as received.
func (r *Request) RawPath() string { return r.rawPath }

func (r *Request) Version() string { return r.version }

func (r *Request) Body() string { return r.body }

// Header returns the value for name, or "".
func (r *Request) Header(name string) string { return r.headers[name] }

// FormValue returns the decoded form value for key, or "".
func (r *Request) FormValue(key string) string { return r.form.Get(key) }

// KeepAlive reports whether the connection should be reused: HTTP/1.1 with
// an explicit Connection: keep-alive header.
func (r *Request) KeepAlive() bool {
	return r.version == "1.1" && r.headers["Connection"] == "keep-alive"
}

// Serialize appends the parsed request back onto b. Headers are emitted in
// insertion order and the raw (unrewritten) path is used, so a well-formed
// request round-trips byte for byte.
func (r *Request) Serialize(b *buffer.Buffer) {
	b.AppendString(r.method)
	b.AppendString(" ")
	b.AppendString(r.rawPath)
	b.AppendString(" HTTP/")
	b.AppendString(r.version)
	b.AppendString("\r\n")

	for _, name := range r.headerNames {
		b.AppendString(name)
		b.AppendString(": ")
		b.AppendString(r.headers[name])
		b.AppendString("\r\n")
	}

	b.AppendString("\r\n")
	b.AppendString(r.body)
}

func (r *Request) parseRequestLine(line string) bool {
	m := requestLineRE.FindStringSubmatch(line)
	if m == nil {
		return false
	}

	// The wire protocol is a GET/POST subset; an unknown method is a
	// malformed request, not a routable one.
	if m[1] != "GET" && m[1] != "POST" {
		return false
	}

	r.method = m[1]
	r.rawPath = m[2]
	r.path = m[2]
	r.version = m[3]
	r.state = ParseHeaders

	return true
}

// rewritePath maps / to the index page and bare page stems to their .html
// files.
func (r *Request) rewritePath() {
	if r.path == "/" {
		r.path = "/index.html"
		return
	}

	if defaultPages[r.path] {
		r.path += ".html"
	}
}

// parseHeaderLine records a "Name: value" header; anything else (notably
// the blank line) ends the header section.
func (r *Request) parseHeaderLine(line string) {
	m := headerLineRE.FindStringSubmatch(line)
	if m == nil {
		r.state = ParseBody
		return
	}

	if _, dup := r.headers[m[1]]; !dup {
		r.headerNames = append(r.headerNames, m[1])
	}
	r.headers[m[1]] = m[2]
}

func (r *Request) contentLength() int {
	v := r.headers["Content-Length"]
	if v == "" {
		return 0
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}

	return n
}

// consumeBody takes the request body off the buffer. With a Content-Length
// the body is exactly that many bytes and the parser waits until they have
// all arrived; without one, the remaining readable bytes are the body, up
// to a terminating CRLF if present. Returns false while incomplete.
func (r *Request) consumeBody(b *buffer.Buffer) bool {
	if n := r.contentLength(); n > 0 {
		if b.Readable() < n {
			return false
		}

		body := string(b.Peek()[:n])
		b.Consume(n)
		r.finishBody(body)
		return true
	}

	span := b.Peek()
	if lineEnd := bytes.Index(span, crlf); lineEnd >= 0 {
		r.finishBody(string(span[:lineEnd]))
		b.Consume(lineEnd + 2)
		return true
	}

	r.finishBody(string(span))
	b.Consume(len(span))
	return true
}

// finishBody records the body, decodes urlencoded forms, resolves the form
// endpoints, and finishes the request.
func (r *Request) finishBody(body string) {
	r.body = body
	r.state = ParseFinish

	if r.method != "POST" ||
		r.headers["Content-Type"] != "application/x-www-form-urlencoded" {
		return
	}

	r.form = DecodeForm(r.body)

	tag, ok := formTags[r.path]
	if !ok {
		return
	}

	isLogin := tag == 1
	if r.verify(r.form.Get("username"), r.form.Get("password"), isLogin) {
		r.path = "/welcome.html"
	} else {
		r.path = "/error.html"
	}
}

func (r *Request) verify(name, password string, isLogin bool) bool {
	if r.creds == nil || name == "" || password == "" {
		return false
	}

	ok, err := r.creds.Verify(name, password, isLogin)
	return err == nil && ok
}
