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
	"strings"
)

// Form holds decoded application/x-www-form-urlencoded pairs, preserving
// the order keys first appeared in so that re-encoding preserves pair
// order.
type Form struct {
	keys   []string
	values map[string]string
}

func NewForm() *Form {
	return &Form{values: make(map[string]string)}
}

// Get returns the value for key, or "".
func (f *Form) Get(key string) string {
	return f.values[key]
}

// Set records a pair, remembering first-appearance order.
func (f *Form) Set(key, value string) {
	if _, ok := f.values[key]; !ok {
		f.keys = append(f.keys, key)
	}
	f.values[key] = value
}

// Len returns the number of distinct keys.
func (f *Form) Len() int {
	return len(f.keys)
}

// Keys returns the keys in first-appearance order.
func (f *Form) Keys() []string {
	return f.keys
}

// DecodeForm parses a urlencoded body: pairs delimited by '&', key and
// value by '=', '+' decoding to space and %HH to the byte it names. A
// trailing pair without a '&' terminator is included.
func DecodeForm(body string) *Form {
	f := NewForm()
	if body == "" {
		return f
	}

	for _, pair := range strings.Split(body, "&") {
		if pair == "" {
			continue
		}

		key := pair
		value := ""
		if eq := strings.IndexByte(pair, '='); eq >= 0 {
			key = pair[:eq]
			value = pair[eq+1:]
		}

		f.Set(decodeComponent(key), decodeComponent(value))
	}

	return f
}

// EncodeForm is the inverse of DecodeForm: pairs in first-appearance order,
// reserved bytes percent-encoded. The exact escaping of reserved bytes may
// differ from the input; the decoded pairs do not.
func EncodeForm(f *Form) string {
	var sb strings.Builder

	for i, key := range f.keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(encodeComponent(key))
		sb.WriteByte('=')
		sb.WriteString(encodeComponent(f.values[key]))
	}

	return sb.String()
}

func decodeComponent(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			sb.WriteByte(' ')
		case '%':
			if i+2 < len(s) {
				hi, okHi := hexDigit(s[i+1])
				lo, okLo := hexDigit(s[i+2])
				if okHi && okLo {
					sb.WriteByte(hi<<4 | lo)
					i += 2
					continue
				}
			}
			// A '%' that doesn't start a valid escape passes through.
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

func encodeComponent(s string) string {
	const hex = "0123456789ABCDEF"

	var sb strings.Builder
	sb.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ':
			sb.WriteByte('+')
		case c == '-' || c == '_' || c == '.' || c == '~',
			'a' <= c && c <= 'z',
			'A' <= c && c <= 'Z',
			'0' <= c && c <= '9':
			sb.WriteByte(c)
		default:
			sb.WriteByte('%')
			sb.WriteByte(hex[c>>4])
			sb.WriteByte(hex[c&0xf])
		}
	}

	return sb.String()
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}

	return 0, false
}
