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
	"fmt"
	"path"
	"runtime"
)

// Log information for a connection with the given id. calldepth is the
// depth to use when recovering file:line information with runtime.Caller.
func (s *Server) debugLog(
	connID uint64,
	calldepth int,
	format string,
	v ...interface{}) {
	if s.debugLogger == nil {
		return
	}

	// Get file:line info.
	var file string
	var line int
	var ok bool

	_, file, line, ok = runtime.Caller(calldepth)
	if !ok {
		file = "???"
	}

	fileLine := fmt.Sprintf("%v:%v", path.Base(file), line)

	msg := fmt.Sprintf(
		"Conn 0x%08x %24s] %v",
		connID,
		fileLine,
		fmt.Sprintf(format, v...))

	s.debugLogger.Println(msg)
}

func (s *Server) errorf(format string, v ...interface{}) {
	if s.errorLogger == nil {
		return
	}

	s.errorLogger.Printf(format, v...)
}
