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

// Package zener is a small, self-contained HTTP/1.1 serving engine: a
// single-goroutine edge-triggered epoll reactor, a fixed worker pool,
// keep-alive connection management with idle eviction, and a refcounted
// mmap cache for static files.
//
// The typical embedding reads a config file, wires a credential store for
// the two form endpoints, and runs until told to stop:
//
//	cfg, err := zener.ParseConfigFile("zener.toml")
//	...
//	srv, err := zener.Start(cfg, &zener.Options{
//		Credentials: store,
//	})
//	...
//	srv.Shutdown(ctx)
//
// Signal handling, process lifecycle, and the binary entry point belong to
// the embedding program.
package zener
