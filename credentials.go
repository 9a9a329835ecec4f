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
	"sync"

	"github.com/jacobsa/zener/httpmsg"
)

// CredentialStore is the backend consulted by the register/login form
// endpoints. Implementations are synchronous and opaque; a SQL-backed store
// would manage its own connection pool, sized by Config.SQLConns.
type CredentialStore = httpmsg.CredentialStore

// MemoryCredentialStore is a CredentialStore backed by an in-process map.
// Suitable for tests and for serving without a database.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	users map[string]string // GUARDED_BY(mu)
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		users: make(map[string]string),
	}
}

// Verify checks a login against the stored password, or registers a new
// user when isLogin is false. Registration fails if the name is taken.
func (s *MemoryCredentialStore) Verify(
	name string,
	password string,
	isLogin bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.users[name]

	if isLogin {
		return exists && stored == password, nil
	}

	if exists {
		return false, nil
	}

	s.users[name] = password
	return true, nil
}
