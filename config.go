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
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config collects the server's file-configurable knobs. The zero value is
// not useful; start from DefaultConfig or ParseConfigFile.
type Config struct {
	// server.port: TCP port to listen on. 0 lets the kernel pick one.
	Port int

	// server.trig_mode: bitfield selecting edge-triggered epoll. Bit 0 is
	// the listening descriptor, bit 1 the connection descriptors.
	TrigMode int

	// server.timeout_ms: idle milliseconds before a connection is evicted.
	TimeoutMS int

	// server.linger: enable SO_LINGER on the listening socket for a graceful
	// close.
	Linger bool

	// server.static_dir: root directory for static file serving.
	StaticDir string

	// pool.threads: worker count.
	Threads int

	// pool.conns: connection pool size for a credential store. The server
	// does not read it.
	SQLConns int

	// log.level, log.queue_size, log.enable: telemetry sink settings,
	// passed through to whatever consumer the caller wires up.
	LogLevel     int
	LogQueueSize int
	LogEnable    bool

	// Admission cap on concurrent connections. Not a file key; tests lower
	// it to exercise the busy path.
	MaxConns int
}

func DefaultConfig() Config {
	return Config{
		Port:         1316,
		TrigMode:     3,
		TimeoutMS:    60000,
		StaticDir:    "./static",
		Threads:      6,
		SQLConns:     12,
		LogLevel:     1,
		LogQueueSize: 1024,
		LogEnable:    true,
		MaxConns:     65536,
	}
}

// ListenET reports whether the listening descriptor uses edge triggering.
func (c Config) ListenET() bool { return c.TrigMode&1 != 0 }

// ConnET reports whether connection descriptors use edge triggering.
func (c Config) ConnET() bool { return c.TrigMode&2 != 0 }

// ParseConfigFile reads the TOML-like dialect: `[section]` headers, `#`
// comments (whole-line and trailing), `key = value` pairs with optional
// double quotes around the value. Keys inside a section are addressed with
// the section prefix, e.g. server.port. Unknown keys are ignored.
func ParseConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	return ParseConfig(f)
}

// ParseConfig is ParseConfigFile over an arbitrary reader.
func ParseConfig(r io.Reader) (Config, error) {
	raw, err := parseKeyValues(r)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	for key, value := range raw {
		if err := cfg.apply(key, value); err != nil {
			return Config{}, fmt.Errorf("config key %q: %w", key, err)
		}
	}

	return cfg, nil
}

func parseKeyValues(r io.Reader) (map[string]string, error) {
	raw := make(map[string]string)
	section := ""

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '[' && line[len(line)-1] == ']' {
			section = line[1 : len(line)-1]
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}

		key := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])

		if hash := strings.IndexByte(value, '#'); hash >= 0 {
			value = strings.TrimSpace(value[:hash])
		}

		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}

		if section != "" {
			key = section + "." + key
		}

		raw[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return raw, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "server.port":
		return setInt(&c.Port, value)
	case "server.trig_mode":
		return setInt(&c.TrigMode, value)
	case "server.timeout_ms":
		return setInt(&c.TimeoutMS, value)
	case "server.linger":
		return setBool(&c.Linger, value)
	case "server.static_dir":
		c.StaticDir = value
	case "pool.threads":
		return setInt(&c.Threads, value)
	case "pool.conns":
		return setInt(&c.SQLConns, value)
	case "log.level":
		return setInt(&c.LogLevel, value)
	case "log.queue_size":
		return setInt(&c.LogQueueSize, value)
	case "log.enable":
		return setBool(&c.LogEnable, value)
	default:
		// Unknown keys have no effect.
	}

	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}

	*dst = n
	return nil
}

func setBool(dst *bool, value string) error {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	default:
		return fmt.Errorf("not a boolean: %q", value)
	}

	return nil
}
