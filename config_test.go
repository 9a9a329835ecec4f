package zener

import (
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestParseConfig(t *testing.T) {
	const text = `
# Server settings
[server]
port = 8080
trig_mode = 1      # listen fd only
timeout_ms = 30000
linger = true
static_dir = "./public"

[pool]
threads = 8
conns = 4

[log]
level = 2
queue_size = 2048
enable = false
`

	cfg, err := ParseConfig(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	want := DefaultConfig()
	want.Port = 8080
	want.TrigMode = 1
	want.TimeoutMS = 30000
	want.Linger = true
	want.StaticDir = "./public"
	want.Threads = 8
	want.SQLConns = 4
	want.LogLevel = 2
	want.LogQueueSize = 2048
	want.LogEnable = false

	if diff := pretty.Compare(cfg, want); diff != "" {
		t.Errorf("config diff: (-got +want)\n%s", diff)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(strings.NewReader("# nothing but a comment\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if diff := pretty.Compare(cfg, DefaultConfig()); diff != "" {
		t.Errorf("config diff: (-got +want)\n%s", diff)
	}
}

func TestParseConfigUnquotedStrings(t *testing.T) {
	const text = `
[server]
static_dir = ./static
`

	cfg, err := ParseConfig(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if got, want := cfg.StaticDir, "./static"; got != want {
		t.Errorf("StaticDir = %q, want %q", got, want)
	}
}

func TestParseConfigUnknownKeysIgnored(t *testing.T) {
	const text = `
[server]
port = 9090
color = purple
`

	cfg, err := ParseConfig(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if got, want := cfg.Port, 9090; got != want {
		t.Errorf("Port = %d, want %d", got, want)
	}
}

func TestParseConfigBadValue(t *testing.T) {
	const text = `
[server]
port = not-a-number
`

	if _, err := ParseConfig(strings.NewReader(text)); err == nil {
		t.Fatal("expected an error for a non-numeric port")
	}
}

func TestTrigModeBits(t *testing.T) {
	cases := []struct {
		mode     int
		listenET bool
		connET   bool
	}{
		{0, false, false},
		{1, true, false},
		{2, false, true},
		{3, true, true},
	}

	for _, tc := range cases {
		cfg := Config{TrigMode: tc.mode}
		if got := cfg.ListenET(); got != tc.listenET {
			t.Errorf("TrigMode %d: ListenET = %v, want %v",
				tc.mode, got, tc.listenET)
		}
		if got := cfg.ConnET(); got != tc.connET {
			t.Errorf("TrigMode %d: ConnET = %v, want %v",
				tc.mode, got, tc.connET)
		}
	}
}
