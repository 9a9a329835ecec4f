package httpmsg

import (
	"io/ioutil"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/zener/filecache"
	"github.com/jacobsa/zener/internal/buffer"
)

type responseTest struct {
	dir   string
	clock *timeutil.SimulatedClock
	cache *filecache.Cache
}

func newResponseTest(t *testing.T) *responseTest {
	t.Helper()

	dir, err := ioutil.TempDir("", "response_test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))

	rt := &responseTest{dir: dir, clock: clock, cache: filecache.New(clock)}
	t.Cleanup(rt.cache.Clear)

	rt.write(t, "index.html", "<html>index</html>", 0644)
	rt.write(t, "400.html", "<html>bad request page</html>", 0644)
	rt.write(t, "403.html", "<html>forbidden page</html>", 0644)
	rt.write(t, "404.html", "<html>not found page</html>", 0644)

	return rt
}

func (rt *responseTest) write(
	t *testing.T, name, contents string, mode os.FileMode) {
	t.Helper()

	if err := ioutil.WriteFile(
		path.Join(rt.dir, name), []byte(contents), mode); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// make builds the response and returns the header bytes and the mapped
// body.
func (rt *responseTest) make(
	w *Response, p string, keepAlive bool, code int) (string, string) {
	w.Init(rt.cache, rt.dir, p, keepAlive, code)

	b := buffer.New()
	w.Make(b)

	return b.String(), string(w.File())
}

func TestServeExistingFile(t *testing.T) {
	rt := newResponseTest(t)

	var w Response
	header, body := rt.make(&w, "/index.html", true, StatusUnset)
	defer w.ReleaseFile()

	if !strings.HasPrefix(header, "HTTP/1.1 200 OK\r\n") {
		t.Errorf("status line wrong: %q", header)
	}
	if !strings.Contains(header, "Connection: keep-alive\r\n") {
		t.Errorf("missing keep-alive header: %q", header)
	}
	if !strings.Contains(header, "keep-alive: max=6, timeout=120\r\n") {
		t.Errorf("missing keep-alive parameters: %q", header)
	}
	if !strings.Contains(header, "Content-type: text/html\r\n") {
		t.Errorf("missing content type: %q", header)
	}
	if !strings.Contains(header, "Content-length: 18\r\n\r\n") {
		t.Errorf("missing content length: %q", header)
	}
	if body != "<html>index</html>" {
		t.Errorf("body = %q", body)
	}
	if !w.KeepAlive() {
		t.Error("KeepAlive() = false, want true")
	}
}

func TestMissingFileServes404Page(t *testing.T) {
	rt := newResponseTest(t)

	var w Response
	header, body := rt.make(&w, "/missing.html", false, StatusUnset)
	defer w.ReleaseFile()

	if !strings.HasPrefix(header, "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("status line wrong: %q", header)
	}
	if !strings.Contains(header, "Connection: close\r\n") {
		t.Errorf("missing close header: %q", header)
	}
	if body != "<html>not found page</html>" {
		t.Errorf("body = %q, want the canonical 404 page", body)
	}
}

func TestDirectoryServes404(t *testing.T) {
	rt := newResponseTest(t)

	if err := os.Mkdir(path.Join(rt.dir, "subdir"), 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	var w Response
	header, _ := rt.make(&w, "/subdir", false, StatusUnset)
	defer w.ReleaseFile()

	if !strings.HasPrefix(header, "HTTP/1.1 404 Not Found\r\n") {
		t.Errorf("status line wrong: %q", header)
	}
}

func TestUnreadableFileServes403(t *testing.T) {
	rt := newResponseTest(t)
	rt.write(t, "private.html", "<html>secret</html>", 0640)

	var w Response
	header, body := rt.make(&w, "/private.html", false, StatusUnset)
	defer w.ReleaseFile()

	if !strings.HasPrefix(header, "HTTP/1.1 403 Forbidden\r\n") {
		t.Errorf("status line wrong: %q", header)
	}
	if body != "<html>forbidden page</html>" {
		t.Errorf("body = %q, want the canonical 403 page", body)
	}
}

func TestExplicitBadRequestSurvivesStat(t *testing.T) {
	rt := newResponseTest(t)

	// A parse failure leaves no usable path; the 400 must not be clobbered
	// by the stat of the bare directory.
	var w Response
	header, body := rt.make(&w, "", false, 400)
	defer w.ReleaseFile()

	if !strings.HasPrefix(header, "HTTP/1.1 400 Bad Request\r\n") {
		t.Errorf("status line wrong: %q", header)
	}
	if body != "<html>bad request page</html>" {
		t.Errorf("body = %q, want the canonical 400 page", body)
	}
}

func TestInlineErrorWhenPageUnmappable(t *testing.T) {
	rt := newResponseTest(t)

	// Remove the canonical page so the acquire fails.
	if err := os.Remove(path.Join(rt.dir, "404.html")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	var w Response
	header, _ := rt.make(&w, "/missing.html", true, StatusUnset)
	defer w.ReleaseFile()

	if !strings.Contains(header, "<html><title>Error</title>") {
		t.Errorf("missing inline error body: %q", header)
	}
	if w.File() != nil {
		t.Error("File() non-nil after mapping failure")
	}
	if w.KeepAlive() {
		t.Error("KeepAlive() = true after mapping failure, want false")
	}
}

func TestContentTypeBySuffix(t *testing.T) {
	rt := newResponseTest(t)
	rt.write(t, "style.css", "body {}", 0644)
	rt.write(t, "notes", "plain text", 0644)

	cases := map[string]string{
		"/style.css": "text/css",
		"/notes":     "text/plain",
	}

	for p, want := range cases {
		var w Response
		header, _ := rt.make(&w, p, false, StatusUnset)

		if !strings.Contains(header, "Content-type: "+want+"\r\n") {
			t.Errorf("%s: wrong content type in %q", p, header)
		}
		w.ReleaseFile()
	}
}

func TestInitReleasesPreviousMapping(t *testing.T) {
	rt := newResponseTest(t)

	var w Response
	rt.make(&w, "/index.html", true, StatusUnset)

	if got := rt.cache.MappedFiles(); got != 1 {
		t.Fatalf("MappedFiles = %d, want 1", got)
	}

	// While the response holds its reference, the mapping is pinned.
	rt.clock.AdvanceTime(time.Hour)
	if removed := rt.cache.Sweep(time.Minute); removed != 0 {
		t.Fatalf("Sweep removed %d pinned entries", removed)
	}

	// Re-initializing for the next request must return the reference,
	// making the old mapping sweepable.
	rt.make(&w, "/400.html", false, StatusUnset)
	defer w.ReleaseFile()

	rt.clock.AdvanceTime(time.Hour)
	if removed := rt.cache.Sweep(time.Minute); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1 (the released index page)", removed)
	}
}
