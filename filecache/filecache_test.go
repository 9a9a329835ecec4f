package filecache

import (
	"bytes"
	"io/ioutil"
	"os"
	"path"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

type cacheTest struct {
	dir   string
	clock *timeutil.SimulatedClock
	cache *Cache
}

func setUp(t *testing.T) *cacheTest {
	t.Helper()

	dir, err := ioutil.TempDir("", "filecache_test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))

	return &cacheTest{
		dir:   dir,
		clock: clock,
		cache: New(clock),
	}
}

func (ct *cacheTest) write(t *testing.T, name, contents string) string {
	t.Helper()

	p := path.Join(ct.dir, name)
	if err := ioutil.WriteFile(p, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return p
}

func statFile(t *testing.T, p string) *unix.Stat_t {
	t.Helper()

	var st unix.Stat_t
	if err := unix.Stat(p, &st); err != nil {
		t.Fatalf("Stat(%q): %v", p, err)
	}

	return &st
}

func TestAcquireMapsOnce(t *testing.T) {
	ct := setUp(t)
	p := ct.write(t, "index.html", "<html>hello</html>")
	st := statFile(t, p)

	f, err := ct.cache.Acquire(p, st)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if !bytes.Equal(f.Data(), []byte("<html>hello</html>")) {
		t.Fatal("mapped contents differ")
	}
	if got, want := f.RefCount(), int64(1); got != want {
		t.Fatalf("RefCount = %d, want %d", got, want)
	}
	if got, want := ct.cache.MapCalls(), int64(1); got != want {
		t.Fatalf("MapCalls = %d, want %d", got, want)
	}

	// A second acquire shares the mapping.
	f2, err := ct.cache.Acquire(p, st)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if f2 != f {
		t.Fatal("second Acquire returned a different entry")
	}
	if got, want := f.RefCount(), int64(2); got != want {
		t.Fatalf("RefCount = %d, want %d", got, want)
	}
	if got, want := ct.cache.MapCalls(), int64(1); got != want {
		t.Fatalf("MapCalls after hit = %d, want %d", got, want)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	ct := setUp(t)
	p := ct.write(t, "a.txt", "contents")
	st := statFile(t, p)

	if _, err := ct.cache.Acquire(p, st); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ct.cache.Release(p)
	ct.cache.Release(p) // extra release must not go negative

	ct.clock.AdvanceTime(time.Hour)
	if removed := ct.cache.Sweep(time.Minute); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if got := ct.cache.MappedFiles(); got != 0 {
		t.Fatalf("MappedFiles = %d, want 0", got)
	}
}

func TestSweepSkipsReferencedEntries(t *testing.T) {
	ct := setUp(t)
	p := ct.write(t, "a.txt", "contents")
	st := statFile(t, p)

	f, err := ct.cache.Acquire(p, st)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ct.clock.AdvanceTime(time.Hour)
	if removed := ct.cache.Sweep(time.Minute); removed != 0 {
		t.Fatalf("Sweep removed %d referenced entries", removed)
	}

	// The data must remain readable until the release.
	if !bytes.Equal(f.Data(), []byte("contents")) {
		t.Fatal("mapped contents changed under a live reference")
	}

	ct.cache.Release(p)
	if removed := ct.cache.Sweep(time.Minute); removed != 1 {
		t.Fatalf("Sweep after release removed %d, want 1", removed)
	}
}

func TestSweepRespectsIdleThreshold(t *testing.T) {
	ct := setUp(t)
	p := ct.write(t, "a.txt", "contents")
	st := statFile(t, p)

	if _, err := ct.cache.Acquire(p, st); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ct.cache.Release(p)

	ct.clock.AdvanceTime(30 * time.Second)
	if removed := ct.cache.Sweep(time.Minute); removed != 0 {
		t.Fatalf("Sweep removed a fresh entry")
	}

	ct.clock.AdvanceTime(31 * time.Second)
	if removed := ct.cache.Sweep(time.Minute); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
}

func TestModifiedFileIsReloaded(t *testing.T) {
	ct := setUp(t)
	p := ct.write(t, "a.txt", "old contents")
	st := statFile(t, p)

	if _, err := ct.cache.Acquire(p, st); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ct.cache.Release(p)

	// Rewrite and force a visibly different mtime.
	ct.write(t, "a.txt", "new contents")
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(p, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	st = statFile(t, p)

	f, err := ct.cache.Acquire(p, st)
	if err != nil {
		t.Fatalf("Acquire after modify: %v", err)
	}

	if !bytes.Equal(f.Data(), []byte("new contents")) {
		t.Fatalf("Data = %q, want new contents", f.Data())
	}
	if got, want := ct.cache.MapCalls(), int64(2); got != want {
		t.Fatalf("MapCalls = %d, want %d", got, want)
	}
	if got, want := ct.cache.MappedFiles(), int64(1); got != want {
		t.Fatalf("MappedFiles = %d, want %d", got, want)
	}
}

func TestEmptyFile(t *testing.T) {
	ct := setUp(t)
	p := ct.write(t, "empty.html", "")
	st := statFile(t, p)

	f, err := ct.cache.Acquire(p, st)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if f.Size() != 0 {
		t.Fatalf("Size = %d, want 0", f.Size())
	}
}

func TestMissingFile(t *testing.T) {
	ct := setUp(t)

	st := &unix.Stat_t{Size: 10}
	if _, err := ct.cache.Acquire(path.Join(ct.dir, "nope"), st); err == nil {
		t.Fatal("Acquire of missing file succeeded")
	}
}

func TestClearUnmapsEverything(t *testing.T) {
	ct := setUp(t)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		p := ct.write(t, name, "contents of "+name)
		st := statFile(t, p)
		if _, err := ct.cache.Acquire(p, st); err != nil {
			t.Fatalf("Acquire(%q): %v", name, err)
		}
		ct.cache.Release(p)
	}

	ct.cache.Clear()

	if got := ct.cache.MappedFiles(); got != 0 {
		t.Fatalf("MappedFiles after Clear = %d, want 0", got)
	}
}
