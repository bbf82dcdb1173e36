package cachefs

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/storage"
)

// fakeBackend serves a directory of files as a remote and counts fetches.
type fakeBackend struct {
	dir        string
	fetchCount int32
	failList   bool
}

func (f *fakeBackend) List(loc *storage.Location) (*storage.Listing, error) {
	if f.failList {
		return nil, fmt.Errorf("listing refused")
	}
	listing := storage.NewListing()
	err := filepath.Walk(f.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(f.dir, path)
		if err != nil {
			return err
		}
		listing.Classify(filepath.ToSlash(rel), info.Size())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (f *fakeBackend) Push(localDir string, loc *storage.Location, files []string, progress func(string)) error {
	return fmt.Errorf("not pushable")
}

func (f *fakeBackend) Remove(loc *storage.Location, files []string) error {
	return fmt.Errorf("not removable")
}

func (f *fakeBackend) Fetch(loc *storage.Location, files []string, localDir string) error {
	atomic.AddInt32(&f.fetchCount, 1)
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		dst := filepath.Join(localDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func segName(part uint, size int) string {
	return fmt.Sprintf("s_1000.0_%d_%s_%d.tar", size, strings.Repeat("ab", 32), part)
}

func newFake(t *testing.T) (*fakeBackend, *fspath.Path, []byte) {
	t.Helper()
	remote := t.TempDir()
	content := bytes.Repeat([]byte("beak"), 512)
	name := segName(0, len(content))
	if err := os.WriteFile(filepath.Join(remote, name), content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return &fakeBackend{dir: remote}, fspath.Lookup(name), content
}

func TestFetchOnRead(t *testing.T) {
	backend, path, content := newFake(t)
	loc := &storage.Location{Kind: storage.Local, Raw: backend.dir}

	c, err := New(backend, loc, t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if _, err := c.Getattr(path); err != nil {
		t.Fatalf("Getattr failed: %v", err)
	}
	if n := atomic.LoadInt32(&backend.fetchCount); n != 0 {
		t.Fatalf("stat-only access should not fetch, did %d", n)
	}

	data, err := c.ReadAt(path, 4, 8)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(data, content[4:12]) {
		t.Errorf("ReadAt returned wrong slice")
	}
	if n := atomic.LoadInt32(&backend.fetchCount); n != 1 {
		t.Errorf("expected one fetch, got %d", n)
	}

	// Already cached: further reads stay local.
	if _, err := c.ReadAt(path, 0, 16); err != nil {
		t.Fatalf("second ReadAt failed: %v", err)
	}
	if n := atomic.LoadInt32(&backend.fetchCount); n != 1 {
		t.Errorf("cached read should not fetch again, got %d", n)
	}
}

func TestConcurrentFetchesJoin(t *testing.T) {
	backend, path, content := newFake(t)
	loc := &storage.Location{Kind: storage.Local, Raw: backend.dir}

	c, err := New(backend, loc, t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.ReadAt(path, 0, len(content))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		if errs[i] != nil {
			t.Fatalf("reader %d failed: %v", i, errs[i])
		}
		if !bytes.Equal(results[i], content) {
			t.Errorf("reader %d got different bytes", i)
		}
	}
	if n := atomic.LoadInt32(&backend.fetchCount); n != 1 {
		t.Errorf("8 concurrent readers should share one fetch, got %d", n)
	}
}

func TestRefetchSuppressedAcrossSessions(t *testing.T) {
	backend, path, content := newFake(t)
	loc := &storage.Location{Kind: storage.Local, Raw: backend.dir}
	cacheDir := t.TempDir()

	c, err := New(backend, loc, cacheDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := c.ReadAt(path, 0, len(content)); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	c.Close()

	// A second session over the same cache directory finds the segment on
	// disk at the listed size and never fetches.
	c, err = New(backend, loc, cacheDir)
	if err != nil {
		t.Fatalf("second New failed: %v", err)
	}
	defer c.Close()
	if _, err := c.ReadAt(path, 0, len(content)); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n := atomic.LoadInt32(&backend.fetchCount); n != 1 {
		t.Errorf("cached segment should not be re-fetched, got %d fetches", n)
	}
}

func TestOfflineFallsBackToPersistedListing(t *testing.T) {
	backend, path, _ := newFake(t)
	loc := &storage.Location{Kind: storage.Local, Raw: backend.dir}
	cacheDir := t.TempDir()

	c, err := New(backend, loc, cacheDir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.Close()

	backend.failList = true
	c, err = New(backend, loc, cacheDir)
	if err != nil {
		t.Fatalf("offline New should reuse the persisted listing: %v", err)
	}
	defer c.Close()
	if _, err := c.Getattr(path); err != nil {
		t.Errorf("persisted listing should still stat %s: %v", path, err)
	}
}

func TestReaddirTwoLevels(t *testing.T) {
	remote := t.TempDir()
	if err := os.MkdirAll(filepath.Join(remote, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	top := segName(0, 8)
	nested := segName(1, 8)
	for _, p := range []string{top, filepath.Join("sub", nested)} {
		if err := os.WriteFile(filepath.Join(remote, p), []byte("12345678"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	backend := &fakeBackend{dir: remote}
	loc := &storage.Location{Kind: storage.Local, Raw: remote}

	c, err := New(backend, loc, t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	names, err := c.Readdir(fspath.Root())
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("root should list the segment and the subdir, got %v", names)
	}
	subNames, err := c.Readdir(fspath.Lookup("/sub"))
	if err != nil {
		t.Fatalf("Readdir(/sub) failed: %v", err)
	}
	if len(subNames) != 1 || subNames[0] != nested {
		t.Errorf("sub listing %v", subNames)
	}
}
