package reverse

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/weetmuts/beak/backup"
	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/fspath"
)

// storeBackup materializes every segment of a packed origin into dir, the
// way the store subcommand does.
func storeBackup(t *testing.T, origin, dir string, opts backup.Options) {
	t.Helper()
	b, err := backup.New(origin, opts)
	if err != nil {
		t.Fatalf("backup.New failed: %v", err)
	}
	if err := b.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	var storeErr error
	b.Walk(func(d *backup.Dir, seg *backup.Segment) {
		if storeErr != nil {
			return
		}
		data, err := b.ReadSegment(seg)
		if err != nil {
			storeErr = err
			return
		}
		abs := filepath.Join(dir, filepath.FromSlash(seg.VirtualPath().UnRoot()))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			storeErr = err
			return
		}
		storeErr = os.WriteFile(abs, data, 0o644)
	})
	if storeErr != nil {
		t.Fatalf("storing segments failed: %v", storeErr)
	}
}

func writeFile(t *testing.T, dir, name string, content []byte, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}
}

// pinDirTimes fixes the mtime of every directory under origin, so the index
// segment timestamps (which fold in directory mtimes) are deterministic.
func pinDirTimes(t *testing.T, origin string, mtime time.Time) {
	t.Helper()
	err := filepath.Walk(origin, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.Chtimes(path, mtime, mtime)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("pinning directory times failed: %v", err)
	}
}

func loadedReverse(t *testing.T, storeDir string) *Reverse {
	t.Helper()
	rev := New(NewDirStore(storeDir), fspath.Root())
	if err := rev.Discover(); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	return rev
}

func TestMountRoundTrip(t *testing.T) {
	origin := t.TempDir()
	mtime := time.Unix(1000, 0)
	writeFile(t, origin, "hello.txt", []byte("hi"), mtime)
	writeFile(t, origin, "sub/nested.txt", []byte("deeper content"), mtime)
	if err := os.Symlink("hello.txt", filepath.Join(origin, "link")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	storeDir := t.TempDir()
	storeBackup(t, origin, storeDir, backup.DefaultOptions())

	rev := loadedReverse(t, storeDir)
	if len(rev.History()) != 1 {
		t.Fatalf("expected one point in time, got %d", len(rev.History()))
	}
	if err := rev.SetSingle("@0"); err != nil {
		t.Fatalf("SetSingle failed: %v", err)
	}

	names, err := rev.Readdir(fspath.Root())
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("root should list hello.txt, link and sub, got %v", names)
	}

	stat, err := rev.Getattr(fspath.Lookup("/hello.txt"))
	if err != nil {
		t.Fatalf("Getattr failed: %v", err)
	}
	if stat.Size() != 2 || stat.MtimeSec() != 1000 {
		t.Errorf("stat size=%d mtime=%d", stat.Size(), stat.MtimeSec())
	}

	data, err := rev.ReadAt(fspath.Lookup("/hello.txt"), 0, 10)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(data) != "hi" {
		t.Errorf("ReadAt returned %q", data)
	}

	data, err = rev.ReadAt(fspath.Lookup("/sub/nested.txt"), 7, 100)
	if err != nil {
		t.Fatalf("nested ReadAt failed: %v", err)
	}
	if string(data) != "content" {
		t.Errorf("nested ReadAt returned %q", data)
	}

	target, err := rev.Readlink(fspath.Lookup("/link"))
	if err != nil {
		t.Fatalf("Readlink failed: %v", err)
	}
	if target != "hello.txt" {
		t.Errorf("Readlink returned %q", target)
	}
	if _, err := rev.Readlink(fspath.Lookup("/hello.txt")); err == nil {
		t.Errorf("Readlink of a regular file should fail")
	}
	if _, err := rev.Getattr(fspath.Lookup("/absent")); !errors.Is(err, beakerr.ErrNotFound) {
		t.Errorf("absent path should be not found, got %v", err)
	}
}

func TestSplitFileReadsAcrossParts(t *testing.T) {
	origin := t.TempDir()
	const targetSize = 2048
	content := make([]byte, 2*targetSize+512+7)
	for i := range content {
		content[i] = byte(i)
	}
	writeFile(t, origin, "big", content, time.Unix(1000, 0))

	opts := backup.DefaultOptions()
	opts.TargetSize = targetSize
	storeDir := t.TempDir()
	storeBackup(t, origin, storeDir, opts)

	rev := loadedReverse(t, storeDir)
	if err := rev.SetSingle("@0"); err != nil {
		t.Fatalf("SetSingle failed: %v", err)
	}

	big := fspath.Lookup("/big")
	data, err := rev.ReadAt(big, 0, len(content))
	if err != nil {
		t.Fatalf("full ReadAt failed: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("reassembled content differs")
	}

	// A read straddling a part boundary.
	data, err = rev.ReadAt(big, targetSize-3, 6)
	if err != nil {
		t.Fatalf("straddling ReadAt failed: %v", err)
	}
	if !bytes.Equal(data, content[targetSize-3:targetSize+3]) {
		t.Errorf("straddling read differs")
	}

	// Past the end.
	data, err = rev.ReadAt(big, int64(len(content))+10, 4)
	if err != nil || len(data) != 0 {
		t.Errorf("read past end: %v, %d bytes", err, len(data))
	}
}

func TestPointInTimeSelection(t *testing.T) {
	origin := t.TempDir()
	writeFile(t, origin, "a.txt", []byte("old"), time.Unix(1000, 0))
	pinDirTimes(t, origin, time.Unix(1000, 0))

	storeDir := t.TempDir()
	storeBackup(t, origin, storeDir, backup.DefaultOptions())

	writeFile(t, origin, "a.txt", []byte("newer"), time.Unix(2000, 0))
	pinDirTimes(t, origin, time.Unix(2000, 0))
	storeBackup(t, origin, storeDir, backup.DefaultOptions())

	writeFile(t, origin, "a.txt", []byte("newest!"), time.Unix(3000, 0))
	pinDirTimes(t, origin, time.Unix(3000, 0))
	storeBackup(t, origin, storeDir, backup.DefaultOptions())

	rev := loadedReverse(t, storeDir)
	history := rev.History()
	if len(history) != 3 {
		t.Fatalf("expected 3 points in time, got %d", len(history))
	}
	if history[0].Secs != 3000 || history[2].Secs != 1000 {
		t.Errorf("history should be newest first: %d, %d", history[0].Secs, history[2].Secs)
	}

	read := func(selector string) string {
		t.Helper()
		if err := rev.SetSingle(selector); err != nil {
			t.Fatalf("SetSingle(%s) failed: %v", selector, err)
		}
		data, err := rev.ReadAt(fspath.Lookup("/a.txt"), 0, 64)
		if err != nil {
			t.Fatalf("ReadAt(%s) failed: %v", selector, err)
		}
		return string(data)
	}
	if got := read("@0"); got != "newest!" {
		t.Errorf("@0 read %q", got)
	}
	if got := read("@2"); got != "old" {
		t.Errorf("@2 read %q", got)
	}
	if got := read(history[1].DateTime); got != "newer" {
		t.Errorf("absolute selector read %q", got)
	}

	if err := rev.SetSingle("@9"); !errors.Is(err, beakerr.ErrNotFound) {
		t.Fatalf("@9 should not resolve, got %v", err)
	}
	if _, err := rev.Getattr(fspath.Root()); !errors.Is(err, beakerr.ErrNotFound) {
		t.Errorf("unmatched selector should leave the mount root ENOENT, got %v", err)
	}
}

func TestMultiPointRootListing(t *testing.T) {
	origin := t.TempDir()
	writeFile(t, origin, "f", []byte("one"), time.Unix(1000, 0))
	pinDirTimes(t, origin, time.Unix(1000, 0))
	storeDir := t.TempDir()
	storeBackup(t, origin, storeDir, backup.DefaultOptions())

	writeFile(t, origin, "f", []byte("two!"), time.Unix(2000, 0))
	pinDirTimes(t, origin, time.Unix(2000, 0))
	storeBackup(t, origin, storeDir, backup.DefaultOptions())

	rev := loadedReverse(t, storeDir)

	names, err := rev.Readdir(fspath.Root())
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("root should list both points, got %v", names)
	}

	data, err := rev.ReadAt(fspath.Lookup("/"+names[0]+"/f"), 0, 16)
	if err != nil {
		t.Fatalf("ReadAt through a point directory failed: %v", err)
	}
	if string(data) != "two!" {
		t.Errorf("newest point read %q", data)
	}
	data, err = rev.ReadAt(fspath.Lookup("/"+names[1]+"/f"), 0, 16)
	if err != nil {
		t.Fatalf("ReadAt through the older point failed: %v", err)
	}
	if string(data) != "one" {
		t.Errorf("older point read %q", data)
	}
}

func TestRestore(t *testing.T) {
	origin := t.TempDir()
	mtime := time.Unix(1234, 0)
	writeFile(t, origin, "hello.txt", []byte("hi"), mtime)
	writeFile(t, origin, "sub/nested.txt", []byte("deeper content"), mtime)
	if err := os.Symlink("hello.txt", filepath.Join(origin, "link")); err != nil {
		t.Fatalf("Symlink failed: %v", err)
	}

	storeDir := t.TempDir()
	storeBackup(t, origin, storeDir, backup.DefaultOptions())

	rev := loadedReverse(t, storeDir)
	pt, err := rev.Find("@0")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	dest := t.TempDir()
	if err := rev.Restore(pt, dest); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "hello.txt"))
	if err != nil || string(data) != "hi" {
		t.Fatalf("restored hello.txt: %q, %v", data, err)
	}
	data, err = os.ReadFile(filepath.Join(dest, "sub", "nested.txt"))
	if err != nil || string(data) != "deeper content" {
		t.Fatalf("restored nested.txt: %q, %v", data, err)
	}
	target, err := os.Readlink(filepath.Join(dest, "link"))
	if err != nil || target != "hello.txt" {
		t.Fatalf("restored link: %q, %v", target, err)
	}
	info, err := os.Stat(filepath.Join(dest, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("restored mtime %v, expected %v", info.ModTime(), mtime)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("restored mode %v", info.Mode())
	}
}

func TestReferencedFilesCoverStore(t *testing.T) {
	origin := t.TempDir()
	writeFile(t, origin, "hello.txt", []byte("hi"), time.Unix(1000, 0))
	writeFile(t, origin, "sub/nested.txt", []byte("deeper"), time.Unix(1000, 0))

	storeDir := t.TempDir()
	storeBackup(t, origin, storeDir, backup.DefaultOptions())

	rev := loadedReverse(t, storeDir)
	pt, err := rev.Find("@0")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	files, err := rev.ReferencedFiles(pt)
	if err != nil {
		t.Fatalf("ReferencedFiles failed: %v", err)
	}
	referenced := make(map[string]bool)
	for _, f := range files {
		referenced[f] = true
	}

	// Every file in the store belongs to the only snapshot.
	err = filepath.Walk(storeDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(storeDir, path)
		if err != nil {
			return err
		}
		if !referenced[filepath.ToSlash(rel)] {
			t.Errorf("stored file %s not referenced", rel)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
