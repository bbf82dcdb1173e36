package index

import (
	"strings"
	"testing"

	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/objects"
)

var fp = strings.Repeat("ab", 32)

func sampleEntries() []*Entry {
	return []*Entry{
		{
			Stat: objects.FileStat{
				Lmode:      0o644,
				Luid:       1000,
				Lgid:       1000,
				Lusername:  "fredrik",
				Lgroupname: "fredrik",
				Lsize:      2,
				LmtimeSec:  1000,
				LmtimeNsec: 500000000,
			},
			Tar:                "s_1000.500000000_2048_" + fp + "_0.tar",
			Offset:             512,
			NumParts:           1,
			PartSize:           2,
			LastPartSize:       2,
			OnDiskPartSize:     2048,
			OnDiskLastPartSize: 2048,
			Path:               fspath.Lookup("/hello.txt"),
		},
		{
			Stat: objects.FileStat{
				Lmode:     0o777,
				LmtimeSec: 2000,
			},
			Tar:       "s_2000.0_1536_" + fp + "_0.tar",
			Offset:    0,
			Link:      "/hello.txt",
			IsSymlink: true,
			NumParts:  1,
			Path:      fspath.Lookup("/ln"),
		},
	}
}

func sampleTars() []*Tar {
	return []*Tar{
		{
			BackupLocation:  fspath.Root(),
			TarfileLocation: "s_1000.500000000_2048_" + fp + "_0.tar",
			FirstName:       "hello.txt",
			LastName:        "ln",
		},
		{
			BackupLocation:  fspath.Lookup("/sub"),
			TarfileLocation: "z_900.0_0_" + fp + "_0.gz",
		},
	}
}

func TestFormatLoadRoundTrip(t *testing.T) {
	p := Preamble{
		Config:      "-ta 104857600 ",
		Fingerprint: "sha256",
		Uids:        []uint32{0, 1000},
		Gids:        []uint32{0, 1000},
	}
	data := Format(p, sampleTars(), sampleEntries())

	var entries []*Entry
	var tars []*Tar
	loaded, err := Load(data, fspath.Root(), fspath.Root(),
		func(e *Entry) error { entries = append(entries, e); return nil },
		func(tr *Tar) error { tars = append(tars, tr); return nil })
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Fingerprint != "sha256" {
		t.Errorf("preamble fingerprint: got %q", loaded.Fingerprint)
	}
	if loaded.Config != p.Config {
		t.Errorf("preamble config: got %q", loaded.Config)
	}
	if len(loaded.Uids) != 2 || loaded.Uids[1] != 1000 {
		t.Errorf("preamble uids: got %v", loaded.Uids)
	}

	if len(tars) != 2 {
		t.Fatalf("expected 2 tars, got %d", len(tars))
	}
	if tars[1].BackupLocation != fspath.Lookup("/sub") {
		t.Errorf("tar backup location: got %s", tars[1].BackupLocation)
	}

	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	e := entries[0]
	want := sampleEntries()[0]
	if e.Path != want.Path {
		t.Errorf("entry path: expected %s, got %s", want.Path, e.Path)
	}
	if e.Tar != want.Tar || e.Offset != want.Offset {
		t.Errorf("entry placement: got tar=%q offset=%d", e.Tar, e.Offset)
	}
	if e.Stat.Size() != 2 || e.Stat.MtimeSec() != 1000 || e.Stat.MtimeNsec() != 500000000 {
		t.Errorf("entry stat lost: %+v", e.Stat)
	}
	if e.Stat.Username() != "fredrik" {
		t.Errorf("entry username: got %q", e.Stat.Username())
	}
	if !entries[1].IsSymlink || entries[1].Link != "/hello.txt" {
		t.Errorf("symlink entry lost: %+v", entries[1])
	}
}

func TestLoadPrepends(t *testing.T) {
	data := Format(Preamble{Fingerprint: "sha256"}, sampleTars(), sampleEntries())

	var first *Entry
	var firstTar *Tar
	_, err := Load(data, fspath.Lookup("/origin"), fspath.Lookup("/storage"),
		func(e *Entry) error {
			if first == nil {
				first = e
			}
			return nil
		},
		func(tr *Tar) error {
			if firstTar == nil {
				firstTar = tr
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if first.Path != fspath.Lookup("/origin/hello.txt") {
		t.Errorf("dir_to_prepend not applied: got %s", first.Path)
	}
	if firstTar.BackupLocation != fspath.Lookup("/storage") {
		t.Errorf("safedir_to_prepend not applied: got %s", firstTar.BackupLocation)
	}
}

func TestLoadFailsFastWithoutPartialState(t *testing.T) {
	good := Format(Preamble{Fingerprint: "sha256"}, sampleTars(), sampleEntries())

	// Corrupt the last entry record: the loader must not surface any of the
	// records that preceded it.
	lines := strings.Split(strings.TrimSuffix(string(good), "\n"), "\n")
	lines[len(lines)-1] = "garbage"
	bad := []byte(strings.Join(lines, "\n") + "\n")

	calls := 0
	_, err := Load(bad, fspath.Root(), fspath.Root(),
		func(*Entry) error { calls++; return nil },
		func(*Tar) error { calls++; return nil })
	if err == nil {
		t.Fatalf("Load should have failed on the malformed record")
	}
	if calls != 0 {
		t.Errorf("callbacks ran %d times before the failure surfaced", calls)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	data := Format(Preamble{Fingerprint: "sha256"}, nil, nil)
	mangled := []byte(strings.Replace(string(data), "#beak 0.7", "#beak 9.9", 1))
	if _, err := Load(mangled, fspath.Root(), fspath.Root(), nil, nil); err == nil {
		t.Errorf("unknown index version must be rejected")
	}
}
