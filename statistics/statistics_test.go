package statistics

import (
	"testing"

	"github.com/weetmuts/beak/fspath"
)

func TestWorkAccounting(t *testing.T) {
	p := New(true)

	a := fspath.Lookup("/s/a.tar")
	b := fspath.Lookup("/s/b.tar")
	p.AddWork(a, 100)
	p.AddWork(b, 250)

	if !p.RegisterStored(a) {
		t.Errorf("registered work should credit")
	}
	if p.RegisterStored(fspath.Lookup("/unrelated")) {
		t.Errorf("unknown path should not credit")
	}

	if p.Stats.NumFiles != 2 || p.Stats.SizeFiles != 350 {
		t.Errorf("work counters %d files %d bytes", p.Stats.NumFiles, p.Stats.SizeFiles)
	}
	if p.Stats.NumFilesStored != 1 || p.Stats.SizeFilesStored != 100 {
		t.Errorf("stored counters %d files %d bytes", p.Stats.NumFilesStored, p.Stats.SizeFilesStored)
	}
}

func TestDisplayStartFinish(t *testing.T) {
	p := New(true)
	p.StartDisplay()
	p.Update()
	p.FinishDisplay()
	// A second finish is a no-op, not a deadlock or double close.
	p.FinishDisplay()
}
