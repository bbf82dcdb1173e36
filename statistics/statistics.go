/*
 * Copyright (c) 2021 Gilles Chehade <gilles@poolp.org>
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

// Package statistics accumulates transfer counters and redraws a single
// progress line. A 1 Hz ticker goroutine takes the display lock, redraws and
// releases, so the callback always observes the counters atomically and the
// driving thread never interleaves writes to the same line.
package statistics

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/weetmuts/beak/fspath"
)

type Stats struct {
	NumFiles uint64
	NumDirs  uint64

	SizeFiles uint64

	NumFilesStored  uint64
	SizeFilesStored uint64

	// FileSizes lets transport output scrapers credit a copied path with its
	// known size.
	FileSizes map[*fspath.Path]uint64
}

type Progress struct {
	mu    sync.Mutex // the display lock
	Stats Stats

	start   time.Time
	stop    chan struct{}
	stopped sync.WaitGroup
	running bool
	quiet   bool
}

func New(quiet bool) *Progress {
	return &Progress{
		Stats: Stats{FileSizes: make(map[*fspath.Path]uint64)},
		quiet: quiet,
	}
}

// AddWork records one file that will be transferred.
func (p *Progress) AddWork(path *fspath.Path, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Stats.NumFiles++
	p.Stats.SizeFiles += size
	p.Stats.FileSizes[path] = size
}

// RegisterStored credits one transferred path. It returns false for paths
// that were never registered as work, which scrape callers use to ignore
// unrelated transport chatter.
func (p *Progress) RegisterStored(path *fspath.Path) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	size, ok := p.Stats.FileSizes[path]
	if !ok {
		return false
	}
	p.Stats.NumFilesStored++
	p.Stats.SizeFilesStored += size
	p.redraw()
	return true
}

// StartDisplay begins the once-per-second redraw.
func (p *Progress) StartDisplay() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.start = time.Now()
	p.stop = make(chan struct{})
	p.stopped.Add(1)
	go func() {
		defer p.stopped.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				p.redraw()
				p.mu.Unlock()
			case <-p.stop:
				return
			}
		}
	}()
}

// FinishDisplay stops the ticker and prints the final line.
func (p *Progress) FinishDisplay() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()
	p.stopped.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.quiet {
		p.redraw()
		fmt.Fprintln(os.Stdout)
	}
}

// Update redraws immediately, from the driving thread.
func (p *Progress) Update() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.redraw()
}

// redraw is called with the display lock held.
func (p *Progress) redraw() {
	if p.quiet {
		return
	}
	line := fmt.Sprintf("Stored %d/%d files %s/%s (%s)",
		p.Stats.NumFilesStored, p.Stats.NumFiles,
		humanize.Bytes(p.Stats.SizeFilesStored), humanize.Bytes(p.Stats.SizeFiles),
		time.Since(p.start).Round(time.Second))

	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	if len(line) >= width {
		line = line[:width-1]
	}
	fmt.Fprintf(os.Stdout, "\r%s%s", line, strings.Repeat(" ", width-1-len(line)))
}
