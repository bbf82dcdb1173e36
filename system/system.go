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

// Package system wraps the pieces of the operating system the engine leans
// on: invoking external transports (rclone, rsync), temp files for their
// include lists, and process shutdown.
package system

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/profiler"
)

// Invoke runs an external command, captures its combined output, and feeds
// each output line to lineCB as it arrives. The call blocks until the child
// exits; a non-zero exit wraps beakerr.ErrSubprocess.
func Invoke(name string, args []string, lineCB func(line string)) ([]byte, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("system.Invoke."+name, time.Since(t0))
		logger.Trace("system", "Invoke(%s %v): %s", name, args, time.Since(t0))
	}()

	cmd := exec.Command(name, args...)
	registerChild(cmd)
	defer unregisterChild(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", beakerr.ErrSubprocess, name, err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", beakerr.ErrSubprocess, name, err)
	}

	var output bytes.Buffer
	scanner := bufio.NewScanner(io.TeeReader(stdout, &output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if lineCB != nil {
			lineCB(scanner.Text())
		}
	}

	if err := cmd.Wait(); err != nil {
		return output.Bytes(), fmt.Errorf("%w: %s exited: %v", beakerr.ErrSubprocess, name, err)
	}
	return output.Bytes(), nil
}

// MkTempFile writes content to a uniquely named file under the system temp
// directory; callers pass the path to external tools as an include list.
func MkTempFile(prefix string, content string) (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s", prefix, uuid.New().String()))
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("%w: %v", beakerr.ErrIO, err)
	}
	return path, nil
}

func MkTempDir(prefix string) (string, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s", prefix, uuid.New().String()))
	if err := os.MkdirAll(path, 0o700); err != nil {
		return "", fmt.Errorf("%w: %v", beakerr.ErrIO, err)
	}
	return path, nil
}

var (
	muChildren sync.Mutex
	children   = make(map[*exec.Cmd]bool)
)

func registerChild(cmd *exec.Cmd) {
	muChildren.Lock()
	defer muChildren.Unlock()
	children[cmd] = true
}

func unregisterChild(cmd *exec.Cmd) {
	muChildren.Lock()
	defer muChildren.Unlock()
	delete(children, cmd)
}

func terminateChildren() {
	muChildren.Lock()
	defer muChildren.Unlock()
	for cmd := range children {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}
}

// Shutdown is the process-wide exit object. It replaces ad-hoc signal
// handlers: main constructs one, registers cleanups (unmounting, cache
// close), and Run is idempotent and safe to call from any goroutine.
type Shutdown struct {
	mu       sync.Mutex
	handlers []func()
	done     bool
	code     int
}

func NewShutdown() *Shutdown {
	return &Shutdown{code: 1}
}

// OnExit registers a cleanup; cleanups run in reverse registration order.
func (s *Shutdown) OnExit(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// HandleSignals arranges for INT, HUP and TERM to run the shutdown and exit
// non-zero.
func (s *Shutdown) HandleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
	go func() {
		sig := <-c
		logger.Warn("caught signal %s, shutting down", sig)
		s.Run()
		os.Exit(s.code)
	}()
}

// Run executes the cleanups exactly once, newest first, and TERMs any child
// still running.
func (s *Shutdown) Run() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	handlers := s.handlers
	s.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
	terminateChildren()
}
