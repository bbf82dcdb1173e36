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

// Package appcontext carries the process-wide facts every subcommand needs:
// where the configuration and cache live, who is running, and how parallel
// the machine is.
package appcontext

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/weetmuts/beak/system"
)

type Context struct {
	Cwd       string
	ConfigDir string
	CacheDir  string

	NumCPU   int
	Username string
	Hostname string

	// Shutdown is the process exit object; subcommands register their
	// cleanups (unmounting, cache close) on it.
	Shutdown *system.Shutdown
}

func New() (*Context, error) {
	ctx := &Context{
		NumCPU:   runtime.NumCPU(),
		Shutdown: system.NewShutdown(),
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	ctx.Cwd = cwd

	confRoot, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	ctx.ConfigDir = filepath.Join(confRoot, "beak")
	if err := os.MkdirAll(ctx.ConfigDir, 0o700); err != nil {
		return nil, err
	}

	cacheRoot, err := os.UserCacheDir()
	if err != nil {
		return nil, err
	}
	ctx.CacheDir = filepath.Join(cacheRoot, "beak")
	if err := os.MkdirAll(ctx.CacheDir, 0o700); err != nil {
		return nil, err
	}

	if u, err := user.Current(); err == nil {
		ctx.Username = u.Username
	}
	if h, err := os.Hostname(); err == nil {
		ctx.Hostname = strings.ToLower(h)
	}
	return ctx, nil
}

// ConfigFile is the path of beak.conf under the per-user config directory.
func (c *Context) ConfigFile() string {
	return filepath.Join(c.ConfigDir, "beak.conf")
}

// CacheDirFor returns the cache subdirectory of one storage, named after its
// sanitized URL so distinct storages never share segment caches.
func (c *Context) CacheDirFor(storageURL string) string {
	return filepath.Join(c.CacheDir, SanitizeURL(storageURL))
}

// SanitizeURL maps a storage location to a filename-safe form.
func SanitizeURL(url string) string {
	var b strings.Builder
	for _, r := range url {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
