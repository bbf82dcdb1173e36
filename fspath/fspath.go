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

// Package fspath interns slash-separated paths behind a process-wide table.
// Two Paths are the same pointer iff they are the same string, so maps keyed
// by *Path behave like maps keyed by the canonical string but compare in O(1).
package fspath

import (
	gopath "path"
	"strings"
	"sync"
)

type Path struct {
	str   string
	comps []string
}

var (
	muTable sync.Mutex
	table   map[string]*Path = make(map[string]*Path)
)

// Lookup interns the canonical form of s. The empty string and "/" both
// intern to the root. Paths always carry a leading separator.
func Lookup(s string) *Path {
	if s == "" {
		s = "/"
	}
	if !strings.HasPrefix(s, "/") {
		s = "/" + s
	}
	s = gopath.Clean(s)

	muTable.Lock()
	defer muTable.Unlock()

	if p, ok := table[s]; ok {
		return p
	}

	p := &Path{str: s}
	if s != "/" {
		p.comps = strings.Split(s[1:], "/")
	}
	table[s] = p
	return p
}

// Root returns the interned root path.
func Root() *Path {
	return Lookup("/")
}

func (p *Path) String() string {
	return p.str
}

// Name returns the last component, or "/" for the root.
func (p *Path) Name() string {
	if len(p.comps) == 0 {
		return "/"
	}
	return p.comps[len(p.comps)-1]
}

func (p *Path) Depth() int {
	return len(p.comps)
}

func (p *Path) IsRoot() bool {
	return len(p.comps) == 0
}

// Parent returns the interned parent path, or nil for the root.
func (p *Path) Parent() *Path {
	if p.IsRoot() {
		return nil
	}
	if len(p.comps) == 1 {
		return Root()
	}
	return Lookup("/" + strings.Join(p.comps[:len(p.comps)-1], "/"))
}

// Append returns the interned path with one more component.
func (p *Path) Append(name string) *Path {
	if p.IsRoot() {
		return Lookup("/" + name)
	}
	return Lookup(p.str + "/" + name)
}

// Prepend roots p under root: Lookup("/a/b").Prepend(Lookup("/r")) is /r/a/b.
func (p *Path) Prepend(root *Path) *Path {
	if root == nil || root.IsRoot() {
		return p
	}
	if p.IsRoot() {
		return root
	}
	return Lookup(root.str + p.str)
}

// UnRoot strips the leading separator, yielding the relative form used for
// tar member names and hard-link targets.
func (p *Path) UnRoot() string {
	if p.IsRoot() {
		return ""
	}
	return p.str[1:]
}

// Subpath drops the first n components: Lookup("/a/b/c").Subpath(1) is /b/c.
func (p *Path) Subpath(n int) *Path {
	if n <= 0 {
		return p
	}
	if n >= len(p.comps) {
		return Root()
	}
	return Lookup("/" + strings.Join(p.comps[n:], "/"))
}

// BelowOrEqual reports whether p is root, equal to, or a descendant of root.
func (p *Path) BelowOrEqual(root *Path) bool {
	if root.IsRoot() || p == root {
		return true
	}
	return strings.HasPrefix(p.str, root.str+"/")
}

// CommonPrefix returns the deepest interned path that is an ancestor (or
// equal) of both a and b. The root is always common.
func CommonPrefix(a, b *Path) *Path {
	n := len(a.comps)
	if len(b.comps) < n {
		n = len(b.comps)
	}
	i := 0
	for i < n && a.comps[i] == b.comps[i] {
		i++
	}
	if i == 0 {
		return Root()
	}
	return Lookup("/" + strings.Join(a.comps[:i], "/"))
}

// Compare orders paths depth-first: components compare elementwise and a
// parent always precedes its children. It never consults platform collation.
func Compare(a, b *Path) int {
	if a == b {
		return 0
	}
	n := len(a.comps)
	if len(b.comps) < n {
		n = len(b.comps)
	}
	for i := 0; i < n; i++ {
		if a.comps[i] != b.comps[i] {
			if a.comps[i] < b.comps[i] {
				return -1
			}
			return 1
		}
	}
	if len(a.comps) < len(b.comps) {
		return -1
	}
	return 1
}

// Less is Compare < 0, for sort callbacks.
func Less(a, b *Path) bool {
	return Compare(a, b) < 0
}
