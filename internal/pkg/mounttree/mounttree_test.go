// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package mounttree

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSelfAdjustSynthesisesTmpfs covers  scenario 5: a base layer
// has read-only /usr/lib but lacks /usr/lib/foo; the fix must synthesise a
// tmpfs at /usr/lib, bind every pre-existing entry of the real /usr/lib
// individually, and still carry the originally requested /usr/lib/foo
// bind.
func TestSelfAdjustSynthesisesTmpfs(t *testing.T) {
	tree := New()
	tree.Insert(specs.Mount{
		Source: "/host/base", Destination: "/", Type: "bind",
	})
	tree.Insert(specs.Mount{
		Source: "/host/base/usr/lib/foo", Destination: "/usr/lib/foo", Type: "bind",
	})

	existing := map[string]bool{
		"/host/base":         true,
		"/host/base/usr/lib": true,
	}
	entries := map[string][]DirEntry{
		"/host/base/usr/lib": {{Name: "libc.so"}, {Name: "libm.so"}},
	}

	exists := func(p string) bool { return existing[p] }
	readDir := func(p string) ([]DirEntry, error) { return entries[p], nil }

	require.NoError(t, tree.Adjust(exists, readDir))

	mounts := tree.BFSMounts()
	var sawTmpfs, sawLibc, sawFoo bool
	for _, m := range mounts {
		switch m.Destination {
		case "/usr/lib":
			sawTmpfs = m.Type == "tmpfs"
		case "/usr/lib/libc.so":
			sawLibc = true
		case "/usr/lib/foo":
			sawFoo = true
		}
	}
	assert.True(t, sawTmpfs, "expected a synthesised tmpfs mount at /usr/lib")
	assert.True(t, sawLibc, "expected libc.so to be individually bound from the existing host dir")
	assert.True(t, sawFoo, "expected the originally requested /usr/lib/foo bind to survive")
}

// TestSelfAdjustSkipsHomeAndTmp covers the rule that binds sourced from the
// user's real /home or /tmp are never candidates for the fix, even when the
// base layer itself is read-only: their own destinations are checked
// against the base, but nothing mounted beneath them is.
func TestSelfAdjustSkipsHomeAndTmp(t *testing.T) {
	tree := New()
	tree.Insert(specs.Mount{Source: "/host/base", Destination: "/", Type: "bind"})
	tree.Insert(specs.Mount{Source: "/tmp/work", Destination: "/work", Type: "bind"})
	tree.Insert(specs.Mount{Source: "/host/cache", Destination: "/work/cache", Type: "bind"})
	tree.Insert(specs.Mount{Source: "/home/alice", Destination: "/home/alice", Type: "bind"})
	tree.Insert(specs.Mount{Source: "/host/docs", Destination: "/home/alice/docs", Type: "bind"})

	var checked []string
	exists := func(p string) bool { checked = append(checked, p); return true }
	readDir := func(p string) ([]DirEntry, error) { return nil, nil }

	require.NoError(t, tree.Adjust(exists, readDir))
	assert.Equal(t, []string{"/host/base/home/alice", "/host/base/work"}, checked,
		"mounts beneath home/tmp-sourced binds must never trigger an existence check")
}

// TestSelfAdjustUsesNearestMountedAncestor covers the rule that a deeper
// explicit mount (not just the container root) establishes its own base for
// everything mounted beneath it: a mount nested under an app layer must be
// checked for existence against the app layer's own source, not the base
// layer's.
func TestSelfAdjustUsesNearestMountedAncestor(t *testing.T) {
	tree := New()
	tree.Insert(specs.Mount{Source: "/host/base", Destination: "/", Type: "bind"})
	tree.Insert(specs.Mount{Source: "/host/app", Destination: "/opt/apps/app", Type: "none"})
	tree.Insert(specs.Mount{Source: "/host/app/data/nested", Destination: "/opt/apps/app/data/nested", Type: "bind"})

	existing := map[string]bool{
		"/host/base":          true,
		"/host/base/opt/apps": true,
		"/host/app":           true,
		"/host/app/data":      true,
	}
	exists := func(p string) bool { return existing[p] }
	readDir := func(p string) ([]DirEntry, error) { return nil, nil }

	require.NoError(t, tree.Adjust(exists, readDir))

	var sawSyntheticAppData bool
	for _, m := range tree.BFSMounts() {
		if m.Destination == "/opt/apps/app/data" && m.Type == "tmpfs" {
			sawSyntheticAppData = true
		}
	}
	// Had the fix wrongly checked "/host/base/opt/apps/app/data/nested"
	// instead of "/host/app/data/nested", it would never find an existing
	// ancestor rooted under /host/app at all, and this tmpfs would never
	// appear at this exact path.
	assert.True(t, sawSyntheticAppData, "the nested mount's missing parent must be synthesised relative to the app mount's own source")
}

// TestBFSOrderIsParentBeforeChild covers the  invariant: "For every
// mount destination d in the output config, the mount order ensures that
// the parent of d (in its final rootfs) exists before d is mounted."
func TestBFSOrderIsParentBeforeChild(t *testing.T) {
	tree := New()
	tree.Insert(specs.Mount{Source: "/a", Destination: "/a", Type: "bind"})
	tree.Insert(specs.Mount{Source: "/a/b", Destination: "/a/b", Type: "bind"})
	tree.Insert(specs.Mount{Source: "/a/b/c", Destination: "/a/b/c", Type: "bind"})

	mounts := tree.BFSMounts()
	pos := map[string]int{}
	for i, m := range mounts {
		pos[m.Destination] = i
	}
	assert.Less(t, pos["/a"], pos["/a/b"])
	assert.Less(t, pos["/a/b"], pos["/a/b/c"])
}
