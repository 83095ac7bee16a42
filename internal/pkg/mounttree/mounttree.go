// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package mounttree implements the MountTree prefix tree and the
// self-adjusting mount algorithm used by the
// container config builder to make a read-only base/runtime rootfs
// writable exactly where a requested mount needs it.
//
// Mounts are assembled as an ordered list of specs.Mount built up by a
// sequence of add*Mount helpers in the container config builder; the
// prefix-tree walk itself is local to this package.
package mounttree

import (
	"path/filepath"
	"sort"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Node is one path component of the destination prefix tree.
type Node struct {
	Name              string
	ReadonlyInherited bool
	MountIndex        int // -1 when this node is not itself a mount
	Children          map[string]*Node
}

func newNode(name string) *Node {
	return &Node{Name: name, MountIndex: -1, Children: map[string]*Node{}}
}

// Tree is the root of the MountTree.
type Tree struct {
	root   *Node
	mounts []specs.Mount
}

// New builds an empty Tree.
func New() *Tree {
	return &Tree{root: newNode("/")}
}

// splitPath splits an absolute destination into clean, non-empty
// components.
func splitPath(dest string) []string {
	clean := filepath.Clean(dest)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "." || clean == "" {
		return nil
	}
	return strings.Split(clean, "/")
}

// isWritableByConvention reports whether a host source path is always
// treated as writable and therefore exempt from the self-adjusting fix:
// paths under /home and /tmp are the user's real host directories.
func isWritableByConvention(source string) bool {
	return strings.HasPrefix(source, "/home/") || strings.HasPrefix(source, "/tmp/")
}

// isReadonlyBind reports whether a mount is a candidate for the self-
// adjusting fix: only "bind"/"none"-typed mounts are ever fixed up, and
// never ones sourced from the user's real home or tmp directory.
func isReadonlyBind(m specs.Mount) bool {
	if m.Type != "bind" && m.Type != "none" {
		return false
	}
	return !isWritableByConvention(m.Source)
}

// Insert records mount m's destination in the tree and keeps its host
// source around for the self-adjusting walk. Mounts must be inserted in
// the order they will ultimately be emitted; later mounts at the same
// destination override earlier ones.
func (t *Tree) Insert(m specs.Mount) {
	idx := len(t.mounts)
	t.mounts = append(t.mounts, m)

	parts := splitPath(m.Destination)
	if len(parts) == 0 {
		// A mount at "/" (the container root itself) has no path
		// component to key into the tree; record its source as the root
		// node's own host-path base so descendants can still compute
		// host-relative candidates during the self-adjusting walk.
		t.root.MountIndex = idx
		t.root.ReadonlyInherited = isReadonlyBind(m)
		return
	}

	node := t.root
	for i, part := range parts {
		child, ok := node.Children[part]
		if !ok {
			child = newNode(part)
			node.Children[part] = child
		}
		isLeaf := i == len(parts)-1
		if isLeaf {
			child.MountIndex = idx
			child.ReadonlyInherited = isReadonlyBind(m)
		}
		node = child
	}
}

// Mounts returns the mounts recorded so far, in insertion order, before any
// self-adjusting fix has been applied.
func (t *Tree) Mounts() []specs.Mount {
	return append([]specs.Mount{}, t.mounts...)
}

// existsFn abstracts os.Stat so the algorithm is independently testable.
type existsFn func(path string) bool

// Adjust runs the self-adjusting mount algorithm in place: for every mount
// destination whose nearest mounted ancestor is itself read-only and whose
// corresponding host path does not exist under that ancestor's source, it
// walks further up until it finds an ancestor directory that does exist,
// replaces that ancestor's subtree with a tmpfs mount, and binds each of
// the existing host directory's direct children individually (preserving
// symlinks via "copy-symlink").
//
// readDir lists the direct entries of a host directory (name, isSymlink).
func (t *Tree) Adjust(exists existsFn, readDir func(path string) ([]DirEntry, error)) error {
	rootBase := ""
	rootWritable := true
	if t.root.MountIndex >= 0 {
		rootBase = t.mounts[t.root.MountIndex].Source
		rootWritable = !isReadonlyBind(t.mounts[t.root.MountIndex])
	}
	return t.adjustNode(t.root, "/", "/", rootBase, rootWritable, exists, readDir)
}

// DirEntry is one entry of a host directory scanned during the fix.
type DirEntry struct {
	Name      string
	IsSymlink bool
}

// hostCandidate maps destPath to its corresponding host path under the
// nearest mounted ancestor: ancestorDestPath is a prefix of destPath, and
// ancestorHostBase is that ancestor's own host Source.
func hostCandidate(ancestorDestPath, ancestorHostBase, destPath string) string {
	if ancestorDestPath == "/" {
		return filepath.Join(ancestorHostBase, destPath)
	}
	return filepath.Join(ancestorHostBase, strings.TrimPrefix(destPath, ancestorDestPath))
}

// adjustNode walks the tree depth-first, tracking the nearest mounted
// ancestor's own destination path, host Source, and whether it is writable.
// A node's existence is always checked relative to that ancestor — not the
// container rootfs root in general — since a deeper explicit mount (e.g. an
// app or runtime layer bound partway down the tree) establishes its own
// base for everything mounted beneath it. If the nearest ancestor is
// writable, nothing under it can be missing in a way that matters, so the
// check is skipped entirely.
func (t *Tree) adjustNode(n *Node, destPath, ancestorDestPath, ancestorHostBase string, ancestorWritable bool, exists existsFn, readDir func(string) ([]DirEntry, error)) error {
	nextDestPath, nextHostBase, nextWritable := ancestorDestPath, ancestorHostBase, ancestorWritable

	if n.MountIndex >= 0 && destPath != "/" {
		m := t.mounts[n.MountIndex]
		if !ancestorWritable {
			candidate := hostCandidate(ancestorDestPath, ancestorHostBase, destPath)
			if !exists(candidate) {
				if err := t.fixMissingAncestor(destPath, ancestorDestPath, ancestorHostBase, exists, readDir); err != nil {
					return err
				}
			}
		}
		// This node is itself a mount point: it becomes the reference
		// ancestor for everything mounted beneath it, regardless of
		// whether the fix above ran.
		nextDestPath = destPath
		nextHostBase = m.Source
		nextWritable = !isReadonlyBind(m)
	}

	// sort children for deterministic traversal (and deterministic BFS
	// emission order downstream)
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := n.Children[name]
		childDest := destPath
		if childDest == "/" {
			childDest = "/" + name
		} else {
			childDest = destPath + "/" + name
		}
		if err := t.adjustNode(child, childDest, nextDestPath, nextHostBase, nextWritable, exists, readDir); err != nil {
			return err
		}
	}
	return nil
}

// fixMissingAncestor implements the "walk further up" + synthesise-tmpfs +
// per-child-bind behaviour once a missing host path is detected at destPath,
// relative to the nearest mounted ancestor (ancestorDestPath / hostBase).
func (t *Tree) fixMissingAncestor(destPath, ancestorDestPath, ancestorHostBase string, exists existsFn, readDir func(string) ([]DirEntry, error)) error {
	// Walk up destPath, testing ancestor-relative candidates, until one
	// exists.
	dir := destPath
	for {
		parent := filepath.Dir(dir)
		if parent == dir || len(parent) < len(ancestorDestPath) {
			// reached the ancestor's own root without finding an existing
			// intermediate directory; nothing further can be synthesised,
			// leave as-is (the runtime will surface ENOENT, matching an
			// intentionally-missing mount point request).
			return nil
		}
		candidate := hostCandidate(ancestorDestPath, ancestorHostBase, parent)
		if exists(candidate) {
			entries, err := readDir(candidate)
			if err != nil {
				return err
			}
			// Replace the subtree rooted at parent with a synthesised
			// tmpfs mount; a later explicit mount at the same path still
			// masks it below.
			t.mounts = append(t.mounts, specs.Mount{
				Destination: parent,
				Type:        "tmpfs",
				Source:      "tmpfs",
				Options:     []string{"nosuid", "nodev", "mode=0755"},
			})
			tmpfsIdx := len(t.mounts) - 1
			parentNode := t.nodeAt(parent)
			parentNode.MountIndex = tmpfsIdx
			parentNode.ReadonlyInherited = false

			for _, e := range entries {
				childDest := filepath.Join(parent, e.Name)
				opts := []string{"rbind", "nosuid", "nodev", "ro"}
				if e.IsSymlink {
					opts = append(opts, "copy-symlink")
				}
				t.mounts = append(t.mounts, specs.Mount{
					Destination: childDest,
					Type:        "none",
					Source:      filepath.Join(candidate, e.Name),
					Options:     opts,
				})
				idx := len(t.mounts) - 1
				childNode := t.nodeAt(childDest)
				// Do not override a node that already has a real mount
				// requested by the caller at this exact path: the later,
				// explicit mount wins (tie-break rule). Only fill nodes
				// that were not already explicit mount destinations.
				if childNode.MountIndex == -1 {
					childNode.MountIndex = idx
					childNode.ReadonlyInherited = true
				} else {
					// Mask the fix-generated mount by emptying its type;
					// the previously-inserted explicit mount stands.
					t.mounts[idx].Type = ""
				}
			}
			return nil
		}
		dir = parent
	}
}

// nodeAt returns (creating as needed) the node at absolute path p.
func (t *Tree) nodeAt(p string) *Node {
	parts := splitPath(p)
	node := t.root
	for _, part := range parts {
		child, ok := node.Children[part]
		if !ok {
			child = newNode(part)
			node.Children[part] = child
		}
		node = child
	}
	return node
}

// BFSMounts performs a breadth-first traversal of the tree, emitting the
// mount at each reached node in level order, skipping nodes whose mount was
// masked (Type == "") and any node that is not itself a mount (an
// interior path component with no mount_index).
func (t *Tree) BFSMounts() []specs.Mount {
	type queued struct {
		node *Node
	}
	out := []specs.Mount{}
	queue := []queued{{t.root}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.node.MountIndex >= 0 {
			m := t.mounts[cur.node.MountIndex]
			if m.Type != "" {
				out = append(out, m)
			}
		}

		names := make([]string, 0, len(cur.node.Children))
		for name := range cur.node.Children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			queue = append(queue, queued{cur.node.Children[name]})
		}
	}
	return out
}
