// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package runtimeconfig resolves the process-wide, read-once configuration
// every component needs at startup: the LINGLONG_ROOT directory layout and
// the OCI runtime executable to invoke. Both are read once by the owning
// binary's main() and passed down as an immutable value, rather than
// re-read from the environment at every call site.
package runtimeconfig

import (
	"os"
	"path/filepath"
)

// DefaultRoot is used when LINGLONG_ROOT is unset.
const DefaultRoot = "/var/lib/linglong"

// DefaultOCIRuntime is used when neither LINGLONG_OCI_RUNTIME nor
// LINGLONG_DEFAULT_OCI_RUNTIME is set.
const DefaultOCIRuntime = "crun"

// Root is the resolved LINGLONG_ROOT directory layout.
type Root struct {
	Base string // LINGLONG_ROOT itself

	RepoDir   string // Base/repo, the content-addressed store
	LayersDir string // Base/layers, host-visible checkouts
	CacheDir  string // Base/cache, transient
}

// ResolveRoot reads LINGLONG_ROOT from the environment (falling back to
// DefaultRoot) and derives the fixed sub-directory layout underneath it.
func ResolveRoot() Root {
	base := os.Getenv("LINGLONG_ROOT")
	if base == "" {
		base = DefaultRoot
	}
	return Root{
		Base:      base,
		RepoDir:   filepath.Join(base, "repo"),
		LayersDir: filepath.Join(base, "layers"),
		CacheDir:  filepath.Join(base, "cache"),
	}
}

// EnsureDirs creates every directory in the layout that does not yet exist.
func (r Root) EnsureDirs() error {
	for _, d := range []string{r.Base, r.RepoDir, r.LayersDir, r.CacheDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// BuilderCacheDir is the builder's own transient cache, rooted under
// $XDG_CACHE_HOME rather than LINGLONG_ROOT since the builder commonly runs
// unprivileged.
func BuilderCacheDir() string {
	cache := os.Getenv("XDG_CACHE_HOME")
	if cache == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cache = filepath.Join(home, ".cache")
		}
	}
	return filepath.Join(cache, "linglong-builder")
}

// OCIRuntime resolves which OCI runtime executable to invoke, honouring
// LINGLONG_OCI_RUNTIME first and LINGLONG_DEFAULT_OCI_RUNTIME second, so a
// site-wide default can be overridden per-invocation.
func OCIRuntime() string {
	if v := os.Getenv("LINGLONG_OCI_RUNTIME"); v != "" {
		return v
	}
	if v := os.Getenv("LINGLONG_DEFAULT_OCI_RUNTIME"); v != "" {
		return v
	}
	return DefaultOCIRuntime
}

// UABDebug reports whether LINGLONG_UAB_DEBUG is set, in which case the UAB
// loader must not remove its container bundle directory on exit.
func UABDebug() bool {
	return os.Getenv("LINGLONG_UAB_DEBUG") != ""
}

// BuilderDebug reports whether LINGLONG_DEBUG is set, in which case build
// working directories are kept on failure instead of being removed.
func BuilderDebug() bool {
	return os.Getenv("LINGLONG_DEBUG") != ""
}

// FetchCacheDir resolves LINGLONG_FETCH_CACHE, the optional override for
// where the builder's source-fetch stage caches downloads, falling back to
// Root.CacheDir/fetch when unset.
func FetchCacheDir(root Root) string {
	if v := os.Getenv("LINGLONG_FETCH_CACHE"); v != "" {
		return v
	}
	return filepath.Join(root.CacheDir, "fetch")
}
