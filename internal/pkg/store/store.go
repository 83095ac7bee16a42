// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package store defines the content-addressed layer store contract
// consumed by C2-C5: pull, checkout, import, remove, merge, list and
// exportRef. internal/pkg/store/localstore is the one concrete,
// filesystem-backed implementation so the rest of the tree is testable
// end-to-end without a real remote repository.
package store

import (
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
)

// Task is the subset of the package manager's task object the store needs:
// byte-level progress reporting and cooperative cancellation. Pull
// implementations must poll Canceled() between chunks and stop promptly.
type Task interface {
	UpdateProgress(fetched, requested int64)
	Canceled() bool
}

// noopTask is used by callers (the builder, tests) that have no task object
// of their own to proxy progress through.
type noopTask struct{}

func (noopTask) UpdateProgress(int64, int64) {}
func (noopTask) Canceled() bool              { return false }

// NoopTask is a Task that reports no progress and is never canceled.
var NoopTask Task = noopTask{}

// ClearOptions parameterises ClearReference's local-vs-remote resolution.
type ClearOptions struct {
	ForceRemote     bool // always resolve against the remote, ignoring any local match
	FallbackToRemote bool // consult the remote only if no local match exists
}

// Config is the store's own persisted configuration (repo path, default
// remote, etc.), round-tripped via GetConfig/SetConfig.
type Config struct {
	RepoDir      string            `json:"repoDir"`
	DefaultRepo  string            `json:"defaultRepo,omitempty"`
	Remotes      map[string]string `json:"remotes,omitempty"` // name -> URL
}

// Store is the full contract of the content-addressed layer store.
type Store interface {
	// Pull fetches ref's module from the configured remote into the local
	// store, blocking until done. Progress is proxied through task;
	// task.Canceled() is polled between chunks.
	Pull(task Task, ref refs.Reference, module string) error

	// Checkout materialises a layer already present locally into destDir.
	// It fails with apierror.NotFound if the layer is absent locally.
	Checkout(ref refs.Reference, module, destDir string) error

	// ImportLayerDir copies a prepared layer directory (produced by the
	// builder's commit stage or an extracted .layer file) into the store,
	// returning the Reference it was imported under. subRef, when
	// non-empty, namespaces the import under e.g. "minified/<uab-uuid>"
	// instead of overwriting an existing complete version.
	ImportLayerDir(dir string, subRef string) (refs.Reference, error)

	// Remove deletes ref's module (optionally a specific subRef) from the
	// local store.
	Remove(ref refs.Reference, module, subRef string) error

	// Prune removes any store-internal orphaned state left over from
	// interrupted imports.
	Prune() error

	// MergeModules produces (or refreshes) the merged view of ref's
	// modules used by GetMergedModuleDir.
	MergeModules(ref refs.Reference, modules []string) error

	// ClearReference resolves fuzzy to one concrete Reference, honouring
	// opts's local-vs-remote preference.
	ClearReference(fuzzy refs.FuzzyReference, opts ClearOptions) (refs.Reference, error)

	// ListLocal lists every PackageInfo present in the local store.
	ListLocal() ([]pkginfo.PackageInfo, error)

	// ListRemote queries the remote for every PackageInfo matching fuzzy.
	ListRemote(fuzzy refs.FuzzyReference) ([]pkginfo.PackageInfo, error)

	// ExportReference creates host-visible desktop entries (entries/)
	// for ref; UnexportReference removes them.
	ExportReference(ref refs.Reference) error
	UnexportReference(ref refs.Reference) error

	// GetMergedModuleDir returns the directory holding the merged view of
	// ref across the given modules (or every module when modules is nil).
	GetMergedModuleDir(ref refs.Reference, modules []string) (string, error)

	GetConfig() Config
	SetConfig(cfg Config) error

	// NeedsMigrate reports whether ll-builder migrate / the package
	// manager's startup path must run a data-migration hook before the
	// store can be used.
	NeedsMigrate() bool
}
