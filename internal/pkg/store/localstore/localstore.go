// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package localstore is a filesystem-backed implementation of
// internal/pkg/store.Store: the local store is one directory tree keyed by
// (channel, id, version, arch, module[, subRef]); "remote" is modelled as a
// second such tree (a real implementation would talk to an OSTree/registry
// remote, but the contract is identical from C2-C5's point of view, which
// is the whole point of store.Store being an interface). Grounded on the
// teacher's own layered, content-addressed SIF cache directory conventions
// (one subdirectory per cache entry, atomic rename-into-place on import).
package localstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/otiai10/copy"

	"github.com/linyaps/linglong/internal/pkg/store"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
	"github.com/linyaps/linglong/pkg/sylog"
)

// Store is the localstore implementation of store.Store.
type Store struct {
	cfg store.Config

	// RemoteDir, when set, is a second directory tree with the same
	// layout as the local one; Pull/ListRemote copy out of it. This
	// models the store's own internal locking and "assumed" remote
	// without pulling in a full registry client, matching the
	// "content-addressed layer store itself ... assumed to provide
	// import/pull/checkout/remove/merge/exportRef" contract.
	RemoteDir string
}

// New constructs a Store rooted at cfg.RepoDir. cfg.RepoDir is created if
// absent.
func New(cfg store.Config) (*Store, error) {
	if cfg.RepoDir == "" {
		return nil, apierror.Validationf("localstore: RepoDir must not be empty")
	}
	if err := os.MkdirAll(cfg.RepoDir, 0o755); err != nil {
		return nil, apierror.Wrap(err, "creating store repo dir")
	}
	return &Store{cfg: cfg}, nil
}

// layerPath returns the on-disk directory for (ref, module, subRef).
func (s *Store) layerPath(ref refs.Reference, module, subRef string) string {
	parts := []string{s.cfg.RepoDir, ref.Channel, ref.ID, ref.Version.String(), string(ref.Arch)}
	if module == "" {
		module = ref.Module
	}
	parts = append(parts, module)
	if subRef != "" {
		parts = append(parts, "sub", filepath.FromSlash(subRef))
	}
	return filepath.Join(parts...)
}

// refLock returns an advisory file lock covering mutations to ref's whole
// version directory, serialising concurrent imports/removes of the same
// (channel,id,version,arch) tuple across processes.
func (s *Store) refLock(ref refs.Reference) *flock.Flock {
	dir := filepath.Join(s.cfg.RepoDir, ref.Channel, ref.ID, ref.Version.String(), string(ref.Arch))
	_ = os.MkdirAll(dir, 0o755)
	return flock.New(filepath.Join(dir, ".lock"))
}

func (s *Store) Pull(task store.Task, ref refs.Reference, module string) error {
	if task == nil {
		task = store.NoopTask
	}
	if s.RemoteDir == "" {
		return apierror.NotFoundf("no remote configured, cannot pull %s", ref)
	}
	src := remoteLayerPath(s.RemoteDir, ref, module)
	if _, err := os.Stat(src); err != nil {
		return apierror.AppNotFoundFromRemote("%s/%s not found on remote", ref, module)
	}

	lock := s.refLock(ref)
	if err := lock.Lock(); err != nil {
		return apierror.Wrap(err, "locking store reference")
	}
	defer lock.Unlock()

	dest := s.layerPath(ref, module, "")
	size, _ := dirSize(src)
	task.UpdateProgress(0, size)
	// Cancellation is checked once, before the copy; the copy itself runs
	// to completion in one call and is not interrupted.
	if task.Canceled() {
		return apierror.Canceledf("pull of %s/%s canceled", ref, module)
	}
	if err := copyTree(src, dest); err != nil {
		return apierror.Wrap(err, "pulling layer from remote")
	}
	task.UpdateProgress(size, size)
	return nil
}

func remoteLayerPath(remoteDir string, ref refs.Reference, module string) string {
	if module == "" {
		module = ref.Module
	}
	return filepath.Join(remoteDir, ref.Channel, ref.ID, ref.Version.String(), string(ref.Arch), module)
}

func (s *Store) Checkout(ref refs.Reference, module, destDir string) error {
	src := s.layerPath(ref, module, "")
	if _, err := os.Stat(src); err != nil {
		return apierror.NotFoundf("%s/%s is not present locally", ref, module)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return apierror.Wrap(err, "creating checkout destination")
	}
	if err := copyTree(src, destDir); err != nil {
		return apierror.Wrap(err, "checking out layer")
	}
	return nil
}

func (s *Store) ImportLayerDir(dir string, subRef string) (refs.Reference, error) {
	info, err := pkginfo.Load(filepath.Join(dir, "info.json"))
	if err != nil {
		return refs.Reference{}, apierror.Wrap(err, "reading layer info.json for import")
	}
	ref := refs.Reference{
		Channel: info.Channel,
		ID:      info.ID,
		Version: info.Version,
		Module:  info.Module,
	}
	if ref.Channel == "" {
		ref.Channel = refs.DefaultChannel
	}
	arch, aerr := refs.ParseArch(currentArchString(info))
	if aerr != nil {
		return refs.Reference{}, aerr
	}
	ref.Arch = arch

	lock := s.refLock(ref)
	if err := lock.Lock(); err != nil {
		return refs.Reference{}, apierror.Wrap(err, "locking store reference")
	}
	defer lock.Unlock()

	dest := s.layerPath(ref, ref.Module, subRef)
	if err := os.RemoveAll(dest); err != nil {
		return refs.Reference{}, apierror.Wrap(err, "clearing previous import destination")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return refs.Reference{}, apierror.Wrap(err, "creating import destination")
	}
	// import via a temp-then-rename so a reader never observes a
	// partially-copied layer directory (spec  5's "Store mutations are
	// observed atomically by readers at import-granularity").
	tmp := dest + ".importing"
	_ = os.RemoveAll(tmp)
	if err := copyTree(dir, tmp); err != nil {
		return refs.Reference{}, apierror.Wrap(err, "copying layer into store")
	}
	if err := os.Rename(tmp, dest); err != nil {
		return refs.Reference{}, apierror.Wrap(err, "committing imported layer")
	}
	sylog.Debugf("imported %s into %s", ref, dest)
	return ref, nil
}

// currentArchString extracts the first declared arch from info, since
// PackageInfo.Arch is a multi-arch list but a layer directory on disk
// belongs to exactly one store entry.
func currentArchString(info *pkginfo.PackageInfo) string {
	if len(info.Arch) == 0 {
		return ""
	}
	return string(info.Arch[0])
}

func (s *Store) Remove(ref refs.Reference, module, subRef string) error {
	lock := s.refLock(ref)
	if err := lock.Lock(); err != nil {
		return apierror.Wrap(err, "locking store reference")
	}
	defer lock.Unlock()

	path := s.layerPath(ref, module, subRef)
	if err := os.RemoveAll(path); err != nil {
		return apierror.Wrap(err, "removing layer")
	}
	return nil
}

func (s *Store) Prune() error {
	return filepath.Walk(s.cfg.RepoDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() && strings.HasSuffix(path, ".importing") {
			sylog.Warningf("pruning orphaned import directory %s", path)
			return os.RemoveAll(path)
		}
		return nil
	})
}

func (s *Store) MergeModules(ref refs.Reference, modules []string) error {
	mergedDir := filepath.Join(s.cfg.RepoDir, ".merged", ref.Channel, ref.ID, ref.Version.String(), string(ref.Arch))
	if err := os.RemoveAll(mergedDir); err != nil {
		return apierror.Wrap(err, "clearing previous merged module dir")
	}
	if err := os.MkdirAll(mergedDir, 0o755); err != nil {
		return apierror.Wrap(err, "creating merged module dir")
	}
	if modules == nil {
		modules = []string{refs.ModuleBinary, refs.ModuleDevelop}
	}
	for _, m := range modules {
		src := filepath.Join(s.layerPath(ref, m, ""), "files")
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copy.Copy(src, filepath.Join(mergedDir, "files")); err != nil {
			return apierror.Wrap(err, "merging module "+m)
		}
	}
	return nil
}

func (s *Store) ClearReference(fuzzy refs.FuzzyReference, opts store.ClearOptions) (refs.Reference, error) {
	var candidates []refs.Reference
	var err error
	if !opts.ForceRemote {
		candidates, err = s.matchLocal(fuzzy)
		if err != nil {
			return refs.Reference{}, err
		}
	}
	if len(candidates) == 0 && (opts.ForceRemote || opts.FallbackToRemote) {
		remoteInfos, rerr := s.ListRemote(fuzzy)
		if rerr != nil {
			return refs.Reference{}, rerr
		}
		for _, info := range remoteInfos {
			r, cerr := referenceFromInfo(info)
			if cerr != nil {
				continue
			}
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return refs.Reference{}, apierror.AppNotFoundFromRemote("no layer matches %s", fuzzy)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Version.GreaterThan(candidates[j].Version) })
	return candidates[0], nil
}

func (s *Store) matchLocal(fuzzy refs.FuzzyReference) ([]refs.Reference, error) {
	infos, err := s.ListLocal()
	if err != nil {
		return nil, err
	}
	var out []refs.Reference
	for _, info := range infos {
		r, cerr := referenceFromInfo(info)
		if cerr != nil {
			continue
		}
		if fuzzy.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func referenceFromInfo(info pkginfo.PackageInfo) (refs.Reference, error) {
	if info.Channel == "" {
		info.Channel = refs.DefaultChannel
	}
	if len(info.Arch) == 0 {
		return refs.Reference{}, apierror.Validationf("package info for %s has no arch", info.ID)
	}
	arch, err := refs.ParseArch(string(info.Arch[0]))
	if err != nil {
		return refs.Reference{}, err
	}
	return refs.Reference{Channel: info.Channel, ID: info.ID, Version: info.Version, Arch: arch, Module: info.Module}, nil
}

func (s *Store) ListLocal() ([]pkginfo.PackageInfo, error) {
	return listInfos(s.cfg.RepoDir)
}

func (s *Store) ListRemote(fuzzy refs.FuzzyReference) ([]pkginfo.PackageInfo, error) {
	if s.RemoteDir == "" {
		return nil, nil
	}
	infos, err := listInfos(s.RemoteDir)
	if err != nil {
		return nil, err
	}
	var out []pkginfo.PackageInfo
	for _, info := range infos {
		r, cerr := referenceFromInfo(info)
		if cerr != nil {
			continue
		}
		if fuzzy.Matches(r) {
			out = append(out, info)
		}
	}
	return out, nil
}

func listInfos(root string) ([]pkginfo.PackageInfo, error) {
	var out []pkginfo.PackageInfo
	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() || fi.Name() != "info.json" {
			return nil
		}
		if strings.Contains(path, ".merged") || strings.Contains(path, ".importing") {
			return nil
		}
		info, lerr := pkginfo.Load(path)
		if lerr != nil {
			sylog.Warningf("skipping malformed info.json at %s: %v", path, lerr)
			return nil
		}
		out = append(out, *info)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, apierror.Wrap(err, "scanning store")
	}
	return out, nil
}

func (s *Store) ExportReference(ref refs.Reference) error {
	entries := filepath.Join(s.layerPath(ref, ref.Module, ""), "entries")
	if _, err := os.Stat(entries); err != nil {
		return nil // nothing to export
	}
	dest := filepath.Join(filepath.Dir(s.cfg.RepoDir), "layers", ref.ID, "entries")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apierror.Wrap(err, "creating export destination")
	}
	if err := copy.Copy(entries, dest); err != nil {
		return apierror.Wrap(err, "exporting host-visible entries")
	}
	return nil
}

func (s *Store) UnexportReference(ref refs.Reference) error {
	dest := filepath.Join(filepath.Dir(s.cfg.RepoDir), "layers", ref.ID, "entries")
	return os.RemoveAll(dest)
}

func (s *Store) GetMergedModuleDir(ref refs.Reference, modules []string) (string, error) {
	dir := filepath.Join(s.cfg.RepoDir, ".merged", ref.Channel, ref.ID, ref.Version.String(), string(ref.Arch))
	if _, err := os.Stat(dir); err != nil {
		if err := s.MergeModules(ref, modules); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (s *Store) GetConfig() store.Config { return s.cfg }

func (s *Store) SetConfig(cfg store.Config) error {
	s.cfg = cfg
	return os.MkdirAll(cfg.RepoDir, 0o755)
}

// NeedsMigrate always reports false for localstore: there is no legacy
// on-disk schema to migrate from, since this implementation was never
// anything but the current layout.
func (s *Store) NeedsMigrate() bool { return false }

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.Walk(dir, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !fi.IsDir() {
			size += fi.Size()
		}
		return nil
	})
	return size, err
}

func copyTree(src, dst string) error {
	return copy.Copy(src, dst)
}

// writeJSONAtomic writes data as indented JSON to path via a temp-file
// rename, used by callers that persist small sidecar metadata (minified.json)
// alongside a layer without risking a torn write.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteMinifiedJSON is exported so the package manager's install-from-UAB
// path can write {app-ref, uab-uuid} entries to a layer's sibling
// minified.json atomically. entries become the whole content of path;
// rows already in the file are replaced, not merged.
func WriteMinifiedJSON(path string, entries interface{}) error {
	return writeJSONAtomic(path, entries)
}
