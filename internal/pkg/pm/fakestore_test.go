// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package pm

import (
	"github.com/linyaps/linglong/internal/pkg/store"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
)

// fakeStore is an in-memory store.Store good enough to exercise Manager's
// orchestration logic without touching the filesystem.
type fakeStore struct {
	remote    []pkginfo.PackageInfo
	local     map[string]pkginfo.PackageInfo // key: id+module
	exported  map[string]bool
	pullCalls []string
	failPull  string // module name that always fails to pull
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		local:    make(map[string]pkginfo.PackageInfo),
		exported: make(map[string]bool),
	}
}

func key(id, module string) string { return id + "/" + module }

func (s *fakeStore) Pull(task store.Task, ref refs.Reference, module string) error {
	s.pullCalls = append(s.pullCalls, key(ref.ID, module))
	if module == s.failPull {
		return apierror.IOf("simulated pull failure for %s", module)
	}
	for _, info := range s.remote {
		if info.ID == ref.ID {
			info.Module = module
			s.local[key(ref.ID, module)] = info
			return nil
		}
	}
	return apierror.NotFoundf("%s not found on remote", ref.ID)
}

func (s *fakeStore) Checkout(ref refs.Reference, module, destDir string) error { return nil }

func (s *fakeStore) ImportLayerDir(dir string, subRef string) (refs.Reference, error) {
	return refs.Reference{}, nil
}

func (s *fakeStore) Remove(ref refs.Reference, module, subRef string) error {
	delete(s.local, key(ref.ID, module))
	return nil
}

func (s *fakeStore) Prune() error { return nil }

func (s *fakeStore) MergeModules(ref refs.Reference, modules []string) error { return nil }

func (s *fakeStore) ClearReference(fuzzy refs.FuzzyReference, opts store.ClearOptions) (refs.Reference, error) {
	for _, info := range s.remote {
		if info.ID == fuzzy.ID {
			arch := refs.Arch("")
			if len(info.Arch) > 0 {
				arch = info.Arch[0]
			}
			return refs.Reference{
				Channel: info.Channel, ID: info.ID, Version: info.Version,
				Arch: arch, Module: refs.ModuleBinary,
			}, nil
		}
	}
	return refs.Reference{}, apierror.NotFoundf("%s not found", fuzzy.ID)
}

func (s *fakeStore) ListLocal() ([]pkginfo.PackageInfo, error) {
	var out []pkginfo.PackageInfo
	for _, info := range s.local {
		out = append(out, info)
	}
	return out, nil
}

func (s *fakeStore) ListRemote(fuzzy refs.FuzzyReference) ([]pkginfo.PackageInfo, error) {
	return s.remote, nil
}

func (s *fakeStore) ExportReference(ref refs.Reference) error {
	s.exported[ref.ID] = true
	return nil
}

func (s *fakeStore) UnexportReference(ref refs.Reference) error {
	delete(s.exported, ref.ID)
	return nil
}

func (s *fakeStore) GetMergedModuleDir(ref refs.Reference, modules []string) (string, error) {
	return "/fake/" + ref.ID, nil
}

func (s *fakeStore) GetConfig() store.Config        { return store.Config{} }
func (s *fakeStore) SetConfig(cfg store.Config) error { return nil }
func (s *fakeStore) NeedsMigrate() bool               { return false }
