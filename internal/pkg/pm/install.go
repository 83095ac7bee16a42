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

// Install resolves fuzzy to a concrete reference and pulls its full module
// set (runtime, base, app) into the local store, in that order, exporting
// desktop entries once the app module lands. It runs synchronously on the
// calling goroutine and returns the Task only once the install has
// succeeded or failed (callers that want async behaviour run Install in
// their own goroutine, matching how ll-cli's progress bar is driven).
func (m *Manager) Install(fuzzy refs.FuzzyReference, modules []string, onChange func(*Task)) (*Task, refs.Reference, error) {
	if len(modules) == 0 {
		modules = []string{refs.ModuleBinary}
	}

	task := NewTask(onChange)
	m.register(task)
	task.setStatus(StatusPreInstall, 0, "resolving reference")

	ref, err := m.Store.ClearReference(fuzzy, store.ClearOptions{FallbackToRemote: true})
	if err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, refs.Reference{}, err
	}

	key := lockKey(fuzzy, modules[0])
	lock := m.acquire(key)
	lock.Lock()
	defer lock.Unlock()

	rb := &rollback{}
	info, err := m.readRemoteInfo(ref)
	if err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, ref, err
	}

	if info.Runtime != nil {
		task.setStatus(StatusInstallRuntime, 10, "installing runtime "+info.Runtime.String())
		if task.checkCanceled() {
			return task, ref, apierror.Canceledf("install canceled")
		}
		rtRef := *info.Runtime
		if err := m.pullModules(task, rtRef, modules, rb); err != nil {
			rb.run()
			task.setStatus(StatusFailed, 10, err.Error())
			return task, ref, err
		}
	}

	if info.Base != nil {
		task.setStatus(StatusInstallBase, 35, "installing base "+info.Base.String())
		if task.checkCanceled() {
			rb.run()
			return task, ref, apierror.Canceledf("install canceled")
		}
		baseRef := *info.Base
		if err := m.pullModules(task, baseRef, modules, rb); err != nil {
			rb.run()
			task.setStatus(StatusFailed, 35, err.Error())
			return task, ref, err
		}
	}

	task.setStatus(StatusInstallApp, 60, "installing "+ref.String())
	if task.checkCanceled() {
		rb.run()
		return task, ref, apierror.Canceledf("install canceled")
	}
	if err := m.pullModules(task, ref, modules, rb); err != nil {
		rb.run()
		task.setStatus(StatusFailed, 60, err.Error())
		return task, ref, err
	}

	if info.Kind == pkginfo.KindApp {
		if err := m.Store.ExportReference(ref); err != nil {
			rb.run()
			task.setStatus(StatusFailed, 95, err.Error())
			return task, ref, err
		}
		rb.add(func() { _ = m.Store.UnexportReference(ref) })
	}

	task.setStatus(StatusSuccess, 100, "installed "+ref.String())
	return task, ref, nil
}

// pullModules pulls every module of ref that isn't already local, recording
// a compensating Remove for each successful pull.
func (m *Manager) pullModules(task *Task, ref refs.Reference, modules []string, rb *rollback) error {
	local, _ := m.Store.ListLocal()
	for _, module := range modules {
		if task.checkCanceled() {
			return apierror.Canceledf("install canceled")
		}
		present := false
		for _, info := range local {
			if info.ID == ref.ID && info.Module == module && info.Version.Compare(ref.Version) == 0 {
				present = true
				break
			}
		}
		if present {
			continue
		}
		if err := m.Store.Pull(task, ref, module); err != nil {
			return err
		}
		mod := module
		r := ref
		rb.add(func() { _ = m.Store.Remove(r, mod, "") })
	}
	if err := m.Store.MergeModules(ref, modules); err != nil {
		return err
	}
	return nil
}

// readRemoteInfo resolves ref's PackageInfo, consulting the local store
// first (a dependency may already be present) and falling back to a remote
// listing, since Pull itself doesn't return metadata.
func (m *Manager) readRemoteInfo(ref refs.Reference) (pkginfo.PackageInfo, error) {
	local, err := m.Store.ListLocal()
	if err == nil {
		for _, info := range local {
			if info.ID == ref.ID && info.Channel == ref.Channel {
				return info, nil
			}
		}
	}
	fuzzy := refs.FuzzyReference{ID: ref.ID, Channel: &ref.Channel, Version: &ref.Version}
	remote, err := m.Store.ListRemote(fuzzy)
	if err != nil {
		return pkginfo.PackageInfo{}, err
	}
	for _, info := range remote {
		if info.ID == ref.ID {
			return info, nil
		}
	}
	return pkginfo.PackageInfo{}, apierror.NotFoundf("package %s not found", ref.String())
}

// Uninstall removes ref's modules from the local store, unexporting its
// desktop entries first when it's an app.
func (m *Manager) Uninstall(ref refs.Reference, modules []string, onChange func(*Task)) (*Task, error) {
	if len(modules) == 0 {
		modules = []string{refs.ModuleBinary, refs.ModuleDevelop}
	}
	task := NewTask(onChange)
	m.register(task)
	task.setStatus(StatusPreInstall, 0, "uninstalling "+ref.String())

	key := lockKey(refs.FuzzyReference{ID: ref.ID}, modules[0])
	lock := m.acquire(key)
	lock.Lock()
	defer lock.Unlock()

	if err := m.Store.UnexportReference(ref); err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, err
	}
	for _, module := range modules {
		if err := m.Store.Remove(ref, module, ""); err != nil {
			if k, ok := apierror.Of(err); ok && k == apierror.NotFound {
				continue
			}
			task.setStatus(StatusFailed, 50, err.Error())
			return task, err
		}
	}
	task.setStatus(StatusSuccess, 100, "uninstalled "+ref.String())
	return task, nil
}

// Update resolves fuzzy against the remote for a newer version, installs it
// alongside the existing one, re-points exported entries at it, then
// best-effort removes the old version. If pointing entries at the new
// version fails, Update rolls back to the old export rather than leaving
// the app unreachable.
func (m *Manager) Update(old refs.Reference, onChange func(*Task)) (*Task, refs.Reference, error) {
	task := NewTask(onChange)
	m.register(task)
	task.setStatus(StatusPreInstall, 0, "checking for update to "+old.String())

	fuzzy := refs.FuzzyReference{ID: old.ID, Channel: &old.Channel}
	newRef, err := m.Store.ClearReference(fuzzy, store.ClearOptions{ForceRemote: true})
	if err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, old, err
	}
	if newRef.Version.Compare(old.Version) <= 0 {
		task.setStatus(StatusSuccess, 100, old.String()+" already up to date")
		return task, old, nil
	}

	installTask, ref, err := m.Install(fuzzy, []string{refs.ModuleBinary, refs.ModuleDevelop}, task.onChange)
	if err != nil {
		return installTask, old, err
	}
	task = installTask

	if err := m.Store.ExportReference(ref); err != nil {
		if restoreErr := m.Store.ExportReference(old); restoreErr != nil {
			task.setStatus(StatusFailed, 95, err.Error())
			return task, old, apierror.Wrap(restoreErr, "rolling back update export after: "+err.Error())
		}
		task.setStatus(StatusFailed, 95, err.Error())
		return task, old, err
	}
	_ = m.Store.UnexportReference(old)

	for _, module := range []string{refs.ModuleBinary, refs.ModuleDevelop} {
		_ = m.Store.Remove(old, module, "")
	}

	task.setStatus(StatusSuccess, 100, "updated "+old.String()+" to "+ref.String())
	return task, ref, nil
}
