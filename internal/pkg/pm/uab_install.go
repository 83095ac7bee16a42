// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package pm

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/linyaps/linglong/internal/pkg/store/localstore"
	"github.com/linyaps/linglong/internal/pkg/uabpack"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
	"github.com/linyaps/linglong/pkg/uab"
)

// minifiedEntry is one row appended to a dependency layer's sibling
// minified.json, recording which UAB brought in a trimmed copy of it so a
// later uninstall of that UAB can find and remove it again.
type minifiedEntry struct {
	AppRef string `json:"appRef"`
	UUID   string `json:"uuid"`
}

// InstallFromFile implements installing a .uab bundle directly, bypassing
// the remote: open and verify the bundle, mount its embedded EROFS image,
// then import each staged layer into the local store. Minified
// (dependency-closure-trimmed) base/runtime layers are imported under a
// uab-uuid-namespaced subRef so they never shadow a complete version of the
// same package pulled normally; the app layer, which is never minified, is
// imported last and under its real reference.
func (m *Manager) InstallFromFile(path string, onChange func(*Task)) (*Task, refs.Reference, error) {
	task := NewTask(onChange)
	m.register(task)
	task.setStatus(StatusPreInstall, 0, "opening "+path)

	bundle, err := uabpack.Open(path)
	if err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, refs.Reference{}, err
	}
	defer bundle.Close()

	if err := bundle.Verify(); err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, refs.Reference{}, err
	}

	appEntry, ok := bundle.Meta.AppLayer()
	if !ok {
		err := apierror.Validationf("uab %s carries no app layer", path)
		task.setStatus(StatusFailed, 0, err.Error())
		return task, refs.Reference{}, err
	}
	appRef := referenceFromInfo(appEntry.Info)

	key := lockKey(refs.FuzzyReference{ID: appRef.ID}, refs.ModuleBinary)
	lock := m.acquire(key)
	lock.Lock()
	defer lock.Unlock()

	workDir, err := os.MkdirTemp("", "ll-uab-install-*")
	if err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, appRef, apierror.Wrap(err, "preparing uab install workdir")
	}
	defer os.RemoveAll(workDir)

	imagePath := filepath.Join(workDir, "bundle.erofs")
	if err := bundle.ExtractSection(bundle.Meta.Sections.Bundle, imagePath); err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, appRef, err
	}
	mountPoint := filepath.Join(workDir, "mnt")
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, appRef, apierror.Wrap(err, "preparing uab mount point")
	}
	if err := mountErofs(imagePath, mountPoint); err != nil {
		task.setStatus(StatusFailed, 0, err.Error())
		return task, appRef, err
	}
	defer unmountErofs(mountPoint)

	rb := &rollback{}
	if rt, ok := bundle.Meta.RuntimeLayer(); ok {
		task.setStatus(StatusInstallRuntime, 20, "importing runtime "+rt.Info.ID)
		if err := m.importBundleLayer(mountPoint, rt, bundle.Meta.UUID, appRef, rb); err != nil {
			rb.run()
			task.setStatus(StatusFailed, 20, err.Error())
			return task, appRef, err
		}
	}
	if base, ok := bundle.Meta.BaseLayer(); ok {
		task.setStatus(StatusInstallBase, 45, "importing base "+base.Info.ID)
		if err := m.importBundleLayer(mountPoint, base, bundle.Meta.UUID, appRef, rb); err != nil {
			rb.run()
			task.setStatus(StatusFailed, 45, err.Error())
			return task, appRef, err
		}
	}

	task.setStatus(StatusInstallApp, 70, "importing "+appRef.String())
	appDir := filepath.Join(mountPoint, "layers", appEntry.Info.ID, appEntry.Info.Module)
	imported, err := m.Store.ImportLayerDir(appDir, "")
	if err != nil {
		rb.run()
		task.setStatus(StatusFailed, 70, err.Error())
		return task, appRef, err
	}
	rb.add(func() { _ = m.Store.Remove(imported, appEntry.Info.Module, "") })

	if appEntry.Info.Kind == pkginfo.KindApp {
		if err := m.Store.ExportReference(imported); err != nil {
			rb.run()
			task.setStatus(StatusFailed, 95, err.Error())
			return task, appRef, err
		}
	}

	task.setStatus(StatusSuccess, 100, "installed "+imported.String()+" from "+filepath.Base(path))
	return task, imported, nil
}

// importBundleLayer imports a dependency layer staged inside the mounted
// bundle image. A minified layer is namespaced under the bundle's own uuid
// so it never collides with a complete install of the same package pulled
// normally, and the namespacing is recorded in a minified.json sibling so a
// later uninstall of this UAB can find and remove just its own copy.
func (m *Manager) importBundleLayer(mountPoint string, entry uab.LayerEntry, bundleUUID string, appRef refs.Reference, rb *rollback) error {
	dir := filepath.Join(mountPoint, "layers", entry.Info.ID, entry.Info.Module)

	subRef := ""
	if entry.Minified {
		subRef = "minified/" + bundleUUID
	}

	ref, err := m.Store.ImportLayerDir(dir, subRef)
	if err != nil {
		return err
	}
	rb.add(func() { _ = m.Store.Remove(ref, entry.Info.Module, subRef) })

	if entry.Minified {
		manifestPath := filepath.Join(filepath.Dir(dir), "minified.json")
		entries := []minifiedEntry{{AppRef: appRef.String(), UUID: bundleUUID}}
		if err := localstore.WriteMinifiedJSON(manifestPath, entries); err != nil {
			return err
		}
	}
	return nil
}

func referenceFromInfo(info pkginfo.PackageInfo) refs.Reference {
	arch := refs.Arch("")
	if len(info.Arch) > 0 {
		arch = info.Arch[0]
	}
	return refs.Reference{
		Channel: info.Channel,
		ID:      info.ID,
		Version: info.Version,
		Arch:    arch,
		Module:  info.Module,
	}
}

func mountErofs(image, target string) error {
	cmd := exec.Command("mount", "-t", "erofs", "-o", "loop,ro", image, target)
	cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	if err := cmd.Run(); err != nil {
		return apierror.Wrap(err, "mounting uab bundle image")
	}
	return nil
}

func unmountErofs(target string) {
	exec.Command("umount", target).Run()
}
