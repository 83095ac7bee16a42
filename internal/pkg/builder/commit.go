// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"os"
	"path/filepath"

	"github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
)

// projectReference returns the Reference the committed build is published
// under.
func (b *Builder) projectReference(module string) (refs.Reference, error) {
	ver, err := refs.ParseVersion(b.project.Package.Version)
	if err != nil {
		return refs.Reference{}, err
	}
	arch, err := refs.ParseArch(b.project.Package.Architecture)
	if err != nil {
		arch, err = refs.CurrentArch()
		if err != nil {
			return refs.Reference{}, err
		}
	}
	channel := b.project.Package.Channel
	if channel == "" {
		channel = refs.DefaultChannel
	}
	return refs.Reference{
		Channel: channel,
		ID:      b.project.Package.ID,
		Version: ver,
		Arch:    arch,
		Module:  module,
	}, nil
}

// commit is stage 8: remove any existing store entries for the project's
// reference, write each module's PackageInfoV2 and import it, merge the
// modules, and copy linglong.yaml into each module for reproducibility.
func (b *Builder) commit() (refs.Reference, error) {
	var final refs.Reference
	var moduleNames []string

	manifestPath := filepath.Join(b.opts.ProjectDir, "linglong.yaml")

	for module, dir := range b.moduleDirs {
		ref, err := b.projectReference(module)
		if err != nil {
			return refs.Reference{}, err
		}
		_ = b.opts.Store.Remove(ref, module, "")

		filesDir := filepath.Join(dir, "files")
		if _, err := os.Stat(filesDir); err != nil {
			filesDir = dir
		}
		size, err := dirSize(filesDir)
		if err != nil {
			return refs.Reference{}, apierror.Wrap(err, "measuring module size")
		}

		info := pkginfo.PackageInfo{
			ID:            ref.ID,
			Name:          b.project.Package.Name,
			Kind:          b.project.Package.Kind,
			Channel:       ref.Channel,
			Module:        module,
			Command:       b.project.Command,
			Description:   b.project.Package.Description,
			Size:          size,
			SchemaVersion: pkginfo.SchemaVersionV2,
		}
		info.Version = ref.Version
		if b.baseRef.ID != "" {
			base := b.baseRef
			info.Base = &base
		}
		if b.runtimeRef != nil {
			info.Runtime = b.runtimeRef
		}
		info.SyncRawFromStructured()

		if err := info.Save(filepath.Join(dir, "info.json")); err != nil {
			return refs.Reference{}, err
		}
		if _, err := os.Stat(manifestPath); err == nil {
			copyManifestInto(manifestPath, dir)
		}

		if _, err := b.opts.Store.ImportLayerDir(dir, ""); err != nil {
			return refs.Reference{}, err
		}
		moduleNames = append(moduleNames, module)
		if module == refs.ModuleBinary {
			final = ref
		}
	}

	if err := b.opts.Store.MergeModules(final, moduleNames); err != nil {
		return refs.Reference{}, err
	}
	return final, nil
}

func copyManifestInto(manifestPath, destDir string) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(destDir, "linglong.yaml"), data, 0o644)
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// imageMediaType is the OCI gzip layer media type, a stable constant from
// the image-spec dependency rather than a hand-picked string literal. No
// code in this package references it; exported .layer files carry no
// media type.
const imageMediaType = v1.MediaTypeImageLayerGzip
