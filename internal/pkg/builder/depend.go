// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"github.com/linyaps/linglong/internal/pkg/store"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/refs"
)

// pullDependencies is stage 3: resolve base (and optional runtime) to
// concrete references, pull their binary and develop modules, and merge
// each into one checkout directory. In offline mode resolution never
// consults the remote; an absent dependency fails with DependencyMissing.
func (b *Builder) pullDependencies(task store.Task) error {
	baseFuzzy, err := b.project.BaseRef()
	if err != nil {
		return err
	}
	baseRef, baseDir, err := b.resolveAndPull(task, baseFuzzy)
	if err != nil {
		return err
	}
	b.baseRef = baseRef
	b.baseDir = baseDir

	runtimeFuzzy, err := b.project.RuntimeRef()
	if err != nil {
		return err
	}
	if runtimeFuzzy != nil {
		runtimeRef, runtimeDir, err := b.resolveAndPull(task, *runtimeFuzzy)
		if err != nil {
			return err
		}
		b.runtimeRef = &runtimeRef
		b.runtimeDir = runtimeDir
	}
	return nil
}

func (b *Builder) resolveAndPull(task store.Task, fuzzy refs.FuzzyReference) (refs.Reference, string, error) {
	opts := store.ClearOptions{FallbackToRemote: !b.opts.Config.Offline}
	ref, err := b.opts.Store.ClearReference(fuzzy, opts)
	if err != nil {
		if b.opts.Config.Offline {
			return refs.Reference{}, "", apierror.DependencyMissing("dependency %q not available locally (offline build)", fuzzy)
		}
		return refs.Reference{}, "", err
	}

	for _, module := range []string{refs.ModuleBinary, refs.ModuleDevelop} {
		moduleRef := ref
		moduleRef.Module = module
		if err := b.opts.Store.Pull(task, moduleRef, module); err != nil {
			if kindOf(err) == apierror.NotFound && module == refs.ModuleDevelop {
				continue // develop module is optional for runtime dependencies
			}
			return refs.Reference{}, "", err
		}
	}

	if err := b.opts.Store.MergeModules(ref, []string{refs.ModuleBinary, refs.ModuleDevelop}); err != nil {
		return refs.Reference{}, "", err
	}
	dir, err := b.opts.Store.GetMergedModuleDir(ref, []string{refs.ModuleBinary, refs.ModuleDevelop})
	if err != nil {
		return refs.Reference{}, "", err
	}
	return ref, dir, nil
}

func kindOf(err error) apierror.Kind {
	k, _ := apierror.Of(err)
	return k
}

// PullDependenciesForShell exposes stage 3 standalone, for ll-builder run's
// interactive-shell use case which needs a base/runtime checkout without
// running the rest of the pipeline.
func (b *Builder) PullDependenciesForShell() error {
	return b.pullDependencies(store.NoopTask)
}
