// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package builder implements the nine-stage build pipeline: prepare
// namespace, fetch sources, pull dependencies, run the build container,
// prepare apt depends, generate entries, split modules, commit to the
// store, and the post-build runtime check.
package builder

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/linyaps/linglong/internal/pkg/store"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/builderconfig"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
	"github.com/linyaps/linglong/pkg/util/namespaces"
)

// Options is everything the pipeline needs beyond the parsed project
// manifest: the resolved builder config, the store to pull/commit
// through, and the project's root directory.
type Options struct {
	ProjectDir string
	Config     builderconfig.Config
	Store      store.Store
}

// Builder runs one project's build pipeline, stage by stage, tracking the
// intermediate state (pulled dependency dirs, overlay dirs, output tree)
// each later stage needs.
type Builder struct {
	project *pkginfo.Project
	opts    Options
	workDir string // <ProjectDir>/linglong

	log *logrus.Entry

	baseRef    refs.Reference
	baseDir    string
	runtimeRef *refs.Reference
	runtimeDir string

	overlayUpper string
	outputDir    string

	moduleDirs map[string]string // module name -> split output dir
}

// New constructs a Builder for project, rooted at opts.ProjectDir.
func New(project *pkginfo.Project, opts Options) *Builder {
	logger := logrus.New()
	return &Builder{
		project: project,
		opts:    opts,
		workDir: filepath.Join(opts.ProjectDir, "linglong"),
		log:     logger.WithField("id", project.Package.ID),
		moduleDirs: make(map[string]string),
	}
}

// Stage is one phase of the pipeline, named the way config.yaml's
// skip* keys name them, so Build can look up whether to skip it.
type Stage string

const (
	StageFetchSource  Stage = "fetchSource"
	StagePullDepend   Stage = "pullDepend"
	StageRunContainer Stage = "runContainer"
	StageCommitOutput Stage = "commitOutput"
	StageCheckOutput  Stage = "checkOutput"
)

func (b *Builder) skip(s Stage) bool {
	switch s {
	case StageFetchSource:
		return b.opts.Config.SkipFetchSource
	case StagePullDepend:
		return b.opts.Config.SkipPullDepend
	case StageRunContainer:
		return b.opts.Config.SkipRunContainer
	case StageCommitOutput:
		return b.opts.Config.SkipCommitOutput
	case StageCheckOutput:
		return b.opts.Config.SkipCheckOutput
	}
	return false
}

// Build runs every pipeline stage in order, skipping any the config
// disables, and returns the final committed reference on success.
func (b *Builder) Build(task store.Task) (refs.Reference, error) {
	if task == nil {
		task = store.NoopTask
	}

	if err := os.MkdirAll(b.workDir, 0o755); err != nil {
		return refs.Reference{}, apierror.Wrap(err, "preparing build work directory")
	}

	if err := b.prepareNamespace(); err != nil {
		return refs.Reference{}, err
	}

	if !b.skip(StageFetchSource) {
		b.log.Info("fetching sources")
		if err := b.fetchSources(task); err != nil {
			return refs.Reference{}, err
		}
	}

	if !b.skip(StagePullDepend) {
		b.log.Info("pulling dependencies")
		if err := b.pullDependencies(task); err != nil {
			return refs.Reference{}, err
		}
	}

	if !b.skip(StageRunContainer) {
		b.log.Info("running build container")
		if err := b.runBuildContainer(); err != nil {
			return refs.Reference{}, err
		}
		if err := b.prepareDepends(); err != nil {
			return refs.Reference{}, err
		}
	}

	if err := b.generateEntries(); err != nil {
		return refs.Reference{}, err
	}

	if err := b.splitModules(); err != nil {
		return refs.Reference{}, err
	}

	var committed refs.Reference
	if !b.skip(StageCommitOutput) {
		b.log.Info("committing build output")
		ref, err := b.commit()
		if err != nil {
			return refs.Reference{}, err
		}
		committed = ref
	}

	if !b.skip(StageCheckOutput) {
		b.log.Info("running post-build runtime check")
		if err := b.runtimeCheck(); err != nil {
			return refs.Reference{}, err
		}
	}

	return committed, nil
}

// prepareNamespace is stage 1. The entire remaining pipeline must run
// inside a fresh user+mount namespace with the host uid mapped to 0 so
// later FUSE-overlayfs mounts do not require host root; since a process
// cannot join a namespace without re-exec'ing, the re-exec'd child runs
// the whole pipeline and this process exits 0 once the child succeeds,
// instead of continuing; a failed child is returned as a wrapped error. Already being inside a user namespace (a nested build, or
// the re-exec'd child itself) is the signal to fall through and proceed.
func (b *Builder) prepareNamespace() error {
	inside, _ := namespaces.IsInsideUserNamespace(os.Getpid())
	if inside || os.Getenv("LINGLONG_BUILDER_NS_ENTERED") != "" {
		return nil
	}
	env := append(os.Environ(), "LINGLONG_BUILDER_NS_ENTERED=1")
	if err := namespaces.EnterBuildNamespace(os.Args[1:], env); err != nil {
		return apierror.Wrap(err, "entering build namespace")
	}
	os.Exit(0)
	return nil
}
