// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Command ll-builder drives the nine-stage build pipeline over a
// linglong.yaml project: fetch sources, pull dependencies, build inside a
// sandboxed container, split modules, commit to the local store, export
// layers or UAB bundles, and run the project's post-build check.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/linyaps/linglong/internal/pkg/builder"
	"github.com/linyaps/linglong/internal/pkg/store"
	"github.com/linyaps/linglong/internal/pkg/store/localstore"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/builderconfig"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/runtimeconfig"
	"github.com/linyaps/linglong/pkg/sylog"
)

func main() {
	sylog.Init()
	root := &cobra.Command{
		Use:           "ll-builder",
		Short:         "linglong application builder",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		createCmd(),
		buildCmd(),
		exportCmd(),
		runCmd(),
	)
	if err := root.Execute(); err != nil {
		printError(err)
		os.Exit(codeOf(err))
	}
}

func printError(err error) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		for _, l := range apiErr.Lines() {
			fmt.Fprintln(os.Stderr, l)
		}
		return
	}
	fmt.Fprintln(os.Stderr, "ll-builder:", err)
}

func codeOf(err error) int {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code()
	}
	return 1
}

// loadProject opens linglong.yaml under dir and resolves a Store + builder
// config the same way every subcommand needs them.
func loadProject(dir string) (*pkginfo.Project, builder.Options, error) {
	project, err := pkginfo.LoadProject(filepath.Join(dir, "linglong.yaml"))
	if err != nil {
		return nil, builder.Options{}, err
	}
	root := runtimeconfig.ResolveRoot()
	if err := root.EnsureDirs(); err != nil {
		return nil, builder.Options{}, err
	}
	cfg, err := builderconfig.Load(dir, root.RepoDir)
	if err != nil {
		return nil, builder.Options{}, err
	}
	s, err := localstore.New(store.Config{RepoDir: cfg.Repo})
	if err != nil {
		return nil, builder.Options{}, err
	}
	return project, builder.Options{ProjectDir: dir, Config: cfg, Store: s}, nil
}
