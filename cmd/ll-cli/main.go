// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Command ll-cli is the end-user package manager front end: install,
// uninstall, update, search, list and run linglong packages against the
// local layer store.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linyaps/linglong/internal/pkg/store"
	"github.com/linyaps/linglong/internal/pkg/store/localstore"
	"github.com/linyaps/linglong/internal/pkg/pm"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/runtimeconfig"
	"github.com/linyaps/linglong/pkg/sylog"
)

func newManager() (*pm.Manager, error) {
	root := runtimeconfig.ResolveRoot()
	if err := root.EnsureDirs(); err != nil {
		return nil, err
	}
	s, err := localstore.New(store.Config{RepoDir: root.RepoDir})
	if err != nil {
		return nil, err
	}
	return pm.New(s), nil
}

func main() {
	sylog.Init()
	root := &cobra.Command{
		Use:           "ll-cli",
		Short:         "linglong package manager command line tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		installCmd(),
		uninstallCmd(),
		updateCmd(),
		searchCmd(),
		listCmd(),
		runCmd(),
		infoCmd(),
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
	fmt.Fprintln(os.Stderr, "ll-cli:", err)
}

func codeOf(err error) int {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code()
	}
	return 1
}

// progressReporter renders a task's status transitions to stderr as plain
// lines, the simplest possible frontend for pm.Task's callback contract;
// a real TTY frontend would instead drive a progress bar off the same
// callback.
func progressReporter(prefix string) func(t *pm.Task) {
	last := ""
	return func(t *pm.Task) {
		line := fmt.Sprintf("%s: %s (%d%%)", prefix, t.Status(), t.Percentage())
		if line == last {
			return
		}
		last = line
		fmt.Fprintln(os.Stderr, line)
	}
}
