// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"github.com/spf13/cobra"

	"github.com/linyaps/linglong/internal/pkg/builder"
)

func runCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:                "run [-- command...]",
		Short:              "open an interactive shell inside the project's build container",
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, opts, err := loadProject(dir)
			if err != nil {
				return err
			}
			b := builder.New(project, opts)
			if err := b.PullDependenciesForShell(); err != nil {
				return err
			}
			command := []string{"bash"}
			if len(args) > 0 {
				command = args
			}
			return b.RunShell(command)
		},
	}
	cmd.Flags().StringVar(&dir, "path", ".", "project directory containing linglong.yaml")
	return cmd
}
