// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linyaps/linglong/internal/pkg/builder"
	"github.com/linyaps/linglong/internal/pkg/store"
)

func buildCmd() *cobra.Command {
	var dir string
	var offline bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "run the build pipeline for the project in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, opts, err := loadProject(dir)
			if err != nil {
				return err
			}
			opts.Config.Offline = opts.Config.Offline || offline
			b := builder.New(project, opts)
			ref, err := b.Build(store.NoopTask)
			if err != nil {
				return err
			}
			fmt.Println("built", ref.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "path", ".", "project directory containing linglong.yaml")
	cmd.Flags().BoolVar(&offline, "offline", false, "fail instead of reaching the network for missing dependencies")
	return cmd
}
