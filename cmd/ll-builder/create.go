// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linyaps/linglong/internal/pkg/builder"
)

func createCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "scaffold a new linglong project directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := builder.CreateProject(".", args[0], !yes); err != nil {
				return err
			}
			fmt.Println("created", args[0]+"/linglong.yaml")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the creation confirmation prompt")
	return cmd
}
