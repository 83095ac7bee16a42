// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linyaps/linglong/internal/pkg/builder"
	"github.com/linyaps/linglong/pkg/refs"
)

func exportCmd() *cobra.Command {
	var dir, output string
	var layer, full bool
	cmd := &cobra.Command{
		Use:   "export <ref>",
		Short: "export a built package as a .layer or .uab bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, opts, err := loadProject(dir)
			if err != nil {
				return err
			}
			ref, err := refs.ParseReference(args[0])
			if err != nil {
				return err
			}
			b := builder.New(project, opts)
			if layer {
				if output == "" {
					output = "."
				}
				modules := []string{refs.ModuleBinary, refs.ModuleDevelop}
				if err := b.ExportLayer(ref, modules, output); err != nil {
					return err
				}
				fmt.Println("exported layers to", output)
				return nil
			}
			if output == "" {
				output = ref.ID + "_" + ref.Version.String() + "_" + string(ref.Arch) + ".uab"
			}
			if err := b.ExportUAB(ref, full, output); err != nil {
				return err
			}
			fmt.Println("exported", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "path", ".", "project directory containing linglong.yaml")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default derived from the reference)")
	cmd.Flags().BoolVar(&layer, "layer", false, "export .layer files instead of a .uab bundle")
	cmd.Flags().BoolVar(&full, "full", false, "do not trim dependency layers to the app's needed closure")
	return cmd
}
