// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linyaps/linglong/pkg/refs"
)

func installCmd() *cobra.Command {
	var modules []string
	cmd := &cobra.Command{
		Use:   "install <ref|path.uab>",
		Short: "install an application, runtime or base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			arg := args[0]
			if strings.HasSuffix(arg, ".uab") {
				task, ref, err := m.InstallFromFile(arg, progressReporter("install"))
				if err != nil {
					return err
				}
				_ = task
				fmt.Println("installed", ref.String())
				return nil
			}
			fuzzy, err := refs.ParseFuzzyReference(arg)
			if err != nil {
				return err
			}
			task, ref, err := m.Install(fuzzy, modules, progressReporter("install"))
			if err != nil {
				return err
			}
			_ = task
			fmt.Println("installed", ref.String())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&modules, "module", nil, "modules to install (default: binary)")
	return cmd
}

func uninstallCmd() *cobra.Command {
	var modules []string
	cmd := &cobra.Command{
		Use:     "uninstall <ref>",
		Aliases: []string{"remove"},
		Short:   "uninstall an installed package",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			ref, err := refs.ParseReference(args[0])
			if err != nil {
				return err
			}
			_, err = m.Uninstall(ref, modules, progressReporter("uninstall"))
			if err != nil {
				return err
			}
			fmt.Println("uninstalled", ref.String())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&modules, "module", nil, "modules to remove (default: binary,develop)")
	return cmd
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update <ref>",
		Short: "update an installed package to the newest remote version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			ref, err := refs.ParseReference(args[0])
			if err != nil {
				return err
			}
			_, newRef, err := m.Update(ref, progressReporter("update"))
			if err != nil {
				return err
			}
			fmt.Println("updated to", newRef.String())
			return nil
		},
	}
}
