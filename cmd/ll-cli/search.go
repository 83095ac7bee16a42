// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
)

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <keyword>",
		Short: "search the remote repository for a package",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			keyword := ""
			if len(args) == 1 {
				keyword = args[0]
			}
			results, err := m.Search(keyword, refs.FuzzyReference{})
			if err != nil {
				return err
			}
			printInfoTable(results)
			return nil
		},
	}
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list installed packages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			results, err := m.ListInstalled()
			if err != nil {
				return err
			}
			printInfoTable(results)
			return nil
		},
	}
}

func printInfoTable(infos []pkginfo.PackageInfo) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tVERSION\tMODULE\tSIZE\tDESCRIPTION")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			info.ID, info.Name, info.Version.String(), info.Module,
			units.HumanSize(float64(info.Size)), info.Description)
	}
	w.Flush()
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <ref>",
		Short: "show detailed metadata for an installed package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			installed, err := m.ListInstalled()
			if err != nil {
				return err
			}
			for _, info := range installed {
				if info.ID == args[0] {
					printInfoTable([]pkginfo.PackageInfo{info})
					return nil
				}
			}
			return fmt.Errorf("package %q is not installed", args[0])
		},
	}
}
