// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/linyaps/linglong/internal/pkg/containerconfig"
	"github.com/linyaps/linglong/internal/pkg/pm"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
	"github.com/linyaps/linglong/pkg/runtimeconfig"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "run <ref> [-- command...]",
		Short:              "run an installed application in its sandbox",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			fuzzy, err := refs.ParseFuzzyReference(args[0])
			if err != nil {
				return err
			}
			info, ref, err := resolveInstalled(m, fuzzy)
			if err != nil {
				return err
			}

			appDir, err := m.Store.GetMergedModuleDir(ref, nil)
			if err != nil {
				return err
			}

			command := info.Command
			if len(args) > 1 {
				command = args[1:]
			}

			root := runtimeconfig.ResolveRoot()
			bundleDir := filepath.Join(root.CacheDir, "run", info.ID+"-"+randSuffix())

			var envNames []string
			for _, kv := range os.Environ() {
				if i := strings.IndexByte(kv, '='); i > 0 {
					envNames = append(envNames, kv[:i])
				}
			}

			opts := containerconfig.Options{
				AppID:     info.ID,
				AppPath:   filepath.Join(appDir, "files"),
				BasePath:  "/",
				BundleDir: bundleDir,
				Features: containerconfig.Features{
					BindSys: true, BindProc: true, BindDev: true, BindRun: true, BindTmp: true,
					BindUserGroupFiles: true, BindMedia: true, BindHostStatics: true,
					EnableLDCache: true, EnableSelfAdjustingMount: true, IsolateNetwork: false,
				},
				ForwardEnvVars: envNames,
				Command:        command,
				UID:            uint32(os.Getuid()),
				GID:            uint32(os.Getgid()),
			}
			if info.Base != nil {
				baseDir, err := m.Store.GetMergedModuleDir(*info.Base, nil)
				if err == nil {
					opts.BasePath = filepath.Join(baseDir, "files")
				}
			}
			if info.Runtime != nil {
				rtDir, err := m.Store.GetMergedModuleDir(*info.Runtime, nil)
				if err == nil {
					opts.RuntimePath = filepath.Join(rtDir, "files")
				}
			}

			return execContainer(opts)
		},
	}
	return cmd
}

func resolveInstalled(m *pm.Manager, fuzzy refs.FuzzyReference) (pkginfo.PackageInfo, refs.Reference, error) {
	installed, err := m.ListInstalled()
	if err != nil {
		return pkginfo.PackageInfo{}, refs.Reference{}, err
	}
	for _, info := range installed {
		if info.ID != fuzzy.ID {
			continue
		}
		arch := refs.Arch("")
		if len(info.Arch) > 0 {
			arch = info.Arch[0]
		}
		return info, refs.Reference{
			Channel: info.Channel,
			ID:      info.ID,
			Version: info.Version,
			Arch:    arch,
			Module:  info.Module,
		}, nil
	}
	return pkginfo.PackageInfo{}, refs.Reference{}, apierror.NotFoundf("%s is not installed", fuzzy.ID)
}

func execContainer(opts containerconfig.Options) error {
	spec, err := containerconfig.New(opts).Build()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.BundleDir, 0o755); err != nil {
		return apierror.Wrap(err, "preparing container bundle directory")
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return apierror.Wrap(err, "encoding container config")
	}
	configPath := filepath.Join(opts.BundleDir, "config.json")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return apierror.Wrap(err, "writing container config")
	}

	boxBin, err := exec.LookPath("ll-box")
	if err != nil {
		boxBin = "ll-box"
	}
	args := []string{boxBin, "--cgroup-manager=disabled", "run",
		"--bundle=" + opts.BundleDir, "--config=config.json", opts.AppID}
	return syscall.Exec(boxBin, args, os.Environ())
}

func randSuffix() string {
	b := make([]byte, 6)
	f, err := os.Open("/dev/urandom")
	if err == nil {
		defer f.Close()
		f.Read(b)
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = alphabet[int(c)%len(alphabet)]
	}
	return string(out)
}
