// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package containerconfig

import (
	"os"
	"os/user"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// addHome implements assembly step (5): a tmpfs /home, the host home bound
// at /home/<user>, conditional XDG/systemd/dconf/theme-cache binds, and a
// mask of ~/.bashrc with /etc/skel/.bashrc.
func (b *Builder) addHome() error {
	u, err := user.Current()
	if err != nil {
		return homeMissing("failed to determine current user: %v", err)
	}
	if u.HomeDir == "" {
		return homeMissing("current user has no home directory configured")
	}
	if _, err := os.Stat(u.HomeDir); err != nil {
		return homeMissing("home directory %q is not accessible: %v", u.HomeDir, err)
	}

	username := filepath.Base(u.HomeDir)
	containerHome := "/home/" + username

	b.mounts = append(b.mounts,
		specs.Mount{
			Destination: "/home", Type: "tmpfs", Source: "tmpfs",
			Options: []string{"nosuid", "nodev", "mode=0755"},
		},
		specs.Mount{
			Source: u.HomeDir, Destination: containerHome, Type: "bind",
			Options: []string{"rbind"},
		},
	)

	xdgDirs := map[string]string{
		"XDG_DATA_HOME":   ".local/share",
		"XDG_CONFIG_HOME": ".config",
		"XDG_CACHE_HOME":  ".cache",
		"XDG_STATE_HOME":  ".local/state",
	}
	for env, def := range xdgDirs {
		host := os.Getenv(env)
		if host == "" {
			host = filepath.Join(u.HomeDir, def)
		}
		if _, err := os.Stat(host); err != nil {
			continue
		}
		dest := filepath.Join(containerHome, filepath.Base(def))
		b.mounts = append(b.mounts, specs.Mount{
			Source: host, Destination: dest, Type: "bind", Options: []string{"rbind"},
		})
	}

	for _, extra := range []string{
		".local/share/systemd/user",
		".config/dconf",
		".cache/icon-theme.cache",
		".config/user-dirs.dirs",
		".config/user-dirs.locale",
	} {
		host := filepath.Join(u.HomeDir, extra)
		if _, err := os.Stat(host); err != nil {
			continue
		}
		b.mounts = append(b.mounts, specs.Mount{
			Source: host, Destination: filepath.Join(containerHome, extra), Type: "bind",
			Options: []string{"rbind"},
		})
	}

	// Mask ~/.bashrc by binding the stock skeleton file over it, rather
	// than via linux.maskedPaths (which masks to /dev/null and is meant
	// for /proc-style introspection paths, not regular files).
	bashrc := filepath.Join(containerHome, ".bashrc")
	b.mounts = append(b.mounts, specs.Mount{
		Source: "/etc/skel/.bashrc", Destination: bashrc, Type: "bind",
		Options: []string{"rbind", "ro"},
	})

	return nil
}
