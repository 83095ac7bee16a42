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

// addPrivate implements assembly steps (7) and (8): create
// <home>/.linglong/<id>, mask <home>/.linglong, then for each configured
// private mapping create the dir if requested and bind it under
// <id>/private/<dest>.
func (b *Builder) addPrivate() error {
	u, err := user.Current()
	if err != nil {
		return homeMissing("failed to determine current user for private dir: %v", err)
	}

	linglongDir := filepath.Join(u.HomeDir, ".linglong")
	privateRoot := filepath.Join(linglongDir, b.opts.AppID)
	if err := os.MkdirAll(privateRoot, 0o700); err != nil {
		return privateDirCreate("failed to create private dir %q: %v", privateRoot, err)
	}

	// Mask the parent .linglong directory itself so the app only ever
	// sees its own private subtree: bind its own subtree on top.
	containerLinglongDir := "/home/" + filepath.Base(u.HomeDir) + "/.linglong"
	b.mounts = append(b.mounts, specs.Mount{
		Destination: containerLinglongDir, Type: "tmpfs", Source: "tmpfs",
		Options: []string{"nosuid", "nodev", "mode=0700"},
	})
	b.mounts = append(b.mounts, specs.Mount{
		Source: privateRoot, Destination: filepath.Join(containerLinglongDir, b.opts.AppID),
		Type: "bind", Options: []string{"rbind"},
	})

	for _, pm := range b.opts.PrivateMappings {
		if pm.Dest == "" || !filepath.IsAbs(pm.Dest) {
			return privateMapInvalid("private mapping destination %q must be an absolute path", pm.Dest)
		}
		hostDir := filepath.Join(privateRoot, "private", pm.Dest)
		if pm.CreateDir {
			if err := os.MkdirAll(hostDir, 0o700); err != nil {
				return privateDirCreate("failed to create private mapping dir %q: %v", hostDir, err)
			}
		}
		destInContainer := filepath.Join(b.opts.AppID, "private", pm.Dest)
		if !filepath.IsAbs(destInContainer) {
			destInContainer = "/" + destInContainer
		}
		b.mounts = append(b.mounts, specs.Mount{
			Source: hostDir, Destination: destInContainer, Type: "bind",
			Options: []string{"rbind"},
		})
	}

	if b.opts.Features.MapPrivate {
		// map-private requests that the private root itself additionally
		// appear at a fixed, app-agnostic path so tooling inside the
		// container can locate it without knowing the app id.
		b.mounts = append(b.mounts, specs.Mount{
			Source: privateRoot, Destination: "/run/linglong/private", Type: "bind",
			Options: []string{"rbind"},
		})
	}

	return nil
}
