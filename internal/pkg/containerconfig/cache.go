// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package containerconfig

import (
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// addCache implements assembly step (10): bind the app cache dir (if
// configured) and, when ld-cache is enabled, bind a per-container
// ld.so.cache file.
func (b *Builder) addCache() error {
	if b.opts.CacheDir != "" {
		if _, err := os.Stat(b.opts.CacheDir); err != nil {
			return cacheMissing("app cache directory %q is not accessible: %v", b.opts.CacheDir, err)
		}
		b.mounts = append(b.mounts, specs.Mount{
			Source: b.opts.CacheDir, Destination: "/run/linglong/cache", Type: "bind",
			Options: []string{"rbind"},
		})
	}

	if b.opts.Features.EnableLDCache {
		ldCachePath, err := b.ensureLDSOCache()
		if err != nil {
			return cacheMissing("failed to prepare ld.so.cache: %v", err)
		}
		b.mounts = append(b.mounts, specs.Mount{
			Source: ldCachePath, Destination: "/etc/ld.so.cache", Type: "bind",
			Options: []string{"rbind"},
		})
	}

	return nil
}

// ensureLDSOCache creates an empty, per-bundle ld.so.cache file that the
// loader's start-container hooks ( step 5) will populate with
// `ldconfig -C` at container start.
func (b *Builder) ensureLDSOCache() (string, error) {
	path := b.opts.BundleDir + "/ld.so.cache"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return path, nil
}
