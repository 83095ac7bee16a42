// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package bind builds specs.Mount values for the small, repeated bind-mount
// shapes used outside internal/pkg/containerconfig's own fixed assembly
// order: the builder's overlay mounts, the UAB loader's extra mounts, and
// joining untrusted layer-relative paths (install rules, UAB include/
// exclude globs) safely against a host directory.
package bind

import (
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/containerd/continuity/pathdriver"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/linyaps/linglong/pkg/apierror"
)

// driver is the local path driver used for clean, symlink-unaware
// destination math (mount destinations are container-relative paths that
// do not exist on the host, so continuity's OS-backed path driver is used
// purely for its Join/Clean/Rel helpers here, not for resolving symlinks).
var driver = pathdriver.LocalPathDriver

// ReadOnly builds a read-only rbind mount of source at destination.
func ReadOnly(source, destination string) specs.Mount {
	return specs.Mount{
		Source: source, Destination: destination, Type: "bind",
		Options: []string{"rbind", "ro"},
	}
}

// ReadWrite builds a writable rbind mount of source at destination.
func ReadWrite(source, destination string) specs.Mount {
	return specs.Mount{
		Source: source, Destination: destination, Type: "bind",
		Options: []string{"rbind"},
	}
}

// Join computes destination's path relative to base using continuity's
// path driver, matching the style of its own fs.RootPath helpers.
func Join(base string, elem ...string) string {
	parts := append([]string{base}, elem...)
	return driver.Join(parts...)
}

// SecureJoin joins base and an untrusted, layer-relative path (an install
// rule target, a UAB include/exclude entry) without letting ".." or a
// symlink escape base, returning a typed Validation error instead of
// panicking or silently truncating on an attempted traversal.
func SecureJoin(base, untrusted string) (string, error) {
	joined, err := securejoin.SecureJoin(base, untrusted)
	if err != nil {
		return "", apierror.Validationf("path %q escapes %q: %v", untrusted, base, err)
	}
	return joined, nil
}
