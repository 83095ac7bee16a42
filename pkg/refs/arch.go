// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package refs

import "github.com/linyaps/linglong/pkg/apierror"

// Arch is one of the CPU architectures linglong packages may target. Each
// has a fixed GNU triplet used when generating ld.so search paths and
// install prefixes.
type Arch string

const (
	ArchX8664      Arch = "x86_64"
	ArchAArch64    Arch = "aarch64"
	ArchLoongArch64 Arch = "loongarch64"
	ArchSW64       Arch = "sw_64"
	ArchMIPS64EL   Arch = "mips64el"
)

var triplets = map[Arch]string{
	ArchX8664:       "x86_64-linux-gnu",
	ArchAArch64:     "aarch64-linux-gnu",
	ArchLoongArch64: "loongarch64-linux-gnu",
	ArchSW64:        "sw_64-linux-gnu",
	ArchMIPS64EL:    "mips64el-linux-gnuabi64",
}

// Triplet returns the GNU triplet for a, or an error if a is unsupported
//.
func (a Arch) Triplet() (string, error) {
	t, ok := triplets[a]
	if !ok {
		return "", apierror.Unsupportedf("unsupported architecture %q", string(a))
	}
	return t, nil
}

func (a Arch) Valid() bool {
	_, ok := triplets[a]
	return ok
}

// ParseArch validates s against the supported set.
func ParseArch(s string) (Arch, error) {
	a := Arch(s)
	if !a.Valid() {
		return "", apierror.Unsupportedf("unsupported architecture %q", s)
	}
	return a, nil
}

// CurrentArch returns the Arch matching runtime.GOARCH, or an error if the
// host architecture has no GNU-triplet mapping in the supported set.
func CurrentArch() (Arch, error) {
	return currentArch()
}
