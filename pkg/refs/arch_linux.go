// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package refs

import (
	"runtime"

	"github.com/linyaps/linglong/pkg/apierror"
)

var goarchToArch = map[string]Arch{
	"amd64":     ArchX8664,
	"arm64":     ArchAArch64,
	"loong64":   ArchLoongArch64,
	"mips64le":  ArchMIPS64EL,
}

func currentArch() (Arch, error) {
	a, ok := goarchToArch[runtime.GOARCH]
	if !ok {
		return "", apierror.Unsupportedf("host architecture %q has no linyaps arch mapping", runtime.GOARCH)
	}
	return a, nil
}
