// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Command ll-loader is the stub appended to every UAB: run without
// arguments, it mounts its own appended bundle image and execs into the
// packaged application's container.
package main

import (
	"fmt"
	"os"

	"github.com/linyaps/linglong/internal/app/uabloader"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/sylog"
)

func main() {
	sylog.Init()
	if err := uabloader.Run(os.Args[1:]); err != nil {
		if apiErr, ok := err.(interface{ Lines() []string }); ok {
			for _, l := range apiErr.Lines() {
				fmt.Fprintln(os.Stderr, l)
			}
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		if code, ok := apierror.Of(err); ok {
			os.Exit(int(codeOf(code)))
		}
		os.Exit(1)
	}
}

func codeOf(k apierror.Kind) int {
	e := &apierror.Error{Kind: k}
	return e.Code()
}
