// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package containerconfig

import (
	"os"
	"syscall"
)

// ownedByCurrentUID reports whether info's owning uid matches the
// process's current uid, used by addIPC to validate XDG_RUNTIME_DIR
// ownership before trusting sockets under it.
func ownedByCurrentUID(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return int(st.Uid) == os.Getuid()
}
