// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package containerconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// addEnv implements assembly step (11): forwarded vars read from the host
// at build time, plus the appended map, plus LINGLONG_APPID; also writes
// <bundle>/00env.sh (properly quoted for bash) and binds it to
// /etc/profile.d/00env.sh.
func (b *Builder) addEnv() error {
	for _, name := range b.opts.ForwardEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			b.env[name] = v
		}
	}
	for k, v := range b.opts.AppendEnv {
		b.env[k] = v
	}
	b.env["LINGLONG_APPID"] = b.opts.AppID

	path := filepath.Join(b.opts.BundleDir, "00env.sh")
	if err := writeEnvScript(path, b.env); err != nil {
		return envWrite("failed to write %q: %v", path, err)
	}

	b.mounts = append(b.mounts, specs.Mount{
		Source: path, Destination: "/etc/profile.d/00env.sh", Type: "bind",
		Options: []string{"rbind", "ro"},
	})

	return nil
}

// Env returns the final resolved environment, used by callers that also
// need process.Env (the OCI runtime-spec also carries env directly on
// process, in addition to the profile.d script, so graphical/login shells
// and exec'd commands both see it).
func (b *Builder) Env() []string {
	keys := make([]string, 0, len(b.env))
	for k := range b.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, b.env[k]))
	}
	return out
}

// writeEnvScript writes a bash-sourceable script exporting each variable,
// quoting values so that spaces/metacharacters round-trip safely.
func writeEnvScript(path string, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("export %s=%s\n", k, shellQuote(env[k])))
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// shellQuote wraps s in single quotes, escaping any embedded single quote
// the POSIX-shell way: ' -> '\''.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
