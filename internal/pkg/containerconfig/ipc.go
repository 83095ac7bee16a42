// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package containerconfig

import (
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// addIPC implements assembly step (9): bind /tmp/.X11-unix, parse
// DBUS_SYSTEM_BUS_ADDRESS, and — when XDG_RUNTIME_DIR is present, mode
// 0700 and owned by the current uid — bind pulse/gvfs/dconf/Wayland/the
// parsed session bus socket, plus XAUTHORITY. Of the environment, only
// DBUS_SYSTEM_BUS_ADDRESS and DBUS_SESSION_BUS_ADDRESS are rewritten to
// point at the bound sockets.
func (b *Builder) addIPC() error {
	if _, err := os.Stat("/tmp/.X11-unix"); err == nil {
		b.mounts = append(b.mounts, specs.Mount{
			Source: "/tmp/.X11-unix", Destination: "/tmp/.X11-unix", Type: "bind",
			Options: []string{"rbind"},
		})
	}

	if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
		path, err := parseUnixBusAddress(addr)
		if err != nil {
			return ipcBindFailure("failed to parse DBUS_SYSTEM_BUS_ADDRESS %q: %v", addr, err)
		}
		if path != "" {
			if _, err := os.Stat(path); err == nil {
				b.mounts = append(b.mounts, specs.Mount{
					Source: path, Destination: path, Type: "bind", Options: []string{"rbind"},
				})
				b.env["DBUS_SYSTEM_BUS_ADDRESS"] = "unix:path=" + path
			}
		}
	}

	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		info, err := os.Stat(runtimeDir)
		if err == nil && info.IsDir() && info.Mode().Perm() == 0o700 && ownedByCurrentUID(info) {
			for _, name := range []string{"pulse", "gvfs", "dconf"} {
				src := filepath.Join(runtimeDir, name)
				if _, err := os.Stat(src); err != nil {
					continue
				}
				b.mounts = append(b.mounts, specs.Mount{
					Source: src, Destination: filepath.Join(runtimeDir, name), Type: "bind",
					Options: []string{"rbind"},
				})
			}

			waylandDisplay := os.Getenv("WAYLAND_DISPLAY")
			if waylandDisplay != "" {
				src := filepath.Join(runtimeDir, waylandDisplay)
				if _, err := os.Stat(src); err == nil {
					b.mounts = append(b.mounts, specs.Mount{
						Source: src, Destination: src, Type: "bind", Options: []string{"rbind"},
					})
				}
			}

			if sessionAddr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); sessionAddr != "" {
				path, err := parseUnixBusAddress(sessionAddr)
				if err != nil {
					return ipcBindFailure("failed to parse DBUS_SESSION_BUS_ADDRESS %q: %v", sessionAddr, err)
				}
				if path != "" {
					if _, err := os.Stat(path); err == nil {
						b.mounts = append(b.mounts, specs.Mount{
							Source: path, Destination: path, Type: "bind", Options: []string{"rbind"},
						})
						b.env["DBUS_SESSION_BUS_ADDRESS"] = "unix:path=" + path
					}
				}
			}
		}
	}

	if xauth := os.Getenv("XAUTHORITY"); xauth != "" {
		if _, err := os.Stat(xauth); err == nil {
			b.mounts = append(b.mounts, specs.Mount{
				Source: xauth, Destination: xauth, Type: "bind", Options: []string{"rbind", "ro"},
			})
		}
	}

	return nil
}

// parseUnixBusAddress extracts the socket path from a D-Bus address string
// of the form "unix:path=/run/dbus/system_bus_socket[,guid=...]".
func parseUnixBusAddress(addr string) (string, error) {
	if !strings.HasPrefix(addr, "unix:") {
		return "", nil
	}
	rest := strings.TrimPrefix(addr, "unix:")
	for _, kv := range strings.Split(rest, ",") {
		if p, ok := strings.CutPrefix(kv, "path="); ok {
			return p, nil
		}
	}
	return "", nil
}
