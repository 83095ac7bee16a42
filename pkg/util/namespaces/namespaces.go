// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package namespaces provides the user/mount-namespace entry used by the
// builder's "prepare namespace" stage: host uid is mapped to 0 inside a
// fresh user namespace so subsequent FUSE-overlayfs mounts do not require
// host root.
package namespaces

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/ccoveille/go-safecast"
)

// IsInsideUserNamespace checks if a process is already running in a
// user namespace and also returns if the process has permissions to use
// setgroups in this user namespace.
func IsInsideUserNamespace(pid int) (bool, bool) {
	insideUserNs := false
	setgroupsAllowed := false

	r, err := os.Open(fmt.Sprintf("/proc/%d/uid_map", pid))
	if err != nil {
		return insideUserNs, setgroupsAllowed
	}
	defer r.Close()

	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		size, _ := strconv.ParseUint(fields[2], 10, 32)
		if uint32(size) == ^uint32(0) {
			return insideUserNs, setgroupsAllowed
		}
		insideUserNs = true

		d, err := os.ReadFile(fmt.Sprintf("/proc/%d/setgroups", pid))
		if err != nil {
			return insideUserNs, setgroupsAllowed
		}
		setgroupsAllowed = string(d) == "allow\n"
	}
	return insideUserNs, setgroupsAllowed
}

// HostUID attempts to find the original host UID if the current process is
// running inside a user namespace; otherwise it returns the current UID.
func HostUID() (uint32, error) {
	const uidMap = "/proc/self/uid_map"

	currentUID, err := safecast.ToUint32(os.Getuid())
	if err != nil {
		return 0, err
	}

	f, err := os.Open(uidMap)
	if err != nil {
		if os.IsNotExist(err) {
			return currentUID, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", uidMap, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		size, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("failed to convert size field %s: %w", fields[2], err)
		}
		if uint32(size) == ^uint32(0) {
			break
		}
		parsedID, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("failed to convert container UID field %s: %w", fields[0], err)
		}
		if size == 1 && currentUID == uint32(parsedID) {
			uid, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				return 0, fmt.Errorf("failed to convert host UID field %s: %w", fields[1], err)
			}
			return uint32(uid), nil
		}
	}
	return currentUID, nil
}

// BuildNamespaceAttr returns the SysProcAttr that puts cmd in a fresh user
// and mount namespace with the current host uid/gid mapped to 0 inside it,
// matching the build pipeline's "prepare namespace" stage: the kernel
// itself writes uid_map/gid_map from these mappings before the child's
// first instruction runs, and setgroups is denied because GIDMappings is
// non-empty without GidMappingsEnableSetgroups, preserving the
// uid_map/setgroups/gid_map ordering the design calls for without this
// package touching /proc by hand.
func BuildNamespaceAttr() *syscall.SysProcAttr {
	uid := os.Getuid()
	gid := os.Getgid()
	return &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: uid, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: gid, Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
}

// EnterBuildNamespace re-execs the current binary with args inside a fresh
// user+mount namespace (see BuildNamespaceAttr), returning once the child
// exits. It is the builder's stage-1 "prepare namespace" entry point.
func EnterBuildNamespace(args []string, env []string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(self, args...)
	cmd.Env = env
	cmd.SysProcAttr = BuildNamespaceAttr()
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
