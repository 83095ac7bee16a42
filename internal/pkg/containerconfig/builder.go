// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package containerconfig

import (
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/linyaps/linglong/internal/pkg/mounttree"
	"github.com/linyaps/linglong/pkg/sylog"
)

// Builder is the single transient object consumed by Build(). It carries
// no global state; calling Build() twice on the same
// instance is undefined and callers must construct a fresh Builder per
// container.
type Builder struct {
	opts   Options
	mounts []specs.Mount
	env    map[string]string
}

// New constructs a Builder from Options. Validation of required fields
// happens in Build, keeping the constructor itself cheap.
func New(opts Options) *Builder {
	return &Builder{opts: opts, env: map[string]string{}}
}

// Build runs the fixed assembly order below and returns a
// complete OCI v1.0.1 configuration.
func (b *Builder) Build() (*specs.Spec, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	spec := &specs.Spec{
		Version: "1.0.1",
		Process: &specs.Process{
			Terminal: b.opts.Terminal,
			Args:     b.defaultedCommand(),
			Cwd:      "/",
			User: specs.User{
				UID: b.opts.UID,
				GID: b.opts.GID,
			},
		},
		Annotations: b.opts.Annotations,
	}

	// (2) namespaces
	spec.Linux = &specs.Linux{
		Namespaces: b.namespaces(),
	}

	// (3) uid/gid mappings
	for _, m := range b.opts.UIDMappings {
		spec.Linux.UIDMappings = append(spec.Linux.UIDMappings, specs.LinuxIDMapping{
			ContainerID: m.ContainerID, HostID: m.HostID, Size: m.Size,
		})
	}
	for _, m := range b.opts.GIDMappings {
		spec.Linux.GIDMappings = append(spec.Linux.GIDMappings, specs.LinuxIDMapping{
			ContainerID: m.ContainerID, HostID: m.HostID, Size: m.Size,
		})
	}

	// (4) runtime + app binds
	if err := b.addRuntimeAndApp(); err != nil {
		return nil, err
	}

	// (12) fixed mount concatenation order: runtime, app [done above],
	// sys, proc, dev, devnodes, cgroup, run, tmp, user/group, media,
	// host-root, host-statics, home, ipc, cache, ld-cache, private, env,
	// extensions, extras. Steps (5)-(11) below compute their mounts in
	// this relative position.
	b.addSys()
	b.addProc()
	b.addDev()
	b.addDevnodes()
	b.addCgroup()
	b.addRun()

	// (6) tmp
	tmpDir, err := b.addTmp()
	if err != nil {
		return nil, err
	}

	b.addUserGroupFiles()
	b.addMedia()
	b.addHostRoot()
	b.addHostStatics()

	// (5) home
	if b.opts.Features.BindHome {
		if err := b.addHome(); err != nil {
			return nil, err
		}
	}

	// (9) IPC
	if b.opts.Features.BindIPC {
		if err := b.addIPC(); err != nil {
			return nil, err
		}
	}

	// (10) cache + ld.so.cache
	if err := b.addCache(); err != nil {
		return nil, err
	}

	// (7)+(8) private dir / mappings
	if b.opts.Features.EnablePrivateDir {
		if err := b.addPrivate(); err != nil {
			return nil, err
		}
	}

	// (11) env
	if err := b.addEnv(); err != nil {
		return nil, err
	}
	spec.Process.Env = b.Env()

	b.mounts = append(b.mounts, b.opts.ExtraMounts...)

	spec.Mounts = b.mounts

	// (13) self-adjusting mount
	rootPath := b.opts.BasePath
	readonlyRoot := true
	if b.opts.Features.EnableSelfAdjustingMount {
		adjusted, newRoot, err := b.selfAdjust(tmpDir)
		if err != nil {
			return nil, err
		}
		spec.Mounts = adjusted
		rootPath = newRoot
	}

	spec.Root = &specs.Root{Path: rootPath, Readonly: readonlyRoot}

	// (14) masked paths + hooks
	spec.Linux.MaskedPaths = append(spec.Linux.MaskedPaths, b.opts.MaskedPaths...)
	spec.Hooks = &specs.Hooks{StartContainer: b.opts.StartContainerHooks}

	return spec, nil
}

func (b *Builder) validate() error {
	if b.opts.AppID == "" {
		return paramInvalid("app id must not be empty")
	}
	if b.opts.BasePath == "" {
		return paramInvalid("base layer path must not be empty")
	}
	if b.opts.BundleDir == "" {
		return paramInvalid("bundle directory must not be empty")
	}
	if _, err := os.Stat(b.opts.BasePath); err != nil {
		return paramInvalid("base layer path %q is not accessible: %v", b.opts.BasePath, err)
	}
	return nil
}

func (b *Builder) defaultedCommand() []string {
	if len(b.opts.Command) > 0 {
		return b.opts.Command
	}
	return []string{"bash"}
}

func (b *Builder) namespaces() []specs.LinuxNamespace {
	ns := []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.UserNamespace},
	}
	if b.opts.Features.IsolateNetwork {
		ns = append(ns, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}
	return ns
}

func (b *Builder) addRuntimeAndApp() error {
	if b.opts.RuntimePath != "" {
		if _, err := os.Stat(b.opts.RuntimePath); err != nil {
			return runtimeMissing("runtime layer path %q is not accessible: %v", b.opts.RuntimePath, err)
		}
		b.mounts = append(b.mounts, specs.Mount{
			Source: b.opts.RuntimePath, Destination: "/runtime", Type: "bind",
			Options: []string{"rbind", "ro"},
		})
	}

	if b.opts.AppPath != "" {
		if _, err := os.Stat(b.opts.AppPath); err != nil {
			return appMissing("app layer path %q is not accessible: %v", b.opts.AppPath, err)
		}
		b.mounts = append(b.mounts,
			specs.Mount{
				Destination: "/opt", Type: "tmpfs", Source: "tmpfs",
				Options: []string{"nosuid", "nodev", "mode=0755"},
			},
			specs.Mount{
				Source:      b.opts.AppPath,
				Destination: fmt.Sprintf("/opt/apps/%s/files", b.opts.AppID),
				Type:        "bind",
				Options:     []string{"rbind", "ro"},
			},
		)
	}
	return nil
}

func (b *Builder) addTmp() (string, error) {
	tmpDir, err := os.MkdirTemp(b.opts.BundleDir, "tmp-")
	if err != nil {
		return "", paramInvalid("failed to create unique tmp dir: %v", err)
	}
	b.mounts = append(b.mounts, specs.Mount{
		Source: tmpDir, Destination: "/tmp", Type: "bind",
		Options: []string{"rbind", "nosuid", "nodev"},
	})
	return tmpDir, nil
}

func (b *Builder) addSys() {
	if !b.opts.Features.BindSys {
		return
	}
	b.mounts = append(b.mounts, specs.Mount{
		Source: "sysfs", Destination: "/sys", Type: "sysfs",
		Options: []string{"nosuid", "noexec", "nodev", "ro"},
	})
}

func (b *Builder) addProc() {
	if !b.opts.Features.BindProc {
		return
	}
	b.mounts = append(b.mounts, specs.Mount{Source: "proc", Destination: "/proc", Type: "proc"})
}

func (b *Builder) addDev() {
	if !b.opts.Features.BindDev {
		return
	}
	b.mounts = append(b.mounts,
		specs.Mount{
			Destination: "/dev", Type: "tmpfs", Source: "tmpfs",
			Options: []string{"nosuid", "strictatime", "mode=755"},
		},
		specs.Mount{
			Destination: "/dev/pts", Type: "devpts", Source: "devpts",
			Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"},
		},
		specs.Mount{
			Destination: "/dev/shm", Type: "tmpfs", Source: "shm",
			Options: []string{"nosuid", "noexec", "nodev", "mode=1777"},
		},
		specs.Mount{
			Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue",
			Options: []string{"nosuid", "noexec", "nodev"},
		},
	)
}

func (b *Builder) addDevnodes() {
	// device node bind passthrough is handled via ExtraMounts by callers
	// that need specific /dev/nvidiaN-style nodes (no GPU passthrough is
	// in spec scope; the hook point is preserved so ExtraMounts can carry
	// them without touching this package).
}

func (b *Builder) addCgroup() {
	if !b.opts.Features.BindCgroup {
		return
	}
	b.mounts = append(b.mounts, specs.Mount{
		Source: "cgroup", Destination: "/sys/fs/cgroup", Type: "cgroup",
		Options: []string{"nosuid", "noexec", "nodev", "relatime", "ro"},
	})
}

func (b *Builder) addRun() {
	if !b.opts.Features.BindRun {
		return
	}
	b.mounts = append(b.mounts, specs.Mount{
		Destination: "/run", Type: "tmpfs", Source: "tmpfs",
		Options: []string{"nosuid", "nodev", "mode=0755"},
	})
}

func (b *Builder) addUserGroupFiles() {
	if !b.opts.Features.BindUserGroupFiles {
		return
	}
	for _, f := range []string{"/etc/passwd", "/etc/group"} {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		b.mounts = append(b.mounts, specs.Mount{
			Source: f, Destination: f, Type: "bind", Options: []string{"rbind", "ro"},
		})
	}
}

func (b *Builder) addMedia() {
	if !b.opts.Features.BindMedia {
		return
	}
	if _, err := os.Stat("/media"); err != nil {
		return
	}
	b.mounts = append(b.mounts, specs.Mount{
		Source: "/media", Destination: "/media", Type: "bind",
		Options: []string{"rbind", "ro"},
	})
}

func (b *Builder) addHostRoot() {
	if !b.opts.Features.BindHostRoot {
		return
	}
	b.mounts = append(b.mounts, specs.Mount{
		Source: "/", Destination: "/run/host/rootfs", Type: "bind",
		Options: []string{"rbind", "ro"},
	})
}

func (b *Builder) addHostStatics() {
	if !b.opts.Features.BindHostStatics {
		return
	}
	for _, f := range []string{"/etc/resolv.conf", "/etc/hosts", "/etc/localtime", "/etc/machine-id"} {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		b.mounts = append(b.mounts, specs.Mount{
			Source: f, Destination: f, Type: "bind", Options: []string{"rbind", "ro"},
		})
	}
}

func (b *Builder) selfAdjust(tmpDir string) ([]specs.Mount, string, error) {
	rootfsPath := filepath.Join(b.opts.BundleDir, "rootfs")
	if err := os.MkdirAll(rootfsPath, 0o755); err != nil {
		return nil, "", err
	}

	// The base layer is bound read-only at "/" of <bundle>/rootfs, so every
	// other destination is resolved against it during the walk.
	tree := mounttree.New()
	tree.Insert(specs.Mount{Source: b.opts.BasePath, Destination: "/", Type: "bind", Options: []string{"rbind", "ro"}})
	for _, m := range b.mounts {
		tree.Insert(m)
	}

	exists := func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	}
	readDir := func(p string) ([]mounttree.DirEntry, error) {
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, cacheMissing("failed to enumerate %q for self-adjusting mount: %v", p, err)
		}
		out := make([]mounttree.DirEntry, 0, len(entries))
		for _, e := range entries {
			isLink := e.Type()&os.ModeSymlink != 0
			out = append(out, mounttree.DirEntry{Name: e.Name(), IsSymlink: isLink})
		}
		return out, nil
	}

	if err := tree.Adjust(exists, readDir); err != nil {
		return nil, "", err
	}

	sylog.Debugf("self-adjusting mount: synthesised rootfs at %s", rootfsPath)
	return tree.BFSMounts(), rootfsPath, nil
}
