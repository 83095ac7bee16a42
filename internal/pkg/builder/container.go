// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/linyaps/linglong/internal/pkg/containerconfig"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
	"github.com/linyaps/linglong/pkg/util/bind"
)

// overlay is one FUSE-overlayfs mount the build container layers a
// writable view onto a pulled (read-only) dependency checkout.
type overlay struct {
	lower, upper, work, merged string
}

func (b *Builder) newOverlay(name, lower string) (overlay, error) {
	root := filepath.Join(b.workDir, "overlay", "build_"+name)
	o := overlay{
		lower:  lower,
		upper:  filepath.Join(root, "upper"),
		work:   filepath.Join(root, "work"),
		merged: filepath.Join(root, "merged"),
	}
	for _, d := range []string{o.upper, o.work, o.merged} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return overlay{}, apierror.Wrap(err, "preparing overlay directory")
		}
	}
	return o, nil
}

func (o overlay) mount() error {
	args := []string{
		"-o", fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", o.lower, o.upper, o.work),
		o.merged,
	}
	cmd := exec.Command("fuse-overlayfs", args...)
	cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	if err := cmd.Run(); err != nil {
		return apierror.Wrap(err, "mounting fuse-overlayfs")
	}
	return nil
}

func (o overlay) unmount() {
	exec.Command("fusermount", "-u", o.merged).Run()
}

func (b *Builder) installPrefix() string {
	if b.project.Package.Kind == pkginfo.KindRuntime {
		return "/runtime"
	}
	return filepath.Join("/opt/apps", b.project.Package.ID, "files")
}

func (b *Builder) triplet() string {
	return archTripletFor(b.project.Package.Architecture)
}

// runBuildContainer is stage 4: overlay base (and runtime) read-only
// checkouts, mount the merged views into the container, and run the
// project's build script via a synthesised entry.sh.
func (b *Builder) runBuildContainer() error {
	baseOverlay, err := b.newOverlay("base", filepath.Join(b.baseDir, "files"))
	if err != nil {
		return err
	}
	if err := baseOverlay.mount(); err != nil {
		return err
	}
	defer baseOverlay.unmount()

	var runtimeOverlay *overlay
	if b.runtimeDir != "" {
		ro, err := b.newOverlay("runtime", filepath.Join(b.runtimeDir, "files"))
		if err != nil {
			return err
		}
		if err := ro.mount(); err != nil {
			return err
		}
		defer ro.unmount()
		runtimeOverlay = &ro
	}
	b.overlayUpper = baseOverlay.upper

	outputDir := filepath.Join(b.workDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return apierror.Wrap(err, "preparing build output directory")
	}
	b.outputDir = outputDir

	cacheDir := filepath.Join(b.workDir, "run-cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return apierror.Wrap(err, "preparing app-cache directory")
	}

	if err := b.writeEntryScript(); err != nil {
		return err
	}

	extraMounts := []specs.Mount{
		bind.ReadWrite(outputDir, b.installPrefix()),
		bind.ReadWrite(b.opts.ProjectDir, "/project"),
		bind.ReadWrite(cacheDir, "/run/linglong/cache"),
	}

	hooks := []specs.Hook{{Path: "/sbin/ldconfig", Args: []string{"ldconfig"}}}
	if apt := b.project.BuildExt; apt != nil && apt.Apt != nil && len(apt.Apt.BuildDepends) > 0 {
		hooks = append(hooks, aptInstallHook(apt.Apt.BuildDepends))
	}

	perm, err := decodePermissions(b.project.Permissions)
	if err != nil {
		return err
	}

	opts := containerconfig.Options{
		AppID:     b.project.Package.ID,
		BasePath:  baseOverlay.merged,
		BundleDir: filepath.Join(b.workDir, "container", "build"),
		Features: containerconfig.Features{
			BindSys: true, BindProc: true, BindDev: true, BindRun: true, BindTmp: true,
			BindUserGroupFiles: true, EnableLDCache: true, BindHome: perm.Home,
		},
		ExtraMounts:         extraMounts,
		StartContainerHooks: hooks,
		Command:             []string{"bash", "-e", "/project/linglong/entry.sh"},
		ForwardEnvVars:      []string{"PATH", "TERM", "HOME"},
		AppendEnv: map[string]string{
			"PREFIX":              b.installPrefix(),
			"TRIPLET":             b.triplet(),
			"LINGLONG_LD_SO_CACHE": "/etc/ld.so.cache",
		},
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}
	if runtimeOverlay != nil {
		opts.RuntimePath = runtimeOverlay.merged
	}

	return b.runContainer(opts)
}

// RunShell re-enters the build container on the pulled base (and optional
// runtime) checkouts and runs command, for ll-builder run's interactive
// debugging use case; it requires pullDependencies to have already run.
func (b *Builder) RunShell(command []string) error {
	if b.baseDir == "" {
		return apierror.Validationf("no dependency has been pulled yet; run ll-builder build first")
	}
	baseOverlay, err := b.newOverlay("shell", filepath.Join(b.baseDir, "files"))
	if err != nil {
		return err
	}
	if err := baseOverlay.mount(); err != nil {
		return err
	}
	defer baseOverlay.unmount()

	opts := containerconfig.Options{
		AppID:     b.project.Package.ID,
		BasePath:  baseOverlay.merged,
		BundleDir: filepath.Join(b.workDir, "container", "shell"),
		Features: containerconfig.Features{
			BindSys: true, BindProc: true, BindDev: true, BindRun: true, BindTmp: true,
			BindUserGroupFiles: true, EnableLDCache: true,
		},
		ExtraMounts:    []specs.Mount{bind.ReadWrite(b.opts.ProjectDir, "/project")},
		Command:        command,
		ForwardEnvVars: []string{"PATH", "TERM", "HOME"},
		UID:            uint32(os.Getuid()),
		GID:            uint32(os.Getgid()),
	}
	if b.runtimeDir != "" {
		opts.RuntimePath = filepath.Join(b.runtimeDir, "files")
	}
	return b.runContainer(opts)
}

// prepareDepends is stage 5: when buildext.apt.depends is set, run a
// second, hook-less container over a fresh "depends" overlay of the base
// checkout to apt-install the runtime package set, then merge that
// overlay's upperdir usr/ into the build output's bin/ and lib/. The
// runtime layer is not mounted in this container and no runtime upperdir
// is merged.
func (b *Builder) prepareDepends() error {
	apt := b.project.BuildExt
	if apt == nil || apt.Apt == nil || len(apt.Apt.Depends) == 0 {
		return nil
	}

	depOverlay, err := b.newOverlay("depends", filepath.Join(b.baseDir, "files"))
	if err != nil {
		return err
	}
	if err := depOverlay.mount(); err != nil {
		return err
	}
	defer depOverlay.unmount()

	opts := containerconfig.Options{
		AppID:     b.project.Package.ID,
		BasePath:  depOverlay.merged,
		BundleDir: filepath.Join(b.workDir, "container", "depends"),
		Features: containerconfig.Features{
			BindSys: true, BindProc: true, BindDev: true,
		},
		Command: aptInstallArgs(apt.Apt.Depends),
		UID:     uint32(os.Getuid()),
		GID:     uint32(os.Getgid()),
	}
	if err := b.runContainer(opts); err != nil {
		return err
	}

	return mergeHardlinkTree(filepath.Join(depOverlay.upper, "usr"), b.outputDir)
}

func (b *Builder) runContainer(opts containerconfig.Options) error {
	spec, err := containerconfig.New(opts).Build()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.BundleDir, 0o755); err != nil {
		return apierror.Wrap(err, "preparing container bundle directory")
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return apierror.Wrap(err, "encoding build container config")
	}
	configPath := filepath.Join(opts.BundleDir, "config.json")
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return apierror.Wrap(err, "writing build container config")
	}

	cmd := exec.Command(findBoxBinary(), "--cgroup-manager=disabled", "run",
		"--bundle="+opts.BundleDir, "--config=config.json", refs.ModuleBinary+"-build")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return apierror.Wrap(err, "running build container")
	}
	return nil
}

func findBoxBinary() string {
	if path, err := exec.LookPath("ll-box"); err == nil {
		return path
	}
	return "ll-box"
}

func aptInstallHook(packages []string) specs.Hook {
	args := append([]string{"sh", "-c", "apt update && apt -y install"}, packages...)
	return specs.Hook{Path: "/bin/sh", Args: args}
}

func aptInstallArgs(packages []string) []string {
	return append([]string{"apt", "-y", "install"}, packages...)
}

func archTripletFor(arch string) string {
	if t, ok := archTriplets[arch]; ok {
		return t
	}
	return archTriplets["x86_64"]
}

// buildPermissions is the subset of linglong.yaml's free-form permissions:
// block the build container consults; mapstructure decodes it from the
// generic map the manifest parser leaves untyped, since permissions grow
// new keys independently of this repo's release cadence.
type buildPermissions struct {
	Home      bool `mapstructure:"home"`
	Autostart bool `mapstructure:"autostart"`
}

func decodePermissions(raw map[string]interface{}) (buildPermissions, error) {
	var p buildPermissions
	if raw == nil {
		return p, nil
	}
	if err := mapstructure.Decode(raw, &p); err != nil {
		return p, apierror.Validationf("linglong.yaml: invalid permissions block: %v", err)
	}
	return p, nil
}

var archTriplets = map[string]string{
	"x86_64":      "x86_64-linux-gnu",
	"arm64":       "aarch64-linux-gnu",
	"loongarch64": "loongarch64-linux-gnu",
	"sw_64":       "sw_64-linux-gnu",
	"mips64":      "mips64el-linux-gnuabi64",
}

// writeEntryScript synthesises linglong/entry.sh, the script the build
// container runs, from the project's build script body. The only variable
// it sets itself is CFLAGS, extended with -g unless SkipStripSymbols is set.
func (b *Builder) writeEntryScript() error {
	cflags := ""
	if !b.opts.Config.SkipStripSymbols {
		cflags = "export CFLAGS=\"$CFLAGS -g\"\n"
	}
	script := "#!/bin/bash\nset -e\n" + cflags + b.project.Build.Script + "\n"
	path := filepath.Join(b.workDir, "entry.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		return apierror.Wrap(err, "writing build entry script")
	}
	return nil
}
