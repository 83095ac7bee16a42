// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package uabloader implements the UAB loader's run-time: locate the
// bundle appended to the running executable, mount it, resolve the app's
// base/runtime layers, and exec ll-box into the assembled container.
package uabloader

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/linyaps/linglong/internal/pkg/containerconfig"
	"github.com/linyaps/linglong/internal/pkg/uabpack"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/runtimeconfig"
	"github.com/linyaps/linglong/pkg/util/bind"
)

const randomNameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// genRandomString returns a 16-character identifier drawn from
// randomNameAlphabet, used for both the container id and a throwaway
// bundle-relative file the loader touches solely to perturb the mount
// tree enough to trigger the self-adjusting mount pass.
func genRandomString() string {
	b := make([]byte, 16)
	for i := range b {
		b[i] = randomNameAlphabet[rand.Intn(len(randomNameAlphabet))]
	}
	return string(b)
}

// archTriplet maps a GOARCH-ish name to the ld.so.conf triplet the loader
// writes into the container's dynamic linker cache configuration.
var archTriplet = map[string]string{
	"x86_64":    "x86_64-linux-gnu",
	"amd64":     "x86_64-linux-gnu",
	"arm64":     "aarch64-linux-gnu",
	"aarch64":   "aarch64-linux-gnu",
	"loong64":   "loongarch64-linux-gnu",
	"loongarch64": "loongarch64-linux-gnu",
	"sw64":      "sw_64-linux-gnu",
	"mips64":    "mips64el-linux-gnuabi64",
}

// Run is cmd/ll-loader's entire main body. It never returns on success:
// ll-box runs as a child process sharing this process's stdio, and its
// exit status (or 128+signal) is propagated via os.Exit.
func Run(args []string) error {
	exePath, err := os.Executable()
	if err != nil {
		return apierror.Wrap(err, "resolving loader executable path")
	}

	bundle, err := uabpack.Open(exePath)
	if err != nil {
		return err
	}
	defer bundle.Close()

	if err := bundle.Verify(); err != nil {
		return err
	}

	appLayer, ok := bundle.Meta.AppLayer()
	if !ok {
		return apierror.Integrityf("uab %q: no app-kind layer packed", exePath)
	}

	containerID := genRandomString()
	exeDir := filepath.Dir(exePath)
	bundleDir := filepath.Join(filepath.Dir(filepath.Dir(exeDir)), containerID)
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return apierror.Wrap(err, "creating uab bundle directory")
	}

	cleanup := func() {
		if !runtimeconfig.UABDebug() {
			os.RemoveAll(bundleDir)
		}
	}
	installSignalHandlers(cleanup)
	defer cleanup()

	imagePath := filepath.Join(bundleDir, "bundle.erofs")
	if err := bundle.ExtractSection(bundle.Meta.Sections.Bundle, imagePath); err != nil {
		return err
	}

	mountPoint := filepath.Join(bundleDir, "image")
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return apierror.Wrap(err, "creating uab image mountpoint")
	}
	if err := mountErofs(imagePath, mountPoint); err != nil {
		return err
	}

	appLayerDir := filepath.Join(mountPoint, "layers", appLayer.Info.ID, appLayer.Info.Module)

	boxBin, err := findLLBox(exeDir)
	if err != nil {
		return err
	}

	opts := containerconfig.Options{
		AppID:       appLayer.Info.ID,
		AppPath:     appLayerDir,
		BasePath:    "/",
		BundleDir:   bundleDir,
		UIDMappings: []containerconfig.IDMapping{{ContainerID: uint32(os.Getuid()), HostID: uint32(os.Getuid()), Size: 1}},
		GIDMappings: []containerconfig.IDMapping{{ContainerID: uint32(os.Getgid()), HostID: uint32(os.Getgid()), Size: 1}},
		Features: containerconfig.Features{
			BindSys: true, BindProc: true, BindDev: true, BindRun: true, BindTmp: true,
			BindUserGroupFiles: true, EnableLDCache: true, EnableSelfAdjustingMount: true,
		},
		ForwardEnvVars: forwardedEnvNames(),
		Command:        appLayer.Info.Command,
		Terminal:       isatty(os.Stdout),
		UID:            uint32(os.Getuid()),
		GID:            uint32(os.Getgid()),
	}
	if len(opts.Command) == 0 {
		opts.Command = []string{"bash"}
	}

	if base, ok := bundle.Meta.BaseLayer(); ok {
		opts.BasePath = filepath.Join(mountPoint, "layers", base.Info.ID, base.Info.Module)
	}
	if rt, ok := bundle.Meta.RuntimeLayer(); ok {
		opts.RuntimePath = filepath.Join(mountPoint, "layers", rt.Info.ID, rt.Info.Module)
	}

	ldExtra, err := processLDConfig(bundleDir, appLayer.Info.ID)
	if err != nil {
		return err
	}
	opts.ExtraMounts = append(opts.ExtraMounts, ldExtra...)
	opts.StartContainerHooks = []specs.Hook{
		{Path: "/sbin/ldconfig", Args: []string{"ldconfig", "-C", "/tmp/ld.so.cache"}},
		{Path: "/bin/sh", Args: []string{"sh", "-c", "cat /tmp/ld.so.cache > /etc/ld.so.cache"}},
	}

	spec, err := containerconfig.New(opts).Build()
	if err != nil {
		return err
	}
	spec.Linux.Namespaces = []specs.LinuxNamespace{
		{Type: specs.UserNamespace},
		{Type: specs.MountNamespace},
	}

	configPath := filepath.Join(bundleDir, "config.json")
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return apierror.Wrap(err, "encoding container config")
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return apierror.Wrap(err, "writing container config")
	}

	cmd := exec.Command(boxBin, "--cgroup-manager=disabled", "run", "--bundle="+bundleDir, "--config=config.json", containerID)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	runErr := cmd.Run()
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				os.Exit(128 + int(status.Signal()))
			}
			os.Exit(status.ExitStatus())
		}
	}
	if runErr != nil {
		return apierror.Wrap(runErr, "running ll-box")
	}
	os.Exit(0)
	return nil
}

func installSignalHandlers(cleanup func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGABRT)
	go func() {
		sig := <-c
		cleanup()
		os.Exit(128 + int(sig.(syscall.Signal)))
	}()
}

func findLLBox(exeDir string) (string, error) {
	candidate := filepath.Join(exeDir, "extra", "ll-box")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	if path, err := exec.LookPath("ll-box"); err == nil {
		return path, nil
	}
	return "", apierror.DependencyMissing("ll-box runtime not found alongside loader or on PATH")
}

// processLDConfig writes an ld.so.conf.d fragment for the running
// architecture's triplet and touches a random file under the bundle so the
// self-adjusting mount pass observes a change and remounts, mirroring the
// original loader's fixMount trigger.
func processLDConfig(bundleDir, appID string) ([]specs.Mount, error) {
	triplet := archTriplet[normalizedArch()]
	if triplet == "" {
		triplet = "x86_64-linux-gnu"
	}

	confDir := filepath.Join(bundleDir, "ld-conf")
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, apierror.Wrap(err, "preparing ld.so.conf.d fragment")
	}
	confPath := filepath.Join(confDir, fmt.Sprintf("zz_deepin-linglong-app-%s.conf", appID))
	if err := os.WriteFile(confPath, []byte("/runtime/lib/"+triplet+"\n"), 0o644); err != nil {
		return nil, apierror.Wrap(err, "writing ld.so.conf.d fragment")
	}

	triggerName := genRandomString()
	triggerPath := filepath.Join(bundleDir, triggerName)
	if err := os.WriteFile(triggerPath, nil, 0o644); err != nil {
		return nil, apierror.Wrap(err, "writing mount-tree trigger file")
	}

	return []specs.Mount{
		bind.ReadOnly(confPath, "/etc/ld.so.conf.d/zz_deepin-linglong-app.conf"),
		bind.ReadOnly(triggerPath, filepath.Join("/etc", appID, triggerName)),
	}, nil
}

func normalizedArch() string {
	if v := os.Getenv("LINGLONG_LOADER_ARCH"); v != "" {
		return v
	}
	return runtime.GOARCH
}

func forwardedEnvNames() []string {
	var names []string
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			names = append(names, kv[:i])
		}
	}
	return names
}

func isatty(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

func mountErofs(image, target string) error {
	cmd := exec.Command("mount", "-t", "erofs", "-o", "loop,ro", image, target)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return apierror.Wrap(err, "mounting uab bundle image")
	}
	return nil
}
