// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/linyaps/linglong/internal/pkg/uabpack"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
)

// ExportLayer implements 4.3.2's layer export: for each module of ref,
// package the store's checkout as a single-file EROFS-compressed .layer
// named <id>_<version>_<arch>_<module>.layer under destDir.
func (b *Builder) ExportLayer(ref refs.Reference, modules []string, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return apierror.Wrap(err, "preparing layer export directory")
	}
	for _, module := range modules {
		moduleRef := ref
		moduleRef.Module = module

		checkoutDir := filepath.Join(b.workDir, "export", "checkout", module)
		if err := os.MkdirAll(checkoutDir, 0o755); err != nil {
			return apierror.Wrap(err, "preparing layer checkout directory")
		}
		if err := b.opts.Store.Checkout(moduleRef, module, checkoutDir); err != nil {
			return err
		}

		name := fmt.Sprintf("%s_%s_%s_%s.layer", ref.ID, ref.Version, ref.Arch, module)
		dest := filepath.Join(destDir, name)
		if err := uabpack.MkfsErofs(checkoutDir, dest, "lz4hc"); err != nil {
			return err
		}
	}
	return nil
}

// ExportUAB implements 4.3.2's UAB export: compute the layer chain
// (base, optional runtime, app), optionally trim to the app's runtime
// dependency closure (when full is false), and invoke C3's packager.
func (b *Builder) ExportUAB(ref refs.Reference, full bool, outputPath string) error {
	pkg, err := uabpack.New(filepath.Join(b.workDir, "export", "uab"))
	if err != nil {
		return err
	}

	appInfo, appDir, err := b.checkoutLayerFor(ref)
	if err != nil {
		return err
	}
	if err := pkg.AppendLayer(appDir, appInfo, false); err != nil {
		return err
	}

	if b.baseRef.ID != "" {
		baseInfo, baseDir, err := b.checkoutLayerFor(b.baseRef)
		if err != nil {
			return err
		}
		minified := !full
		if minified {
			if err := trimToNeededSet(baseDir, appDir); err != nil {
				return err
			}
		}
		if err := pkg.AppendLayer(baseDir, baseInfo, minified); err != nil {
			return err
		}
	}
	if b.runtimeRef != nil {
		rtInfo, rtDir, err := b.checkoutLayerFor(*b.runtimeRef)
		if err != nil {
			return err
		}
		minified := !full
		if minified {
			if err := trimToNeededSet(rtDir, appDir); err != nil {
				return err
			}
		}
		if err := pkg.AppendLayer(rtDir, rtInfo, minified); err != nil {
			return err
		}
	}

	return pkg.Pack(outputPath, false)
}

func (b *Builder) checkoutLayerFor(ref refs.Reference) (pkginfo.PackageInfo, string, error) {
	ref.Module = refs.ModuleBinary
	dir := filepath.Join(b.workDir, "export", "uab-layers", ref.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pkginfo.PackageInfo{}, "", apierror.Wrap(err, "preparing uab layer checkout")
	}
	if err := b.opts.Store.Checkout(ref, refs.ModuleBinary, dir); err != nil {
		return pkginfo.PackageInfo{}, "", err
	}
	info, err := pkginfo.Load(filepath.Join(dir, "info.json"))
	if err != nil {
		return pkginfo.PackageInfo{}, "", err
	}
	return *info, dir, nil
}

// trimToNeededSet removes, from the scratch copy under depDir/files used
// only for packing, every shared-library file whose base name is not in
// the needed set derived from the app's ELF dependency closure. Files that
// do not look like shared libraries are kept, and no list of host-provided
// libraries is consulted.
func trimToNeededSet(depDir, appDir string) error {
	needed, err := elfNeededClosure(appDir)
	if err != nil {
		return err
	}
	filesDir := filepath.Join(depDir, "files")
	return filepath.Walk(filesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		base := filepath.Base(path)
		if needed[base] || !looksLikeSharedLib(base) {
			return nil
		}
		return os.Remove(path)
	})
}

func looksLikeSharedLib(name string) bool {
	return filepath.Ext(name) == ".so" || len(name) > 3 && name[len(name)-3:] == ".so" ||
		(len(name) > 0 && containsSoVersionSuffix(name))
}

func containsSoVersionSuffix(name string) bool {
	idx := indexOf(name, ".so.")
	return idx >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// elfNeededClosure scans appDir's ELF binaries for their DT_NEEDED shared
// library names using the host's ldd, approximating the original
// packager's libelf-based dependency walk.
func elfNeededClosure(appDir string) (map[string]bool, error) {
	needed := make(map[string]bool)
	filesDir := filepath.Join(appDir, "files")
	_ = filepath.Walk(filesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
			return nil
		}
		out, lddErr := exec.Command("ldd", path).Output()
		if lddErr != nil {
			return nil
		}
		for _, line := range splitLines(string(out)) {
			if name := parseLddLibName(line); name != "" {
				needed[name] = true
			}
		}
		return nil
	})
	return needed, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func parseLddLibName(line string) string {
	idx := indexOf(line, "=>")
	field := line
	if idx >= 0 {
		field = line[:idx]
	}
	trimmed := trimSpaces(field)
	if trimmed == "" || trimmed == "linux-vdso.so.1" {
		return ""
	}
	return trimmed
}

func trimSpaces(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// runtimeCheck is stage 9: run the project's linglong/main-check.sh with
// bash on the host, in the binary module's output directory. No container
// is started for it. It does nothing when the script or the binary module
// directory is absent.
func (b *Builder) runtimeCheck() error {
	checkScript := filepath.Join(b.opts.ProjectDir, "linglong", "main-check.sh")
	if _, err := os.Stat(checkScript); err != nil {
		return nil
	}

	binDir := b.moduleDirs[refs.ModuleBinary]
	if binDir == "" {
		return nil
	}

	return b.runContainerCheck(binDir, checkScript)
}

func (b *Builder) runContainerCheck(appDir, checkScript string) error {
	cmd := exec.Command("bash", checkScript)
	cmd.Dir = appDir
	cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	if err := cmd.Run(); err != nil {
		return apierror.Wrap(err, "running post-build runtime check")
	}
	return nil
}
