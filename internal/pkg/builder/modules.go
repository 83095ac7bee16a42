// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/otiai10/copy"

	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
)

// entryDirs mirrors the set of files/ subtrees copied into the sibling
// entries/ directory the host desktop environment scans, keyed by
// destination name when it differs from the source.
var entryDirs = map[string]string{
	"share/applications": "share/applications",
	"share/mime":         "share/mime",
	"share/icons":        "share/icons",
	"share/dbus-1":       "share/dbus-1",
	"share/gnome-shell":  "share/gnome-shell",
	"share/appdata":      "share/metainfo",
	"share/metainfo":     "share/metainfo",
	"share/plugins":      "share/plugins",
	"share/systemd":      "share/systemd",
	"share/deepin-manual": "share/deepin-manual",
}

// generateEntries is stage 6.
func (b *Builder) generateEntries() error {
	filesDir := filepath.Join(b.outputDir, "files")
	entriesDir := filepath.Join(b.outputDir, "entries")

	for src, dst := range entryDirs {
		srcPath := filepath.Join(filesDir, src)
		if _, err := os.Stat(srcPath); err != nil {
			continue
		}
		dstPath := filepath.Join(entriesDir, dst)
		if err := copy.Copy(srcPath, dstPath); err != nil {
			return apierror.Wrap(err, "copying desktop entries")
		}
	}

	systemdUser := filepath.Join(filesDir, "lib", "systemd", "user")
	if _, err := os.Stat(systemdUser); err == nil {
		dst := filepath.Join(entriesDir, "share", "systemd", "user")
		if err := copy.Copy(systemdUser, dst); err != nil {
			return apierror.Wrap(err, "relocating systemd user units")
		}
	}
	return nil
}

// splitModules is stage 7: run the Install-Module algorithm for each
// declared module (plus the injected default develop module), then sweep
// whatever remains in the build output into the binary module last.
func (b *Builder) splitModules() error {
	claimed := make(map[string]bool)
	filesDir := filepath.Join(b.outputDir, "files")

	modules := b.project.EffectiveModules()
	for _, m := range modules {
		dest := filepath.Join(b.workDir, "modules", m.Name)
		moved, err := applyInstallRules(filesDir, dest, m.Rules, claimed)
		if err != nil {
			return err
		}
		b.moduleDirs[m.Name] = dest
		if err := writeInstallManifest(b.workDir, m.Name, moved); err != nil {
			return err
		}
	}

	binaryDest := filepath.Join(b.workDir, "modules", refs.ModuleBinary)
	remaining, err := sweepRemaining(filesDir, binaryDest, claimed)
	if err != nil {
		return err
	}
	b.moduleDirs[refs.ModuleBinary] = binaryDest
	return writeInstallManifest(b.workDir, refs.ModuleBinary, remaining)
}

// applyInstallRules walks srcRoot applying rules in order: a "^"-prefixed
// rule compiles as a regex matched against the path rooted at srcRoot; any
// other rule is matched with moby/patternmatcher's glob semantics. A file
// is moved at most once — rule order determines which rule wins a file
// already claimed by an earlier one is skipped by later rules.
func applyInstallRules(srcRoot, destRoot string, rules pkginfo.RuleList, claimed map[string]bool) ([]string, error) {
	var regexes []*regexp.Regexp
	var globs []string
	for _, r := range rules {
		if r == "" || strings.HasPrefix(r, "#") {
			continue
		}
		if rules.IsRegexRule(r) {
			re, err := regexp.Compile(r[1:])
			if err != nil {
				return nil, apierror.Validationf("invalid install rule regex %q: %v", r, err)
			}
			regexes = append(regexes, re)
		} else {
			globs = append(globs, r)
		}
	}

	var pm *patternmatcher.PatternMatcher
	if len(globs) > 0 {
		var err error
		pm, err = patternmatcher.New(globs)
		if err != nil {
			return nil, apierror.Validationf("invalid install rule pattern: %v", err)
		}
	}

	var moved []string
	err := filepath.Walk(srcRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if claimed[rel] {
			return nil
		}

		match := false
		for _, re := range regexes {
			if re.MatchString("/" + rel) {
				match = true
				break
			}
		}
		if !match && pm != nil {
			if ok, err := pm.Matches(rel); err == nil && ok {
				match = true
			}
		}
		if !match {
			return nil
		}

		if err := moveRelocating(path, filepath.Join(destRoot, rel)); err != nil {
			return err
		}
		claimed[rel] = true
		moved = append(moved, rel)
		return nil
	})
	return moved, err
}

// sweepRemaining moves every still-unclaimed path under srcRoot into
// destRoot, for the binary module's final catch-all pass.
func sweepRemaining(srcRoot, destRoot string, claimed map[string]bool) ([]string, error) {
	var moved []string
	err := filepath.Walk(srcRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return err
		}
		if claimed[rel] {
			return nil
		}
		if err := moveRelocating(path, filepath.Join(destRoot, rel)); err != nil {
			return err
		}
		claimed[rel] = true
		moved = append(moved, rel)
		return nil
	})
	return moved, err
}

func moveRelocating(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apierror.Wrap(err, "preparing module output directory")
	}
	if err := os.Rename(src, dst); err != nil {
		return apierror.Wrap(err, "moving build output into module")
	}
	return nil
}

func writeInstallManifest(workDir, module string, entries []string) error {
	path := filepath.Join(workDir, module+".install")
	return os.WriteFile(path, []byte(strings.Join(entries, "\n")+"\n"), 0o644)
}

// mergeHardlinkTree recursively hard-links every regular file (and
// replicates every symlink) from src into dst, used to fold the apt
// depends container's installed usr/ tree into the build output's bin/
// and lib/ without a second full copy.
func mergeHardlinkTree(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		}
		os.Remove(target)
		if err := os.Link(path, target); err != nil {
			return copy.Copy(path, target)
		}
		return nil
	})
}
