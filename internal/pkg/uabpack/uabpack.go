// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package uabpack builds and verifies UAB bundles: a loader ELF with an
// appended EROFS image and a trailing UabMetaInfo JSON section, in the
// shape internal/app/uabloader expects to mount and exec. Building the
// EROFS image and appending ELF sections both shell out to the matching
// system tool (mkfs.erofs, objcopy) rather than linking a filesystem
// library directly.
package uabpack

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"
	"github.com/google/uuid"

	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/sylog"
	"github.com/linyaps/linglong/pkg/uab"
)

// DefaultLoaderPath is where the packaged ll-loader binary is installed
// alongside the rest of the toolchain.
const DefaultLoaderPath = "/usr/libexec/linglong/ll-loader"

// Packager assembles a UAB bundle out of one or more layer directories.
type Packager struct {
	workDir     string
	loaderPath  string
	compressor  string
	icon        string
	layers      []packedLayer
	includeGlob []string
	excludeGlob []string
}

type packedLayer struct {
	dir      string
	info     pkginfo.PackageInfo
	minified bool
}

// New returns a Packager that stages its intermediate EROFS tree and the
// final bundle under workDir.
func New(workDir string) (*Packager, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, apierror.Wrap(err, "creating uab work directory")
	}
	return &Packager{workDir: workDir, loaderPath: DefaultLoaderPath, compressor: "lz4"}, nil
}

// SetLoader overrides the loader ELF used as the bundle's base.
func (p *Packager) SetLoader(path string) { p.loaderPath = path }

// SetCompressor selects the EROFS compression algorithm (lz4hc, lz4, none).
func (p *Packager) SetCompressor(name string) { p.compressor = name }

// SetIcon attaches an icon file to the bundle as its own ELF section.
func (p *Packager) SetIcon(path string) { p.icon = path }

// Include/Exclude add glob patterns layer files are filtered against
// before being copied into the bundle tree, mirroring the packager's
// include()/exclude() file lists.
func (p *Packager) Include(globs []string) { p.includeGlob = append(p.includeGlob, globs...) }
func (p *Packager) Exclude(globs []string) { p.excludeGlob = append(p.excludeGlob, globs...) }

// AppendLayer stages layerDir (a module's files/ tree plus its info.json)
// to be packed. minified marks a layer that was trimmed to only the app's
// runtime dependency closure.
func (p *Packager) AppendLayer(layerDir string, info pkginfo.PackageInfo, minified bool) error {
	if _, err := os.Stat(layerDir); err != nil {
		return apierror.Wrap(err, "staging uab layer")
	}
	p.layers = append(p.layers, packedLayer{dir: layerDir, info: info, minified: minified})
	return nil
}

// Pack assembles every staged layer into outputPath: an EROFS image holding
// the filtered layer trees, appended to a copy of the loader ELF, followed
// by a UabMetaInfo JSON section. onlyApp packs just the app module; the
// loader then runs it with the host's / as base and no runtime layer.
func (p *Packager) Pack(outputPath string, onlyApp bool) error {
	if len(p.layers) == 0 {
		return apierror.Validationf("uab: no layers staged")
	}

	bundleRoot := filepath.Join(p.workDir, "bundle")
	if err := os.MkdirAll(bundleRoot, 0o755); err != nil {
		return apierror.Wrap(err, "preparing uab bundle root")
	}

	var metaLayers []uab.LayerEntry
	for _, l := range p.layers {
		if onlyApp && l.info.Kind != pkginfo.KindApp {
			continue
		}
		dest := filepath.Join(bundleRoot, "layers", l.info.ID, l.info.Module)
		if err := p.copyFiltered(l.dir, dest); err != nil {
			return err
		}
		metaLayers = append(metaLayers, uab.LayerEntry{Info: l.info, Minified: l.minified})
	}
	if len(metaLayers) == 0 {
		return apierror.Validationf("uab: onlyApp set but no app-kind layer was staged")
	}

	erofsPath := filepath.Join(p.workDir, "bundle.erofs")
	if err := MkfsErofs(bundleRoot, erofsPath, p.compressor); err != nil {
		return err
	}
	defer os.Remove(erofsPath)

	if err := copyFile(p.loaderPath, outputPath, 0o755); err != nil {
		return apierror.Wrap(err, "staging loader binary")
	}

	bundleDigest, err := digestFile(erofsPath)
	if err != nil {
		return err
	}

	if err := appendElfSection(outputPath, uab.SectionBundle, erofsPath); err != nil {
		return err
	}
	if p.icon != "" {
		if err := appendElfSection(outputPath, uab.SectionIcon, p.icon); err != nil {
			return err
		}
	}

	meta := uab.MetaInfo{
		Version: uab.MetaVersion,
		UUID:    uuid.NewString(),
		Digest:  bundleDigest.String(),
		Sections: uab.Sections{
			Bundle: uab.SectionBundle,
		},
		Layers: metaLayers,
	}
	if onlyApp {
		t := true
		meta.OnlyApp = &t
	}
	if p.icon != "" {
		meta.Sections.Icon = uab.SectionIcon
	}

	metaPath := filepath.Join(p.workDir, "meta.json")
	data, err := json.Marshal(meta)
	if err != nil {
		return apierror.Wrap(err, "encoding uab metadata")
	}
	if err := os.WriteFile(metaPath, data, 0o644); err != nil {
		return apierror.Wrap(err, "writing uab metadata")
	}
	defer os.Remove(metaPath)

	if err := appendElfSection(outputPath, uab.SectionMeta, metaPath); err != nil {
		return err
	}

	sylog.Infof("packed uab %s (%d layers, onlyApp=%v)", outputPath, len(metaLayers), onlyApp)
	return nil
}

// copyFiltered stages src into dst, applying the packager's include/exclude
// glob lists. A file matching any exclude glob is skipped unless it also
// matches an include glob.
func (p *Packager) copyFiltered(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dst, 0o755)
		}
		if info.IsDir() {
			return os.MkdirAll(filepath.Join(dst, rel), info.Mode().Perm())
		}
		if p.excluded(rel) {
			return nil
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func (p *Packager) excluded(rel string) bool {
	for _, g := range p.includeGlob {
		if ok, _ := filepath.Match(g, rel); ok {
			return false
		}
	}
	for _, g := range p.excludeGlob {
		if ok, _ := filepath.Match(g, rel); ok {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func digestFile(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apierror.Wrap(err, "digesting uab bundle image")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", apierror.Wrap(err, "digesting uab bundle image")
	}
	return digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil)), nil
}

// MkfsErofs shells out to mkfs.erofs: the filesystem format is a
// system-provided tool, not a library this module links against.
func MkfsErofs(srcDir, outPath, compressor string) error {
	args := []string{"-zlz4hc", outPath, srcDir}
	if compressor != "" {
		args[0] = "-z" + compressor
	}
	cmd := exec.Command("mkfs.erofs", args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return apierror.Wrap(err, "running mkfs.erofs")
	}
	return nil
}

// appendElfSection appends dataFile as a new, loadable-but-unmapped ELF
// section named sectionName onto the binary at elfPath, using objcopy's
// --add-section the way elfHelper::addNewSection uses libelf directly.
func appendElfSection(elfPath, sectionName, dataFile string) error {
	cmd := exec.Command("objcopy",
		"--add-section", sectionName+"="+dataFile,
		"--set-section-flags", sectionName+"=noload,readonly",
		elfPath, elfPath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return apierror.Wrap(err, fmt.Sprintf("appending uab section %q", sectionName))
	}
	return nil
}
