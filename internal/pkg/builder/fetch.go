// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"

	archive "github.com/moby/go-archive"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/linyaps/linglong/internal/pkg/store"
	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/pkginfo"
)

func (b *Builder) cacheDir() string  { return filepath.Join(b.workDir, "cache") }
func (b *Builder) sourcesDir() string { return filepath.Join(b.workDir, "sources") }

// fetchSources is stage 2: dispatch every declared source by kind,
// showing progress on a console progress bar. task is only checked for
// cancellation after each source; no progress is reported through it.
func (b *Builder) fetchSources(task store.Task) error {
	if err := os.MkdirAll(b.cacheDir(), 0o755); err != nil {
		return apierror.Wrap(err, "preparing source cache directory")
	}
	if err := os.MkdirAll(b.sourcesDir(), 0o755); err != nil {
		return apierror.Wrap(err, "preparing sources directory")
	}

	progress := mpb.New(mpb.WithOutput(os.Stderr))
	defer progress.Wait()

	for _, src := range b.project.Sources {
		name := src.Name
		if name == "" {
			name = b.project.Package.ID
		}
		dest := filepath.Join(b.sourcesDir(), name)

		switch src.Kind {
		case pkginfo.SourceArchive, pkginfo.SourceFile:
			if err := b.fetchArchiveOrFile(progress, src, name, dest, src.Kind == pkginfo.SourceArchive); err != nil {
				return err
			}
		case pkginfo.SourceGit:
			if err := b.fetchGit(src, dest); err != nil {
				return err
			}
		case pkginfo.SourceDSC:
			if err := b.fetchDSC(progress, src, name, dest); err != nil {
				return err
			}
		default:
			return apierror.Validationf("source %q: unsupported kind %q", src.URL, src.Kind)
		}
		if task.Canceled() {
			return apierror.Canceledf("source fetch canceled")
		}
	}
	return nil
}

func (b *Builder) fetchArchiveOrFile(progress *mpb.Progress, src pkginfo.Source, name, dest string, extract bool) error {
	cachePath := filepath.Join(b.cacheDir(), name+filepath.Ext(src.URL))
	if err := downloadWithDigest(progress, src.URL, cachePath, src.Digest); err != nil {
		return err
	}
	if !extract {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return apierror.Wrap(err, "preparing source directory")
		}
		return copyPlainFile(cachePath, filepath.Join(dest, filepath.Base(cachePath)))
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return apierror.Wrap(err, "preparing source directory")
	}
	f, err := os.Open(cachePath)
	if err != nil {
		return apierror.Wrap(err, "reopening cached source archive")
	}
	defer f.Close()
	if err := archive.Untar(f, dest, &archive.TarOptions{NoLchown: true}); err != nil {
		return apierror.Wrap(err, "extracting source archive")
	}
	return nil
}

func (b *Builder) fetchGit(src pkginfo.Source, dest string) error {
	if _, err := os.Stat(filepath.Join(dest, ".git")); err != nil {
		cmd := exec.Command("git", "clone", src.URL, dest)
		cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
		if err := cmd.Run(); err != nil {
			return apierror.Wrap(err, "cloning git source")
		}
	}
	ref := src.Commit
	if ref == "" {
		ref = src.Version
	}
	if ref != "" {
		checkout := exec.Command("git", "-C", dest, "checkout", ref)
		checkout.Stdout, checkout.Stderr = os.Stderr, os.Stderr
		if err := checkout.Run(); err != nil {
			return apierror.Wrap(err, "checking out git source ref")
		}
	}
	reset := exec.Command("git", "-C", dest, "reset", "--hard")
	reset.Stdout, reset.Stderr = os.Stderr, os.Stderr
	if err := reset.Run(); err != nil {
		return apierror.Wrap(err, "resetting git source")
	}
	return nil
}

func (b *Builder) fetchDSC(progress *mpb.Progress, src pkginfo.Source, name, dest string) error {
	cachePath := filepath.Join(b.cacheDir(), name+".dsc")
	if err := downloadWithDigest(progress, src.URL, cachePath, src.Digest); err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return apierror.Wrap(err, "preparing dsc source directory")
	}
	cmd := exec.Command("dpkg-source", "-x", cachePath, dest)
	cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	if err := cmd.Run(); err != nil {
		return apierror.Wrap(err, "expanding dsc source")
	}
	return nil
}

// downloadWithDigest fetches url to destPath, reporting bytes received
// through an mpb progress bar, and verifies the SHA-256 digest when one is
// declared. A cache hit (destPath already verified) skips the network
// round trip entirely.
func downloadWithDigest(progress *mpb.Progress, url, destPath, wantDigest string) error {
	if wantDigest != "" {
		if ok, _ := verifyDigest(destPath, wantDigest); ok {
			return nil
		}
	}

	resp, err := http.Get(url)
	if err != nil {
		return apierror.Wrap(err, "downloading source")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apierror.IOf("downloading %q: server returned %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return apierror.Wrap(err, "preparing source cache directory")
	}
	out, err := os.Create(destPath)
	if err != nil {
		return apierror.Wrap(err, "creating cached source file")
	}
	defer out.Close()

	bar := progress.AddBar(resp.ContentLength,
		mpb.PrependDecorators(decor.Name(filepath.Base(destPath))),
		mpb.AppendDecorators(decor.CountersKibiByte("% .2f / % .2f")),
	)
	reader := bar.ProxyReader(resp.Body)
	defer reader.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), reader); err != nil {
		return apierror.Wrap(err, "writing cached source file")
	}

	if wantDigest != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if got != wantDigest {
			os.Remove(destPath)
			return apierror.Integrityf("source %q: digest mismatch, expected %s got %s", url, wantDigest, got)
		}
	}
	return nil
}

func verifyDigest(path, wantDigest string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(h.Sum(nil)) == wantDigest, nil
}

func copyPlainFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return apierror.Wrap(err, "opening cached source file")
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return apierror.Wrap(err, "creating source file copy")
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
