// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package uabpack

import (
	"crypto/sha256"
	"debug/elf"
	"encoding/json"
	"io"
	"os"

	digest "github.com/opencontainers/go-digest"

	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/uab"
)

// Bundle is an opened UAB file: its metadata plus handles on the
// file-backed sections the loader mounts and verifies.
type Bundle struct {
	path string
	ef   *elf.File
	Meta uab.MetaInfo
}

// Open reads path's ELF sections and parses its UabMetaInfo section,
// mirroring UABFile::loadFromFile. It does not check the bundle digest;
// that is Verify's job.
func Open(path string) (*Bundle, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, apierror.Wrap(err, "opening uab as ELF")
	}

	b := &Bundle{path: path, ef: ef}

	sec := ef.Section(uab.SectionMeta)
	if sec == nil {
		ef.Close()
		return nil, apierror.Integrityf("uab %q: missing %s section", path, uab.SectionMeta)
	}
	data, err := sec.Data()
	if err != nil {
		ef.Close()
		return nil, apierror.Wrap(err, "reading uab metadata section")
	}
	if err := json.Unmarshal(data, &b.Meta); err != nil {
		ef.Close()
		return nil, apierror.Wrap(err, "parsing uab metadata")
	}
	return b, nil
}

// Close releases the underlying ELF file handle.
func (b *Bundle) Close() error { return b.ef.Close() }

// SectionOffsetSize returns the file offset and size of the named section,
// for callers that need to carve the bundle image out for mounting (e.g.
// via a loop device) rather than decompressing it through Go.
func (b *Bundle) SectionOffsetSize(name string) (int64, int64, bool) {
	sec := b.ef.Section(name)
	if sec == nil {
		return 0, 0, false
	}
	return int64(sec.Offset), int64(sec.Size), true
}

// ExtractSection copies the named section's raw bytes to destPath, used to
// carve the bundle EROFS image out to a regular file the loader then loop
// mounts.
func (b *Bundle) ExtractSection(name, destPath string) error {
	off, size, ok := b.SectionOffsetSize(name)
	if !ok {
		return apierror.Integrityf("uab %q: missing section %q", b.path, name)
	}
	src, err := os.Open(b.path)
	if err != nil {
		return apierror.Wrap(err, "reopening uab file")
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return apierror.Wrap(err, "creating extracted uab section")
	}
	defer dst.Close()

	if _, err := src.Seek(off, io.SeekStart); err != nil {
		return apierror.Wrap(err, "seeking uab section")
	}
	if _, err := io.CopyN(dst, src, size); err != nil {
		return apierror.Wrap(err, "extracting uab section")
	}
	return nil
}

// Verify recomputes the bundle image's digest and compares it against
// Meta.Digest, failing closed on any mismatch.
func (b *Bundle) Verify() error {
	off, size, ok := b.SectionOffsetSize(b.Meta.Sections.Bundle)
	if !ok {
		return apierror.Integrityf("uab %q: bundle section %q missing", b.path, b.Meta.Sections.Bundle)
	}
	f, err := os.Open(b.path)
	if err != nil {
		return apierror.Wrap(err, "reopening uab file")
	}
	defer f.Close()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return apierror.Wrap(err, "seeking uab bundle section")
	}
	h := sha256.New()
	if _, err := io.CopyN(h, f, size); err != nil {
		return apierror.Wrap(err, "hashing uab bundle section")
	}
	got := digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil))
	if got.String() != b.Meta.Digest {
		return apierror.Integrityf("uab %q: digest mismatch, expected %s got %s", b.path, b.Meta.Digest, got)
	}
	return nil
}
