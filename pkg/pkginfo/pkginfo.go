// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package pkginfo defines the on-disk metadata schemas: the layer's
// info.json (PackageInfo v2) and the build-time project manifest
// (linglong.yaml).
package pkginfo

import (
	"encoding/json"
	"os"

	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/refs"
)

// Kind is the kind of package a layer's info.json describes.
type Kind string

const (
	KindApp     Kind = "app"
	KindRuntime Kind = "runtime"
	KindBase    Kind = "base"
)

const SchemaVersionV2 = "1.0"

// PackageInfo is the root object of every layer's info.json (v2 schema).
type PackageInfo struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Kind          Kind            `json:"kind"`
	Version       refs.Version    `json:"-"`
	VersionRaw    string          `json:"version"`
	Arch          []refs.Arch     `json:"arch"`
	Channel       string          `json:"channel"`
	Module        string          `json:"module"`
	Base          *refs.Reference `json:"-"`
	BaseRaw       string          `json:"base"`
	Runtime       *refs.Reference `json:"-"`
	RuntimeRaw    string          `json:"runtime,omitempty"`
	Command       []string        `json:"command,omitempty"`
	Description   string          `json:"description,omitempty"`
	Size          int64           `json:"size"`
	Permissions   json.RawMessage `json:"permissions,omitempty"`
	SchemaVersion string          `json:"schemaVersion"`
	UUID          string          `json:"uuid,omitempty"`
}

// Validate enforces the PackageInfo invariants.
func (p *PackageInfo) Validate() error {
	if p.ID == "" {
		return apierror.Validationf("info.json: id is required")
	}
	if p.Kind == KindApp {
		if len(p.Command) == 0 {
			return apierror.Validationf("info.json: app %q must declare a non-empty command", p.ID)
		}
		if p.BaseRaw == "" {
			return apierror.Validationf("info.json: app %q must declare a base", p.ID)
		}
	}
	if p.SchemaVersion == "" {
		p.SchemaVersion = SchemaVersionV2
	}
	return nil
}

// SyncRawFromStructured renders the structured Version and Reference fields
// into their raw string form before json.Marshal (SyncStructuredFromRaw
// does the reverse after reads), since
// refs.Reference does not itself implement json.Marshaler (its canonical
// string form intentionally differs from a naive struct encoding).
func (p *PackageInfo) SyncRawFromStructured() {
	p.VersionRaw = p.Version.String()
	if p.Base != nil {
		p.BaseRaw = p.Base.String()
	}
	if p.Runtime != nil {
		p.RuntimeRaw = p.Runtime.String()
	}
}

func (p *PackageInfo) SyncStructuredFromRaw() error {
	if p.VersionRaw != "" {
		v, err := refs.ParseVersion(p.VersionRaw)
		if err != nil {
			return err
		}
		p.Version = v
	}
	if p.BaseRaw != "" {
		r, err := refs.ParseReference(p.BaseRaw)
		if err != nil {
			return err
		}
		p.Base = &r
	}
	if p.RuntimeRaw != "" {
		r, err := refs.ParseReference(p.RuntimeRaw)
		if err != nil {
			return err
		}
		p.Runtime = &r
	}
	return nil
}

// Load reads and validates info.json at path.
func Load(path string) (*PackageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierror.Wrap(err, "reading info.json")
	}
	var p PackageInfo
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, apierror.Wrap(err, "parsing info.json")
	}
	if err := p.SyncStructuredFromRaw(); err != nil {
		return nil, apierror.Wrap(err, "resolving info.json references")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save writes p to path as pretty-printed JSON.
func (p *PackageInfo) Save(path string) error {
	p.SyncRawFromStructured()
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return apierror.Wrap(err, "encoding info.json")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return apierror.Wrap(err, "writing info.json")
	}
	return nil
}
