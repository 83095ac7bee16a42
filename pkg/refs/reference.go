// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package refs implements linyaps's Reference / FuzzyReference identifiers,
// the four-component Version they embed, and the supported architecture
// set.
package refs

import (
	"fmt"
	"strings"

	"github.com/linyaps/linglong/pkg/apierror"
)

// DefaultChannel is the channel assumed when one is not specified.
const DefaultChannel = "main"

// LegacyChannel is recognised on read for backward compatibility.
const LegacyChannel = "linglong"

// Module name constants.
const (
	ModuleBinary  = "binary"
	ModuleDevelop = "develop"
	ModuleRuntime = "runtime"
)

// Reference is the fully-qualified identity of one layer in the store.
type Reference struct {
	Channel string
	ID      string
	Version Version
	Arch    Arch
	Module  string
}

// String renders the canonical form channel:id/version/arch/module, which
// is also the parser's accepted input form.
func (r Reference) String() string {
	return fmt.Sprintf("%s:%s/%s/%s/%s", r.Channel, r.ID, r.Version, r.Arch, r.Module)
}

// ParseReference parses the canonical "channel:id/version/arch/module" form
// produced by String.
func ParseReference(s string) (Reference, error) {
	channel := DefaultChannel
	rest := s
	if idx := strings.Index(s, ":"); idx >= 0 {
		channel = s[:idx]
		rest = s[idx+1:]
	}
	if channel == LegacyChannel {
		channel = DefaultChannel
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return Reference{}, apierror.Validationf("reference %q must be id/version/arch/module", s)
	}
	ver, err := ParseVersion(parts[1])
	if err != nil {
		return Reference{}, err
	}
	arch, err := ParseArch(parts[2])
	if err != nil {
		return Reference{}, err
	}
	if parts[0] == "" {
		return Reference{}, apierror.Validationf("reference %q has an empty id", s)
	}
	if parts[3] == "" {
		return Reference{}, apierror.Validationf("reference %q has an empty module", s)
	}

	return Reference{
		Channel: channel,
		ID:      parts[0],
		Version: ver,
		Arch:    arch,
		Module:  parts[3],
	}, nil
}

// FuzzyReference is a Reference with any component optionally absent; the
// store resolves it to a concrete Reference.
type FuzzyReference struct {
	Channel *string
	ID      string
	Version *Version
	Arch    *Arch
	Module  *string
}

// ParseFuzzyReference accepts the same shape as ParseReference but every
// component except ID may be omitted (empty segment).
func ParseFuzzyReference(s string) (FuzzyReference, error) {
	channel := ""
	rest := s
	if idx := strings.Index(s, ":"); idx >= 0 {
		channel = s[:idx]
		rest = s[idx+1:]
	}
	if channel == LegacyChannel {
		channel = DefaultChannel
	}

	parts := strings.SplitN(rest, "/", 4)
	if len(parts) == 0 || parts[0] == "" {
		return FuzzyReference{}, apierror.Validationf("fuzzy reference %q has an empty id", s)
	}

	fr := FuzzyReference{ID: parts[0]}
	if channel != "" {
		fr.Channel = &channel
	}
	if len(parts) > 1 && parts[1] != "" {
		v, err := ParseVersion(parts[1])
		if err != nil {
			return FuzzyReference{}, err
		}
		fr.Version = &v
	}
	if len(parts) > 2 && parts[2] != "" {
		a, err := ParseArch(parts[2])
		if err != nil {
			return FuzzyReference{}, err
		}
		fr.Arch = &a
	}
	if len(parts) > 3 && parts[3] != "" {
		m := parts[3]
		fr.Module = &m
	}
	return fr, nil
}

// WithDefaultModule returns a copy of fr with Module defaulted to
// ModuleBinary when unset, matching the Install contract.
func (fr FuzzyReference) WithDefaultModule() FuzzyReference {
	if fr.Module != nil {
		return fr
	}
	m := ModuleBinary
	fr.Module = &m
	return fr
}

// Matches reports whether concrete Reference r satisfies every component
// fr specifies.
func (fr FuzzyReference) Matches(r Reference) bool {
	if fr.ID != r.ID {
		return false
	}
	if fr.Channel != nil && *fr.Channel != r.Channel {
		return false
	}
	if fr.Version != nil && !fr.Version.Equal(r.Version) {
		return false
	}
	if fr.Arch != nil && *fr.Arch != r.Arch {
		return false
	}
	if fr.Module != nil && *fr.Module != r.Module {
		return false
	}
	return true
}

func (fr FuzzyReference) String() string {
	channel := ""
	if fr.Channel != nil {
		channel = *fr.Channel + ":"
	}
	version := ""
	if fr.Version != nil {
		version = fr.Version.String()
	}
	arch := ""
	if fr.Arch != nil {
		arch = string(*fr.Arch)
	}
	module := ""
	if fr.Module != nil {
		module = *fr.Module
	}
	return fmt.Sprintf("%s%s/%s/%s/%s", channel, fr.ID, version, arch, module)
}
