// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package pkginfo

import (
	"bytes"
	"os"
	"regexp"

	"github.com/linyaps/linglong/pkg/apierror"
	"github.com/linyaps/linglong/pkg/refs"
	"gopkg.in/yaml.v3"
)

// SourceKind is the tagged union discriminator for Source.
type SourceKind string

const (
	SourceArchive SourceKind = "archive"
	SourceGit     SourceKind = "git"
	SourceFile    SourceKind = "file"
	SourceDSC     SourceKind = "dsc"
)

// Source describes one fetchable input to a build.
type Source struct {
	Kind    SourceKind `yaml:"kind"`
	URL     string     `yaml:"url"`
	Digest  string     `yaml:"digest,omitempty"`
	Commit  string     `yaml:"commit,omitempty"`
	Version string     `yaml:"version,omitempty"`
	Name    string     `yaml:"name,omitempty"`
	Patch   []string   `yaml:"patch,omitempty"`
}

// Validate enforces the per-kind invariants on a Source.
func (s Source) Validate() error {
	switch s.Kind {
	case SourceArchive, SourceFile:
		if s.Digest == "" {
			return apierror.Validationf("source %q of kind %q requires a digest", s.URL, s.Kind)
		}
	case SourceGit:
		if s.Commit == "" && s.Version == "" {
			return apierror.Validationf("git source %q requires commit or version", s.URL)
		}
	case SourceDSC:
		if s.Digest == "" {
			return apierror.Validationf("dsc source %q requires a digest", s.URL)
		}
	default:
		return apierror.Validationf("source %q has unknown kind %q", s.URL, s.Kind)
	}
	return nil
}

// RuleList is the ordered list of module selection rules for a Module.
// Each entry is either a path glob rooted at the build
// output, or, when prefixed with '^', a regex matched against absolute
// paths inside the build output.
type RuleList []string

// DefaultDevelopRules are injected when the project declares no "develop"
// module.
var DefaultDevelopRules = RuleList{
	`^/include/.+`,
	`^/lib/debug/.+`,
	`^/lib/.+\.a$`,
}

// IsRegexRule reports whether rule is the '^'-prefixed regex form.
func (r RuleList) IsRegexRule(rule string) bool {
	return len(rule) > 0 && rule[0] == '^'
}

// CompileRegexRules pre-compiles every regex-form rule in the list, in
// order, erroring on the first invalid pattern.
func (r RuleList) CompileRegexRules() ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, rule := range r {
		if rule == "" || rule[0] == '#' {
			continue
		}
		if r.IsRegexRule(rule) {
			re, err := regexp.Compile(rule)
			if err != nil {
				return nil, apierror.Validationf("invalid install rule regex %q: %v", rule, err)
			}
			out = append(out, re)
		}
	}
	return out, nil
}

// Module is one user-declared module with its selection rules.
type Module struct {
	Name  string   `yaml:"name"`
	Rules RuleList `yaml:"rules"`
}

// BuildScript is the shell script body run inside the build container.
type BuildScript struct {
	Kind   string `yaml:"kind,omitempty"`
	Script string `yaml:"script"`
}

// AptConfig is the buildext.apt section.
type AptConfig struct {
	Depends      []string `yaml:"depends,omitempty"`
	BuildDepends []string `yaml:"buildDepends,omitempty"`
}

// BuildExt carries builder-specific extensions to the manifest.
type BuildExt struct {
	Apt *AptConfig `yaml:"apt,omitempty"`
}

// PackageMeta is the package: block of the project manifest.
type PackageMeta struct {
	ID           string `yaml:"id"`
	Kind         Kind   `yaml:"kind"`
	Version      string `yaml:"version"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description,omitempty"`
	Architecture string `yaml:"architecture,omitempty"`
	Channel      string `yaml:"channel,omitempty"`
}

// Project is the parsed form of linglong.yaml.
type Project struct {
	Package     PackageMeta            `yaml:"package"`
	Base        string                 `yaml:"base"`
	Runtime     string                 `yaml:"runtime,omitempty"`
	Command     []string               `yaml:"command,omitempty"`
	Sources     []Source               `yaml:"sources,omitempty"`
	Modules     []Module               `yaml:"modules,omitempty"`
	Build       BuildScript            `yaml:"build"`
	BuildExt    *BuildExt              `yaml:"buildext,omitempty"`
	Permissions map[string]interface{} `yaml:"permissions,omitempty"`
	Exclude     []string               `yaml:"exclude,omitempty"`
	Include     []string               `yaml:"include,omitempty"`
}

// BaseRef parses the base: field as a FuzzyReference.
func (p *Project) BaseRef() (refs.FuzzyReference, error) {
	return refs.ParseFuzzyReference(p.Base)
}

// RuntimeRef parses the runtime: field, if present.
func (p *Project) RuntimeRef() (*refs.FuzzyReference, error) {
	if p.Runtime == "" {
		return nil, nil
	}
	fr, err := refs.ParseFuzzyReference(p.Runtime)
	if err != nil {
		return nil, err
	}
	return &fr, nil
}

// Validate enforces the project-level invariants: a module literally
// named "binary" is rejected, and kind=app requires a command.
func (p *Project) Validate() error {
	if p.Package.ID == "" {
		return apierror.Validationf("linglong.yaml: package.id is required")
	}
	if _, err := refs.ParseVersion(p.Package.Version); err != nil {
		return err
	}
	for _, m := range p.Modules {
		if m.Name == refs.ModuleBinary {
			return apierror.Validationf("module name %q is reserved and may not be redeclared", refs.ModuleBinary)
		}
	}
	if p.Package.Kind == KindApp && len(p.Command) == 0 {
		return apierror.Validationf("app %q must declare a command", p.Package.ID)
	}
	if p.Base == "" {
		return apierror.Validationf("linglong.yaml: base is required")
	}
	for _, s := range p.Sources {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadProject reads and validates linglong.yaml at path.
func LoadProject(path string) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierror.Wrap(err, "reading linglong.yaml")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // unknown keys rejected
	var p Project
	if err := dec.Decode(&p); err != nil {
		return nil, apierror.Validationf("parsing linglong.yaml: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// EffectiveModules returns the user's declared modules plus the injected
// default "develop" module when none was declared.
func (p *Project) EffectiveModules() []Module {
	modules := append([]Module{}, p.Modules...)
	hasDevelop := false
	for _, m := range modules {
		if m.Name == refs.ModuleDevelop {
			hasDevelop = true
			break
		}
	}
	if !hasDevelop {
		modules = append(modules, Module{Name: refs.ModuleDevelop, Rules: DefaultDevelopRules})
	}
	return modules
}
