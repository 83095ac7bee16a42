// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package builderconfig loads the builder's config.yaml, searching a
// fixed list of candidate locations: parse with gopkg.in/yaml.v3 like
// pkg/pkginfo does for linglong.yaml, but reject nothing unknown (this
// file predates strict schemas) and apply fixed defaults for every
// optional key.
package builderconfig

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/linyaps/linglong/pkg/apierror"
)

// Config is the parsed form of the builder's config.yaml.
type Config struct {
	Version          int    `yaml:"version"`
	Repo             string `yaml:"repo"`
	Arch             string `yaml:"arch,omitempty"`
	SkipFetchSource  bool   `yaml:"skipFetchSource,omitempty"`
	SkipPullDepend   bool   `yaml:"skipPullDepend,omitempty"`
	SkipRunContainer bool   `yaml:"skipRunContainer,omitempty"`
	SkipCommitOutput bool   `yaml:"skipCommitOutput,omitempty"`
	SkipCheckOutput  bool   `yaml:"skipCheckOutput,omitempty"`
	SkipStripSymbols bool   `yaml:"skipStripSymbols,omitempty"`
	Offline          bool   `yaml:"offline,omitempty"`
}

// searchPaths returns the ordered list of config.yaml candidates: the
// working directory's .ll-builder/config.yaml and each ancestor, then the
// XDG config dir, then system /etc, then a fixed system datadir.
func searchPaths(workdir string) []string {
	var paths []string

	dir := workdir
	for {
		paths = append(paths, filepath.Join(dir, ".ll-builder", "config.yaml"))
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		if home, err := os.UserHomeDir(); err == nil {
			xdgConfig = filepath.Join(home, ".config")
		}
	}
	if xdgConfig != "" {
		paths = append(paths, filepath.Join(xdgConfig, "linglong", "builder", "config.yaml"))
	}

	paths = append(paths,
		"/etc/linglong/builder/config.yaml",
		"/usr/share/linglong/builder/config.yaml",
	)
	return paths
}

// Default is the fallback configuration used when no config.yaml is found
// anywhere in the search path.
func Default(repo string) Config {
	return Config{Version: 1, Repo: repo}
}

// Load searches, in order, ./.ll-builder/config.yaml and its ancestors,
// $XDG_CONFIG_HOME/linglong/builder/config.yaml, /etc/linglong/builder, and
// the system datadir, parsing the first one found. workdir is normally the
// project directory containing linglong.yaml.
func Load(workdir, fallbackRepo string) (Config, error) {
	for _, p := range searchPaths(workdir) {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, apierror.Validationf("parsing builder config %q: %v", p, err)
		}
		if cfg.Version == 0 {
			cfg.Version = 1
		}
		if cfg.Repo == "" {
			cfg.Repo = fallbackRepo
		}
		return cfg, nil
	}
	return Default(fallbackRepo), nil
}
