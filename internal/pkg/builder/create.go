// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"os"
	"path/filepath"
	"strings"

	survey "github.com/AlecAivazis/survey/v2"

	"github.com/linyaps/linglong/internal/pkg/store"
	"github.com/linyaps/linglong/pkg/apierror"
)

const projectTemplate = `package:
  id: @ID@
  kind: app
  version: 1.0.0.0
  name: @ID@
  description: description of @ID@

base: org.deepin.base/23.1.0.0

command:
  - @ID@

build: |
  ./configure --prefix=${PREFIX}
  make -j$(nproc)
  make install
`

// CreateProject implements ll-builder create <name>: instantiate a
// template linglong.yaml, substituting @ID@ for name, prompting for
// confirmation when interactive is true.
func CreateProject(dir, name string, interactive bool) error {
	if interactive {
		confirm := true
		prompt := &survey.Confirm{
			Message: "create new linglong project " + name + "?",
			Default: true,
		}
		if err := survey.AskOne(prompt, &confirm); err != nil {
			return apierror.Wrap(err, "reading project creation prompt")
		}
		if !confirm {
			return apierror.Canceledf("project creation canceled")
		}
	}

	projectDir := filepath.Join(dir, name)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return apierror.Wrap(err, "creating project directory")
	}

	manifest := strings.ReplaceAll(projectTemplate, "@ID@", name)
	path := filepath.Join(projectDir, "linglong.yaml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		return apierror.Wrap(err, "writing project manifest")
	}
	return nil
}

// Migrate returns nil when the store reports no pending data migration.
// When one is pending it returns an Unsupported error and migrates
// nothing: store.Store has no migration operation to call.
func Migrate(s store.Store) error {
	if !s.NeedsMigrate() {
		return nil
	}
	return apierror.Unsupportedf("store reports a pending data migration; run ll-cli repo migrate")
}
