// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package pm

import (
	"sort"
	"strings"

	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
)

// Search lists every remote PackageInfo whose ID or Name contains keyword
// (case-insensitive substring, matching the CLI's "fuzzy enough to be
// useful, simple enough to be predictable" search contract), sorted by ID
// then version descending.
func (m *Manager) Search(keyword string, fuzzy refs.FuzzyReference) ([]pkginfo.PackageInfo, error) {
	results, err := m.Store.ListRemote(fuzzy)
	if err != nil {
		return nil, err
	}
	keyword = strings.ToLower(keyword)
	var matched []pkginfo.PackageInfo
	for _, info := range results {
		if keyword == "" || strings.Contains(strings.ToLower(info.ID), keyword) ||
			strings.Contains(strings.ToLower(info.Name), keyword) {
			matched = append(matched, info)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ID != matched[j].ID {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Version.GreaterThan(matched[j].Version)
	})
	return matched, nil
}

// ListInstalled lists every PackageInfo present in the local store, for
// ll-cli list.
func (m *Manager) ListInstalled() ([]pkginfo.PackageInfo, error) {
	return m.Store.ListLocal()
}
