// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package pm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linyaps/linglong/pkg/pkginfo"
	"github.com/linyaps/linglong/pkg/refs"
)

func TestSearchFiltersByKeywordCaseInsensitive(t *testing.T) {
	s := newFakeStore()
	s.remote = []pkginfo.PackageInfo{
		{ID: "org.example.Foo", Name: "Foo App", Version: mustVersion(t, "2.0.0.0")},
		{ID: "org.example.bar", Name: "Bar App", Version: mustVersion(t, "1.0.0.0")},
	}
	m := New(s)

	results, err := m.Search("foo", refs.FuzzyReference{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "org.example.Foo", results[0].ID)
}

func TestSearchSortsByIDThenVersionDescending(t *testing.T) {
	s := newFakeStore()
	s.remote = []pkginfo.PackageInfo{
		{ID: "org.example.app", Name: "App", Version: mustVersion(t, "1.0.0.0")},
		{ID: "org.example.app", Name: "App", Version: mustVersion(t, "2.0.0.0")},
	}
	m := New(s)

	results, err := m.Search("", refs.FuzzyReference{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Version.GreaterThan(results[1].Version))
}
