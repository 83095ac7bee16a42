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

func mustVersion(t *testing.T, s string) refs.Version {
	t.Helper()
	v, err := refs.ParseVersion(s)
	require.NoError(t, err)
	return v
}

func TestInstallPullsAppOnly(t *testing.T) {
	s := newFakeStore()
	s.remote = []pkginfo.PackageInfo{
		{ID: "org.example.app", Kind: pkginfo.KindApp, Version: mustVersion(t, "1.0.0.0"),
			Arch: []refs.Arch{refs.ArchX8664}, Channel: refs.DefaultChannel, Command: []string{"app"}},
	}
	m := New(s)

	task, ref, err := m.Install(refs.FuzzyReference{ID: "org.example.app"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, task.Status())
	assert.Equal(t, "org.example.app", ref.ID)
	assert.Equal(t, []string{"org.example.app/binary"}, s.pullCalls)
	assert.True(t, s.exported["org.example.app"])
}

func TestInstallPullsRuntimeAndBaseFirst(t *testing.T) {
	s := newFakeStore()
	rtRef := refs.Reference{ID: "org.example.runtime", Version: mustVersion(t, "1.0.0.0"),
		Arch: refs.ArchX8664, Channel: refs.DefaultChannel, Module: refs.ModuleBinary}
	baseRef := refs.Reference{ID: "org.example.base", Version: mustVersion(t, "1.0.0.0"),
		Arch: refs.ArchX8664, Channel: refs.DefaultChannel, Module: refs.ModuleBinary}
	s.remote = []pkginfo.PackageInfo{
		{ID: "org.example.app", Kind: pkginfo.KindApp, Version: mustVersion(t, "1.0.0.0"),
			Arch: []refs.Arch{refs.ArchX8664}, Channel: refs.DefaultChannel, Command: []string{"app"},
			Base: &baseRef, Runtime: &rtRef},
		{ID: "org.example.runtime", Kind: pkginfo.KindRuntime, Version: mustVersion(t, "1.0.0.0"),
			Arch: []refs.Arch{refs.ArchX8664}, Channel: refs.DefaultChannel},
		{ID: "org.example.base", Kind: pkginfo.KindBase, Version: mustVersion(t, "1.0.0.0"),
			Arch: []refs.Arch{refs.ArchX8664}, Channel: refs.DefaultChannel},
	}
	m := New(s)

	_, _, err := m.Install(refs.FuzzyReference{ID: "org.example.app"}, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, s.pullCalls, "org.example.runtime/binary")
	assert.Contains(t, s.pullCalls, "org.example.base/binary")
	assert.Contains(t, s.pullCalls, "org.example.app/binary")
	assert.Equal(t, []string{"org.example.runtime/binary", "org.example.base/binary", "org.example.app/binary"}, s.pullCalls)
}

func TestInstallRollsBackOnFailure(t *testing.T) {
	s := newFakeStore()
	s.remote = []pkginfo.PackageInfo{
		{ID: "org.example.app", Kind: pkginfo.KindApp, Version: mustVersion(t, "1.0.0.0"),
			Arch: []refs.Arch{refs.ArchX8664}, Channel: refs.DefaultChannel, Command: []string{"app"}},
	}
	s.failPull = refs.ModuleDevelop
	m := New(s)

	task, _, err := m.Install(refs.FuzzyReference{ID: "org.example.app"}, []string{refs.ModuleBinary, refs.ModuleDevelop}, nil)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, task.Status())
	_, stillLocal := s.local[key("org.example.app", refs.ModuleBinary)]
	assert.False(t, stillLocal, "binary module should have been rolled back after develop pull failed")
}

func TestUninstallUnexportsAndRemoves(t *testing.T) {
	s := newFakeStore()
	ref := refs.Reference{ID: "org.example.app", Version: mustVersion(t, "1.0.0.0"), Arch: refs.ArchX8664, Channel: refs.DefaultChannel}
	s.exported[ref.ID] = true
	s.local[key(ref.ID, refs.ModuleBinary)] = pkginfo.PackageInfo{ID: ref.ID}
	m := New(s)

	_, err := m.Uninstall(ref, []string{refs.ModuleBinary}, nil)
	require.NoError(t, err)
	assert.False(t, s.exported[ref.ID])
	_, stillLocal := s.local[key(ref.ID, refs.ModuleBinary)]
	assert.False(t, stillLocal)
}

func TestCancelTaskMarksCanceled(t *testing.T) {
	m := New(newFakeStore())
	task := NewTask(nil)
	m.register(task)

	assert.True(t, m.CancelTask(task.ID))
	assert.True(t, task.Canceled())
	assert.False(t, m.CancelTask("does-not-exist"))
}
