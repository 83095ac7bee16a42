// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package containerconfig implements the container configuration builder:
// a pure compiler from application metadata plus host environment into a
// complete OCI runtime configuration with a self-adjusting mount tree.
//
// The Builder carries a fixed sequence of add*Mount methods dispatched
// from Build, assembling the final specs.Spec. The self-adjusting mount
// tree lives in internal/pkg/mounttree.
package containerconfig

import specs "github.com/opencontainers/runtime-spec/specs-go"

// Features toggles every bind-* / enable-* / isolate-* flag from spec
//  "Contract".
type Features struct {
	BindSys                 bool
	BindProc                bool
	BindDev                 bool
	BindCgroup              bool
	BindRun                 bool
	BindTmp                 bool
	BindUserGroupFiles      bool
	BindMedia               bool
	BindHostRoot            bool
	BindHostStatics         bool
	BindHome                bool
	EnablePrivateDir        bool
	MapPrivate              bool
	BindIPC                 bool
	EnableLDCache           bool
	EnableSelfAdjustingMount bool
	IsolateNetwork          bool
}

// PrivateMapping is one entry of the private-dir mapping list.
type PrivateMapping struct {
	Dest      string
	CreateDir bool
}

// IDMapping is one uid/gid mapping entry for linux.uidMappings/gidMappings.
type IDMapping struct {
	ContainerID uint32
	HostID      uint32
	Size        uint32
}

// Options is the full input contract of the builder.
type Options struct {
	AppID string

	RuntimePath string // optional
	BasePath    string // required
	AppPath     string // optional (absent for build containers)

	BundleDir string // mutable bundle directory
	CacheDir  string // optional app-cache directory

	UIDMappings []IDMapping
	GIDMappings []IDMapping

	Features Features

	ForwardEnvVars []string          // names read from host at build time
	AppendEnv      map[string]string // appended env

	ExtraMounts []specs.Mount

	StartContainerHooks []specs.Hook

	MaskedPaths []string

	PrivateMappings []PrivateMapping

	Annotations map[string]string

	// Command is process.args for the container; when empty, Build
	// defaults it to ["bash"].
	Command  []string
	Terminal bool
	UID      uint32
	GID      uint32
}
