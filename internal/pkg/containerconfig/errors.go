// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package containerconfig

import "github.com/linyaps/linglong/pkg/apierror"

// The named failure kinds the container config builder can return, each a
// distinct apierror.Kind/Sub pairing so callers can react on them
// individually.
const (
	SubParamInvalid      = "param_invalid"
	SubRuntimeMissing     = "runtime_missing"
	SubAppMissing         = "app_missing"
	SubHomeMissing        = "home_missing"
	SubPrivateDirCreate   = "private_dir_create"
	SubPrivateMapInvalid  = "private_map_invalid"
	SubIPCBindFailure     = "ipc_bind_failure"
	SubCacheMissing       = "cache_missing"
	SubMountConflict      = "mount_conflict"
	SubEnvWrite           = "env_write"
)

func paramInvalid(format string, args ...interface{}) error {
	e := apierror.Validationf(format, args...)
	e.Sub = SubParamInvalid
	return e
}

func runtimeMissing(format string, args ...interface{}) error {
	e := apierror.NotFoundf(format, args...)
	e.Sub = SubRuntimeMissing
	return e
}

func appMissing(format string, args ...interface{}) error {
	e := apierror.NotFoundf(format, args...)
	e.Sub = SubAppMissing
	return e
}

func homeMissing(format string, args ...interface{}) error {
	e := apierror.NotFoundf(format, args...)
	e.Sub = SubHomeMissing
	return e
}

func privateDirCreate(format string, args ...interface{}) error {
	e := apierror.IOf(format, args...)
	e.Sub = SubPrivateDirCreate
	return e
}

func privateMapInvalid(format string, args ...interface{}) error {
	e := apierror.Validationf(format, args...)
	e.Sub = SubPrivateMapInvalid
	return e
}

func ipcBindFailure(format string, args ...interface{}) error {
	e := apierror.IOf(format, args...)
	e.Sub = SubIPCBindFailure
	return e
}

func cacheMissing(format string, args ...interface{}) error {
	e := apierror.NotFoundf(format, args...)
	e.Sub = SubCacheMissing
	return e
}

func mountConflict(format string, args ...interface{}) error {
	e := apierror.Conflictf(format, args...)
	e.Sub = SubMountConflict
	return e
}

func envWrite(format string, args ...interface{}) error {
	e := apierror.IOf(format, args...)
	e.Sub = SubEnvWrite
	return e
}
