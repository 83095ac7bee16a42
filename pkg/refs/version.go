// Copyright (c) 2019, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package refs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/linyaps/linglong/pkg/apierror"
)

// Version is linyaps's four-component MAJOR.MINOR.PATCH.TWEAK version.
// It is built on blang/semver's comparison semantics rather than
// semver's own three-component type, since four components are mandatory
// here and "1.0.0" must be rejected rather than silently defaulted.
type Version struct {
	Major, Minor, Patch, Tweak uint64
}

// errNotFourComponent is the fixed error message a version with a missing
// tweak component fails build early with.
const errNotFourComponent = "version %q must have exactly four components (MAJOR.MINOR.PATCH.TWEAK)"

// ParseVersion parses s into a four-component Version, rejecting any
// three-part (or other arity) version.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Version{}, apierror.Validationf(errNotFourComponent, s)
	}
	// Reuse blang/semver to validate and parse the first three components,
	// so MAJOR.MINOR.PATCH gets standard semver numeric validation; the
	// fourth (TWEAK) component has no semver analogue and is parsed
	// separately.
	base, err := semver.Parse(strings.Join(parts[:3], "."))
	if err != nil {
		return Version{}, apierror.Validationf("version %q is not valid semver: %v", s, err)
	}
	tweak, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return Version{}, apierror.Validationf("version %q tweak component %q is not numeric", s, parts[3])
	}
	return Version{Major: base.Major, Minor: base.Minor, Patch: base.Patch, Tweak: tweak}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Tweak)
}

// Compare returns -1, 0 or 1 the way blang/semver.Version.Compare does,
// comparing component-by-component from Major down to Tweak.
func (v Version) Compare(o Version) int {
	for _, pair := range [][2]uint64{
		{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}, {v.Tweak, o.Tweak},
	} {
		if pair[0] < pair[1] {
			return -1
		}
		if pair[0] > pair[1] {
			return 1
		}
	}
	return 0
}

func (v Version) LessThan(o Version) bool    { return v.Compare(o) < 0 }
func (v Version) GreaterThan(o Version) bool { return v.Compare(o) > 0 }
func (v Version) Equal(o Version) bool       { return v.Compare(o) == 0 }

// Zero reports whether all four components of v are 0.
func (v Version) Zero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Patch == 0 && v.Tweak == 0
}
