// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Package buildcfg holds the handful of compile-time constants Rex needs,
// mirroring apptainer's generated buildcfg package (referenced from
// internal/pkg/build/metadata.go as buildcfg.PACKAGE_VERSION): a version
// string, and the two switches spec §4.5/§4.6 call out as build-time
// decisions rather than runtime flags.
package buildcfg

import "github.com/blang/semver/v4"

// PackageVersion is overridden at link time via
// -ldflags "-X github.com/rex-linux/rex/internal/pkg/buildcfg.PackageVersion=1.2.3".
var PackageVersion = "0.0.0-dev"

// Version parses PackageVersion, falling back to 0.0.0 if the linker
// didn't stamp a valid one (e.g. a `go run` during development).
func Version() semver.Version {
	v, err := semver.Parse(PackageVersion)
	if err != nil {
		return semver.Version{}
	}
	return v
}

// DebugAssertions gates the stub's --rex-extract and --rex-verify
// debug-mode flags (spec §4.5). Overridden at link time with
// -X .../buildcfg.debugAssertionsFlag=1 for debug builds; production
// release builds leave it false so the flags are inert in stub mode.
var debugAssertionsFlag = "0"

func DebugAssertions() bool { return debugAssertionsFlag == "1" }

// ScratchStrategy selects between the two Scratch Lifecycle execution
// strategies from spec §4.6.
type ScratchStrategy int

const (
	// ForkSupervise is the default: the parent forks, execs the loader
	// in the child, waits, and removes the scratch directory itself.
	// Guarantees cleanup.
	ForkSupervise ScratchStrategy = iota
	// ExecAndOrphan is the size-optimised alternative: the parent execs
	// the loader directly (replacing its own image) and a detached
	// reaper process removes the scratch directory once the exec'd
	// process tree exits. Opt-in only.
	ExecAndOrphan
)

// DefaultScratchStrategy is overridden at link time with
// -X .../buildcfg.scratchStrategyFlag=orphan for size-optimised builds.
var scratchStrategyFlag = "fork-supervise"

func DefaultScratchStrategy() ScratchStrategy {
	if scratchStrategyFlag == "orphan" {
		return ExecAndOrphan
	}
	return ForkSupervise
}
