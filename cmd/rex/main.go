// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Command rex is both ends of the bundle: built as a plain binary it is
// the builder CLI (spec §6); once a payload and footer are appended to
// that same binary (spec §4.4) it becomes, unmodified, the Runtime Stub
// that boots the bundle it is attached to (spec §4.5).
package main

import (
	"os"
	"strconv"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
	"github.com/rex-linux/rex/internal/pkg/runtime"
	"github.com/rex-linux/rex/internal/pkg/scratch"
	"github.com/rex-linux/rex/internal/pkg/sylog"
	"github.com/rex-linux/rex/pkg/footer"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches before any cobra parsing happens, since the three modes
// a single rex binary can be invoked in each demand a different argv
// discipline: the hidden reaper subcommand consumes exactly two
// positional args and nothing else, stub mode forwards argv byte-exact
// to the bundled target, and only builder mode wants flag parsing at
// all.
func run(argv []string) int {
	if len(argv) >= 1 && argv[0] == scratch.ReaperFlag {
		return runReaper(argv[1:])
	}

	if isBundle, ok := selfIsBundle(); ok && isBundle {
		sylog.StubDefaults()
		code, err := runtime.Boot(argv)
		if err != nil {
			sylog.Errorf("%s", err.Error())
			return rexerr.ExitCode(err)
		}
		return code
	}

	return runBuilder(argv)
}

// selfIsBundle reports whether the running executable itself carries a
// footer — the only signal that distinguishes stub mode from builder
// mode, since both are the exact same binary otherwise. ok is false if
// the check itself could not be performed (own executable unreadable),
// in which case the caller falls back to builder mode.
func selfIsBundle() (isBundle, ok bool) {
	selfPath, err := os.Executable()
	if err != nil {
		return false, false
	}
	self, err := os.Open(selfPath)
	if err != nil {
		return false, false
	}
	defer self.Close()

	info, err := self.Stat()
	if err != nil {
		return false, false
	}

	_, err = footer.Parse(self, info.Size())
	return err == nil, true
}

// runReaper is the hidden --rex-reap entry point ExecAndOrphan spawns
// (spec §4.6): a detached process whose only job is waiting for its
// parent to exit and then removing the scratch directory.
func runReaper(args []string) int {
	if len(args) != 2 {
		return 2
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return 2
	}
	if err := scratch.RunReaper(pid, args[1]); err != nil {
		return 1
	}
	return 0
}
