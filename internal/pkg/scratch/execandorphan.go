// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package scratch

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
)

// ReaperFlag is the hidden argv[0]-following flag cmd/rex's stub-mode
// dispatch recognizes and routes to RunReaper instead of the normal
// target-forwarding path.
const ReaperFlag = "--rex-reap"

// ExecAndOrphan is the size-optimised Scratch Lifecycle strategy (spec
// §4.6): rather than keeping a parent alive to wait on the loader, it
// spawns a tiny detached reaper process, then replaces its own image with
// the loader via exec(2). Cleanup is eventual, not synchronous with the
// loader's exit, and this strategy never returns on success.
type ExecAndOrphan struct{}

func (ExecAndOrphan) Run(ctx context.Context, dir string, argv, env []string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "locating own executable to spawn cleanup reaper")
	}

	reaper := exec.Command(self, ReaperFlag, strconv.Itoa(os.Getpid()), dir)
	reaper.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := reaper.Start(); err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "spawning detached cleanup reaper")
	}
	if err := reaper.Process.Release(); err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "detaching cleanup reaper")
	}

	if err := unix.Exec(argv[0], argv, env); err != nil {
		return 0, &rexerr.ExecFailure{Path: argv[0], Errno: err}
	}
	panic("unreachable: unix.Exec only returns on failure")
}

// RunReaper waits for parentPid to exit — polling with signal 0, the
// portable kill(2)-based liveness check, rather than /proc, so it works
// the same under any mount namespace the bundle ends up in — then removes
// dir. It is the entire body of the hidden --rex-reap subcommand.
func RunReaper(parentPid int, dir string) error {
	deadline := time.Now().Add(scratchCleanupGrace)
	for time.Now().Before(deadline) {
		if err := unix.Kill(parentPid, 0); err != nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err := os.RemoveAll(dir); err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "removing scratch directory %s", dir)
	}
	return nil
}
