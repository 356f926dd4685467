// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package scratch

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
	"github.com/rex-linux/rex/internal/pkg/sylog"
)

// ForkSupervise is the default Scratch Lifecycle strategy (spec §4.6):
// the current process starts the loader as a child in its own process
// group, waits for it, forwards SIGINT/SIGTERM to that group exactly
// once, and unconditionally removes dir before returning — guaranteeing
// cleanup regardless of how the child terminated.
type ForkSupervise struct{}

func (ForkSupervise) Run(ctx context.Context, dir string, argv, env []string) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return 0, &rexerr.ExecFailure{Path: argv[0], Errno: err}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	forwarded := false
waitLoop:
	for {
		select {
		case sig := <-sigCh:
			signo, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			if forwarded {
				// A second signal while the child is still running is
				// fatal to the parent (spec §7); best-effort cleanup
				// first so a double Ctrl-C doesn't leak the scratch dir.
				sylog.WithFields(sylog.Fields{"scratch": dir}).Warningf("received %s again before child exited, aborting", signo)
				_ = os.RemoveAll(dir)
				os.Exit(1)
			}
			forwarded = true
			sylog.WithFields(sylog.Fields{"scratch": dir}).Debugf("forwarding %s to child process group %d", signo, cmd.Process.Pid)
			_ = syscall.Kill(-cmd.Process.Pid, signo)
		case waitErr = <-done:
			break waitLoop
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "removing scratch directory %s", dir)
	}

	return exitCodeOf(waitErr)
}

func exitCodeOf(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return 1, rexerr.Wrap(rexerr.KindExecFailure, waitErr, "waiting for loader")
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), &rexerr.ChildSignalled{Signo: status.Signal()}
	}
	return exitErr.ExitCode(), nil
}
