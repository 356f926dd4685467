// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Package rexerr enumerates the closed error-kind set Rex surfaces to
// users (builder mode) and to stderr (stub mode). Every error Rex returns
// can be traced back to exactly one Kind via errors.As, which cmd/rex uses
// to pick a process exit code.
package rexerr

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// Kind is the closed set of error categories from spec §7.
type Kind string

const (
	KindUsage                Kind = "usage"
	KindIO                   Kind = "io"
	KindElfParse             Kind = "elf_parse"
	KindUnresolvedDependency Kind = "unresolved_dependency"
	KindCompression          Kind = "compression"
	KindTruncated            Kind = "truncated"
	KindNotABundle           Kind = "not_a_bundle"
	KindUnsupportedVersion   Kind = "unsupported_version"
	KindArchMismatch         Kind = "arch_mismatch"
	KindChecksumMismatch     Kind = "checksum_mismatch"
	KindExecFailure          Kind = "exec_failure"
	KindChildSignalled       Kind = "child_signalled"
)

// Kinded is implemented by every error type this package defines.
type Kinded interface {
	error
	Kind() Kind
}

// Error is the generic kinded error; most call sites use New or Wrap
// rather than constructing this directly.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func New(kind Kind, format string, a ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, a...)}
}

// Wrap attaches a Kind and a one-line cause to an underlying error,
// preserving it as the chain apptainer's build package builds with
// fmt.Errorf("while doing X: %w", err) — here done with pkg/errors so
// callers can still errors.As into the original cause.
func Wrap(kind Kind, cause error, format string, a ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, a...), err: errors.WithStack(cause)}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }
func (e *Error) Kind() Kind    { return e.kind }

// UnresolvedDependency reports a DT_NEEDED entry the resolver could not
// satisfy against the search-path policy, together with the chain that
// pulled it in (root ELF first, ending with Soname itself), per spec
// §4.2/§7.
type UnresolvedDependency struct {
	Soname string
	Chain  []string
}

func (e *UnresolvedDependency) Error() string {
	requirers := e.Chain
	if n := len(requirers); n > 0 && requirers[n-1] == e.Soname {
		requirers = requirers[:n-1]
	}
	if len(requirers) == 0 {
		return fmt.Sprintf("unresolved dependency %q", e.Soname)
	}
	return fmt.Sprintf("unresolved dependency %q (required by %s)", e.Soname, strings.Join(reverse(requirers), " <- "))
}

func (e *UnresolvedDependency) Kind() Kind { return KindUnresolvedDependency }

func reverse(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

// ExecFailure reports a failed exec(2) of the bundled loader, carrying the
// path Rex attempted to run and the errno the kernel returned.
type ExecFailure struct {
	Path  string
	Errno error
}

func (e *ExecFailure) Error() string {
	return fmt.Sprintf("failed to exec %s: %v", e.Path, e.Errno)
}

func (e *ExecFailure) Kind() Kind { return KindExecFailure }
func (e *ExecFailure) Unwrap() error { return e.Errno }

// ChildSignalled reports that the bundled target's process terminated due
// to an unhandled signal rather than exiting normally.
type ChildSignalled struct {
	Signo syscall.Signal
}

func (e *ChildSignalled) Error() string {
	return fmt.Sprintf("child terminated by signal %s", e.Signo)
}

func (e *ChildSignalled) Kind() Kind { return KindChildSignalled }

// ExitCode maps any error this package recognizes to the process exit
// code from spec §6: 0 success, 1 generic failure, 2 usage error, 3
// resolution failure. Errors this package does not recognize map to 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var k Kinded
	if errors.As(err, &k) {
		switch k.Kind() {
		case KindUsage:
			return 2
		case KindUnresolvedDependency:
			return 3
		default:
			return 1
		}
	}
	return 1
}
