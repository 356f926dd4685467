// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Package scratch implements the Scratch Lifecycle (spec §4.6): creating
// the extraction directory a running bundle unpacks itself into, and the
// two execution strategies that guarantee (or, in the size-optimised
// case, eventually guarantee) it is removed again.
//
// Grounded on internal/pkg/image/driver/imagedriver.go's pattern of
// dispatching to one of several registered strategies behind a single
// narrow interface (there: fuseappsDriver delegating to squashfuse or
// overlayfsfuse; here: Strategy delegating to ForkSupervise or
// ExecAndOrphan), and on internal/pkg/build/build.go's Full() signal
// handling (signal.Notify, forward once, then clean up unconditionally).
package scratch

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
)

// Dir creates a fresh scratch directory under base (TMPDIR, or /tmp if
// base is empty), named with a uuid suffix — 122 bits of entropy, well
// past the spec's 96-bit floor — and mode 0700. Retried with bounded
// backoff since a name collision, while practically impossible, is not
// itself a terminal failure.
func Dir(base string) (string, error) {
	if base == "" {
		base = os.TempDir()
	}

	var dir string
	op := func() error {
		dir = filepath.Join(base, "rex-"+uuid.NewString())
		return os.Mkdir(dir, 0o700)
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, b); err != nil {
		return "", rexerr.Wrap(rexerr.KindIO, err, "creating scratch directory under %s", base)
	}
	return dir, nil
}

// Strategy is the narrow interface both execution strategies implement:
// run the loader to completion (or handoff, for ExecAndOrphan) and
// guarantee dir is eventually removed.
type Strategy interface {
	// Run executes argv (argv[0] is the loader path) with env, waits for
	// it per the strategy's discipline, and returns the process's exit
	// status. dir is removed before Run returns for ForkSupervise, and
	// asynchronously by a detached reaper for ExecAndOrphan.
	Run(ctx context.Context, dir string, argv, env []string) (int, error)
}

// scratchCleanupGrace bounds how long ExecAndOrphan's detached reaper
// polls before giving up waiting on the parent and removing dir anyway;
// it exists only so tests don't hang forever on a pid that never exits.
const scratchCleanupGrace = 2 * time.Hour
