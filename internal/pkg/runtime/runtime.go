// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Package runtime implements the Runtime Stub boot sequence (spec §4.5):
// the path a finished bundle takes every time it is executed, from
// opening its own image to handing off to the bundled loader.
//
// Grounded on internal/pkg/image/driver/squashfuse/driver.go and
// .../overlayfsfuse/driver.go's exec.Command + SysProcAttr construction
// and narrow Init/Start/Mount/Stop discipline, reused here behind
// internal/pkg/scratch's single Strategy interface.
package runtime

import (
	"context"
	"io"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	archive "github.com/moby/go-archive"
	"github.com/klauspost/compress/zstd"

	"github.com/rex-linux/rex/internal/pkg/buildcfg"
	"github.com/rex-linux/rex/internal/pkg/rexerr"
	"github.com/rex-linux/rex/internal/pkg/scratch"
	"github.com/rex-linux/rex/internal/pkg/stage"
	"github.com/rex-linux/rex/internal/pkg/sylog"
	"github.com/rex-linux/rex/pkg/footer"
)

// selfExePath is /proc/self/exe, a var so tests can point Boot at a
// regular file standing in for "this running bundle" instead of the real
// process image.
var selfExePath = "/proc/self/exe"

// extractFlag, consumed by Boot before forwarding, triggers debug-mode
// extraction-without-exec (spec §4.5 "Debug mode"). Gated on
// buildcfg.DebugAssertions so it is inert in a production build.
const extractFlag = "--rex-extract"

// verifyFlag (SPEC_FULL §11) extracts, verifies the checksum and the
// presence of the target and loader, then exits without running
// anything — a dry run for diagnosing a bundle that won't boot.
const verifyFlag = "--rex-verify"

// Boot runs the full stub boot sequence for argv (normally os.Args[1:]):
// decode the footer, stand up a scratch directory, extract the payload
// into it, and exec the bundled loader with the original target. It
// returns the loader's exit code on the strategies that return at all
// (ForkSupervise always does; ExecAndOrphan only on failure, since a
// successful unix.Exec never returns to Go code).
func Boot(argv []string) (int, error) {
	argv, debugExtract, debugVerify := consumeDebugFlags(argv)

	self, err := os.Open(selfExePath)
	if err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "opening own executable")
	}
	defer self.Close()

	info, err := self.Stat()
	if err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "statting own executable")
	}

	f, err := footer.DecodeFromTail(self, info.Size())
	if err != nil {
		return 0, err
	}

	if err := verifyChecksum(self, f); err != nil {
		return 0, err
	}

	if debugExtract {
		cwd, err := os.Getwd()
		if err != nil {
			return 0, rexerr.Wrap(rexerr.KindIO, err, "getting working directory")
		}
		if err := extractInto(self, f, cwd); err != nil {
			return 0, err
		}
		sylog.Infof("extracted bundle into %s", cwd)
		return 0, nil
	}

	dir, err := scratch.Dir(os.Getenv("TMPDIR"))
	if err != nil {
		return 0, err
	}

	if err := extractInto(self, f, dir); err != nil {
		_ = os.RemoveAll(dir)
		return 0, err
	}

	targetPath, loaderPath, err := verifyExtracted(dir, f)
	if err != nil {
		_ = os.RemoveAll(dir)
		return 0, err
	}

	if debugVerify {
		sylog.Infof("bundle verified ok: target=%s loader=%s", targetPath, loaderPath)
		_ = os.RemoveAll(dir)
		return 0, nil
	}

	env := rewriteEnv(os.Environ(), filepath.Join(dir, "bins"))
	libsDir := filepath.Join(dir, "libs")
	loaderArgv := append([]string{loaderPath, "--library-path", libsDir, targetPath}, argv...)

	var strategy scratch.Strategy
	switch buildcfg.DefaultScratchStrategy() {
	case buildcfg.ExecAndOrphan:
		strategy = scratch.ExecAndOrphan{}
	default:
		strategy = scratch.ForkSupervise{}
	}

	return strategy.Run(context.Background(), dir, loaderArgv, env)
}

func consumeDebugFlags(argv []string) (rest []string, extract, verify bool) {
	if !buildcfg.DebugAssertions() {
		return argv, false, false
	}
	for _, a := range argv {
		switch a {
		case extractFlag:
			extract = true
		case verifyFlag:
			verify = true
		default:
			rest = append(rest, a)
		}
	}
	return rest, extract, verify
}

func verifyChecksum(self io.ReaderAt, f *footer.Footer) error {
	payload := io.NewSectionReader(self, int64(f.PayloadOffset), int64(f.PayloadSize))
	sum, err := footer.ChecksumReader(payload)
	if err != nil {
		return err
	}
	if sum != f.Checksum {
		return rexerr.New(rexerr.KindChecksumMismatch, "payload checksum %x does not match footer checksum %x", sum, f.Checksum)
	}
	return nil
}

func extractInto(self io.ReaderAt, f *footer.Footer, dest string) error {
	payload := io.NewSectionReader(self, int64(f.PayloadOffset), int64(f.PayloadSize))
	dec, err := zstd.NewReader(payload)
	if err != nil {
		return rexerr.Wrap(rexerr.KindCompression, err, "creating zstd decoder")
	}
	defer dec.Close()

	// archive.Untar itself refuses any archive entry whose path would
	// escape dest via ".."; securejoin is used only for the target,
	// marker and loader paths in verifyExtracted.
	if err := archive.Untar(dec, dest, &archive.TarOptions{}); err != nil {
		return rexerr.Wrap(rexerr.KindCompression, err, "extracting bundle into %s", dest)
	}
	return nil
}

func verifyExtracted(dir string, f *footer.Footer) (targetPath, loaderPath string, err error) {
	targetPath, err = securejoin.SecureJoin(dir, f.TargetName)
	if err != nil {
		return "", "", rexerr.Wrap(rexerr.KindIO, err, "joining target name")
	}
	if st, statErr := os.Stat(targetPath); statErr != nil || st.Mode()&0o111 == 0 {
		return "", "", rexerr.New(rexerr.KindIO, "extracted target %s is missing or not executable", targetPath)
	}

	markerPath, err := securejoin.SecureJoin(dir, stage.LoaderMarkerName)
	if err != nil {
		return "", "", rexerr.Wrap(rexerr.KindIO, err, "joining loader marker path")
	}
	markerData, err := os.ReadFile(markerPath)
	if err != nil {
		return "", "", rexerr.Wrap(rexerr.KindIO, err, "reading loader marker")
	}

	loaderPath, err = securejoin.SecureJoin(filepath.Join(dir, "libs"), string(markerData))
	if err != nil {
		return "", "", rexerr.Wrap(rexerr.KindIO, err, "joining loader path")
	}
	if _, statErr := os.Stat(loaderPath); statErr != nil {
		return "", "", rexerr.New(rexerr.KindIO, "extracted loader %s is missing", loaderPath)
	}

	return targetPath, loaderPath, nil
}

// rewriteEnv prepends binsDir to PATH, creating the variable if it is
// unset, and leaves every other variable untouched (spec §4.5 step 5,
// §6 "no Rex-specific env var is recognized at runtime").
func rewriteEnv(env []string, binsDir string) []string {
	const prefix = "PATH="
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if len(kv) >= len(prefix) && kv[:len(prefix)] == prefix {
			found = true
			existing := kv[len(prefix):]
			if existing == "" {
				out = append(out, prefix+binsDir)
			} else {
				out = append(out, prefix+binsDir+":"+existing)
			}
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, prefix+binsDir)
	}
	return out
}
