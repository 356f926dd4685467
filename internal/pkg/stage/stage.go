// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Package stage implements the Stager (spec §4.3): it turns a resolved
// dependency closure into the canonical `<target>_bundle/` tree the
// Packer later serializes.
//
// Grounded on internal/pkg/build/build.go's atomic-temp-dir-then-populate
// structure and internal/pkg/build/metadata.go's "write file, fsync,
// rename" discipline, generalized from apptainer's definition-file stage
// directories to Rex's fixed target/libs/bins/extras layout.
package stage

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/moby/sys/atomicwriter"

	"github.com/rex-linux/rex/internal/pkg/elfresolve"
	"github.com/rex-linux/rex/internal/pkg/rexerr"
	"github.com/rex-linux/rex/internal/pkg/sylog"
)

// epoch is the fixed mtime stamped onto every staged path. Packing reads
// these timestamps straight into tar headers (spec §4.4's idempotent
// packaging invariant), so wall-clock staging time can never leak into a
// bundle: two builds of the same inputs, staged seconds or days apart,
// produce byte-identical trees.
var epoch = time.Unix(0, 0).UTC()

// LoaderMarkerName is the bundle-root file recording the dynamic loader's
// basename, read back by internal/pkg/runtime during boot.
const LoaderMarkerName = ".rex-loader"

// Plan is the set of inputs a builder invocation (spec §6 -t/-l/-b/-f
// flags) contributes to one staging run.
type Plan struct {
	Target    string
	ExtraLibs []string
	Helpers   []string
	Extras    []string
}

// Result describes the tree Build produced, and the closure it was built
// from — the Packer needs the latter only for diagnostics, since it just
// serializes whatever is on disk under Dir.
type Result struct {
	Dir            string
	TargetName     string
	LoaderBasename string
	Closure        *elfresolve.Closure
}

// Build resolves plan's full dependency closure and stages it under
// <outDir>/<target_name>_bundle, replacing any stale tree of the same
// name. Every file placed in the tree is written atomically (temp
// sibling, fsync, rename — spec §5) and every destination path is joined
// through filepath-securejoin so a maliciously or accidentally crafted
// source path (e.g. an extra containing "..") cannot escape the bundle
// root.
func Build(outDir string, plan Plan) (*Result, error) {
	if _, err := os.Stat(plan.Target); err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "statting target %s", plan.Target)
	}

	closure, err := elfresolve.Resolve(plan.Target, elfresolve.Options{ExtraLibs: plan.ExtraLibs})
	if err != nil {
		return nil, err
	}
	for _, helper := range plan.Helpers {
		if err := elfresolve.ResolveHelper(closure, helper); err != nil {
			return nil, err
		}
	}

	targetName := filepath.Base(plan.Target)
	bundleDir := filepath.Join(outDir, targetName+"_bundle")

	if err := os.RemoveAll(bundleDir); err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "clearing stale bundle dir %s", bundleDir)
	}
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "creating bundle dir %s", bundleDir)
	}

	if err := copyIntoRoot(bundleDir, targetName, plan.Target); err != nil {
		return nil, err
	}
	sylog.WithFields(sylog.Fields{"target": plan.Target}).Debugf("staged target as %s", targetName)

	libsDir := filepath.Join(bundleDir, "libs")
	if err := os.MkdirAll(libsDir, 0o755); err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "creating libs dir")
	}

	loaderBasename := filepath.Base(closure.LoaderPath)
	if err := copyInto(libsDir, loaderBasename, closure.LoaderPath); err != nil {
		return nil, err
	}
	sylog.Debugf("staged loader %s as libs/%s", closure.LoaderPath, loaderBasename)

	// The footer record (spec §3) has no field for the loader's basename,
	// so the runtime stub has no other way to learn which file under
	// libs/ to invoke after extraction. LoaderMarkerName resolves that gap:
	// a one-line marker file at the bundle root, written here and read
	// back by internal/pkg/runtime during boot.
	markerDst, err := securejoin.SecureJoin(bundleDir, LoaderMarkerName)
	if err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "joining loader marker path")
	}
	if err := atomicwriter.WriteFile(markerDst, []byte(loaderBasename), 0o644); err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "writing loader marker")
	}

	for _, lib := range closure.Libraries {
		// Keyed by soname, not the source basename: the bundled loader's
		// --library-path search matches DT_NEEDED strings against
		// filenames verbatim (spec §4.2 closure-soundness invariant),
		// and the closure already guarantees one entry per soname.
		if err := copyInto(libsDir, lib.Soname, lib.Path); err != nil {
			return nil, err
		}
		sylog.WithFields(sylog.Fields{"soname": lib.Soname}).Debugf("staged library from %s", lib.Path)
	}
	sylog.Debugf("staged %d libraries", len(closure.Libraries))

	if len(plan.Helpers) > 0 {
		binsDir := filepath.Join(bundleDir, "bins")
		if err := os.MkdirAll(binsDir, 0o755); err != nil {
			return nil, rexerr.Wrap(rexerr.KindIO, err, "creating bins dir")
		}
		for _, helper := range plan.Helpers {
			if err := copyInto(binsDir, filepath.Base(helper), helper); err != nil {
				return nil, err
			}
		}
		sylog.Debugf("staged %d helper binaries", len(plan.Helpers))
	}

	for _, extra := range plan.Extras {
		if err := copyExtra(bundleDir, extra); err != nil {
			return nil, err
		}
	}

	if err := normalizeTimestamps(bundleDir); err != nil {
		return nil, err
	}

	return &Result{
		Dir:            bundleDir,
		TargetName:     targetName,
		LoaderBasename: loaderBasename,
		Closure:        closure,
	}, nil
}

// copyInto securely joins name under dir and copies src there.
func copyInto(dir, name, src string) error {
	dst, err := securejoin.SecureJoin(dir, name)
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "joining %s under %s", name, dir)
	}
	return copyFileAtomic(src, dst)
}

// copyIntoRoot is copyInto for the bundle root itself.
func copyIntoRoot(bundleDir, name, src string) error {
	return copyInto(bundleDir, name, src)
}

// copyExtra stages a -f path verbatim under the bundle root, recursing
// into directories and preserving their internal structure.
func copyExtra(bundleDir, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "statting extra %s", src)
	}
	base := filepath.Base(filepath.Clean(src))

	if !info.IsDir() {
		return copyInto(bundleDir, base, src)
	}

	destRoot, err := securejoin.SecureJoin(bundleDir, base)
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "joining extra dir %s", base)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return rexerr.Wrap(rexerr.KindIO, err, "walking extra %s", src)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return rexerr.Wrap(rexerr.KindIO, err, "computing relative path for %s", path)
		}

		dst, err := securejoin.SecureJoin(destRoot, rel)
		if err != nil {
			return rexerr.Wrap(rexerr.KindIO, err, "joining %s under %s", rel, destRoot)
		}

		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		return copyFileAtomic(path, dst)
	})
}

// copyFileAtomic streams src (following symlinks, so a symlinked source
// is always materialized as a plain regular file in the bundle — spec §9
// versioned-symlink-chain policy applied uniformly) into dst via a
// temp-sibling-fsync-rename write, preserving src's permission bits.
func copyFileAtomic(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "statting %s", src)
	}
	if info.IsDir() {
		return rexerr.New(rexerr.KindIO, "%s is a directory, expected a file", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "opening %s", src)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "creating parent dir for %s", dst)
	}

	out, err := atomicwriter.New(dst, info.Mode().Perm())
	if err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "opening atomic writer for %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return rexerr.Wrap(rexerr.KindIO, err, "copying %s to %s", src, dst)
	}
	if err := out.Close(); err != nil {
		return rexerr.Wrap(rexerr.KindIO, err, "finalizing %s", dst)
	}
	return nil
}

// normalizeTimestamps stamps every path under root (files and directories
// alike) to epoch, erasing the wall-clock mtimes staging left behind so
// the Packer's tar headers come out identical across repeated builds.
func normalizeTimestamps(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return rexerr.Wrap(rexerr.KindIO, err, "walking %s", root)
		}
		if err := os.Chtimes(path, epoch, epoch); err != nil {
			return rexerr.Wrap(rexerr.KindIO, err, "normalizing timestamp of %s", path)
		}
		return nil
	})
}
