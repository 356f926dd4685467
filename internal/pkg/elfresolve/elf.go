// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package elfresolve

import (
	"debug/elf"
	"io"
	"path/filepath"
	"strings"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
)

// dynInfo is everything the search-path policy (spec §4.2) needs out of
// one ELF object: its own soname, the sonames it needs, its own
// (non-inherited) DT_RUNPATH, its own DT_RPATH, and — for the root target
// only — its PT_INTERP loader path.
//
// The resolver reads only the ELF header, program headers, and the
// .dynamic section content, per the §4.2 parsing contract; it never
// executes the target or shells out to ldd/readelf.
type dynInfo struct {
	Path    string
	Soname  string
	Needed  []string
	RPath   []string
	RunPath []string
	Interp  string
}

func readDynInfo(path string) (*dynInfo, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, rexerr.Wrap(rexerr.KindElfParse, err, "opening ELF object %s", path)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, rexerr.New(rexerr.KindElfParse, "%s is not an x86_64 ELF object (machine=%s)", path, f.Machine)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	originDir := filepath.Dir(abs)

	di := &dynInfo{Path: path}

	for _, p := range f.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}
		data, err := io.ReadAll(p.Open())
		if err != nil {
			return nil, rexerr.Wrap(rexerr.KindElfParse, err, "reading PT_INTERP of %s", path)
		}
		di.Interp = strings.TrimRight(string(data), "\x00")
	}

	if sonames, err := f.DynString(elf.DT_SONAME); err == nil && len(sonames) > 0 {
		di.Soname = sonames[0]
	} else {
		di.Soname = filepath.Base(path)
	}

	// A DT_DYNAMIC-less object (no .dynamic section, e.g. a statically
	// linked helper accidentally passed as a target) has nothing further
	// to read; DynString returns an error in that case which we treat as
	// "no further dependencies" rather than a hard parse failure, since
	// the caller has already validated this is a regular ELF file.
	if needed, err := f.DynString(elf.DT_NEEDED); err == nil {
		di.Needed = needed
	}
	if rpath, err := f.DynString(elf.DT_RPATH); err == nil {
		di.RPath = expandSearchList(rpath, originDir)
	}
	if runpath, err := f.DynString(elf.DT_RUNPATH); err == nil {
		di.RunPath = expandSearchList(runpath, originDir)
	}

	return di, nil
}

// expandSearchList splits each colon-separated DT_RPATH/DT_RUNPATH value
// into directories and expands $ORIGIN to the directory of the ELF object
// that declared it — $ORIGIN is a property of the object being resolved,
// not of the builder's environment, so it is always honored (spec §9).
func expandSearchList(raw []string, originDir string) []string {
	var out []string
	for _, entry := range raw {
		for _, part := range strings.Split(entry, ":") {
			if part == "" {
				continue
			}
			part = strings.ReplaceAll(part, "$ORIGIN", originDir)
			part = strings.ReplaceAll(part, "${ORIGIN}", originDir)
			out = append(out, part)
		}
	}
	return out
}
