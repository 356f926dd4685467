// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package elfresolve

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
)

// ParseLdSoConf reads a glibc-style ld.so.conf file: one search directory
// per line, blank lines and "#" comments ignored, and "include <glob>"
// directives expanded and recursed into (relative globs are resolved
// against the directory containing the including file, matching glibc's
// own ldconfig behaviour). A missing file is not an error — hosts without
// glibc's config layout simply contribute nothing here.
func ParseLdSoConf(path string) ([]string, error) {
	return parseLdSoConf(path, map[string]bool{})
}

func parseLdSoConf(path string, seen map[string]bool) ([]string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if seen[abs] {
		return nil, nil
	}
	seen[abs] = true

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rexerr.Wrap(rexerr.KindIO, err, "reading %s", path)
	}

	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "include"); ok && (rest == "" || rest[0] == ' ' || rest[0] == '\t') {
			pattern := strings.TrimSpace(rest)
			if !filepath.IsAbs(pattern) {
				pattern = filepath.Join(filepath.Dir(path), pattern)
			}
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, rexerr.Wrap(rexerr.KindIO, err, "expanding include %q", pattern)
			}
			sort.Strings(matches)
			for _, m := range matches {
				sub, err := parseLdSoConf(m, seen)
				if err != nil {
					return nil, err
				}
				out = append(out, sub...)
			}
			continue
		}
		out = append(out, line)
	}
	return out, nil
}
