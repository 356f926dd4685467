// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package elfresolve

import "github.com/samber/lo"

// builtinSearchPaths are the paths the dynamic linker searches even with
// no ld.so.conf entry at all, mirroring glibc's compiled-in default list
// for x86_64 (spec §4.2 step 4).
var builtinSearchPaths = []string{
	"/lib",
	"/lib64",
	"/usr/lib",
	"/usr/lib64",
	"/lib/x86_64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu",
}

// defaultLdSoConfPath is a var, not a const, so tests can point it at a
// fixture file instead of the real host's /etc/ld.so.conf.
var defaultLdSoConfPath = "/etc/ld.so.conf"

// defaultSearchPaths is step 4 of the search-path policy (spec §4.2): the
// built-in default list plus whatever /etc/ld.so.conf (and its includes)
// contribute, in that order, deduplicated.
func defaultSearchPaths() ([]string, error) {
	fromConf, err := ParseLdSoConf(defaultLdSoConfPath)
	if err != nil {
		return nil, err
	}
	return lo.Uniq(append(append([]string{}, builtinSearchPaths...), fromConf...)), nil
}
