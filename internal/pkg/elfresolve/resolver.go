// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Package elfresolve implements the ELF Resolver (spec §4.2, internally
// named rldd-rex): it walks DT_NEEDED, PT_INTERP, DT_RPATH and DT_RUNPATH
// the way the dynamic linker itself would at load time, and produces the
// closed set of shared objects a target needs to run standalone.
//
// The search-path policy is fixed by the spec and is not configurable at
// the package level:
//
//  1. DT_RUNPATH of the object currently being resolved, never inherited.
//  2. LD_LIBRARY_PATH is never consulted — the whole point of bundling is
//     to be independent of the invoking environment.
//  3. DT_RPATH of the object currently being resolved, and of every
//     ancestor along the dependency spine back to the root target.
//  4. The built-in default path list, plus /etc/ld.so.conf.
//
// Discovery is breadth-first and first-wins: the first resolution of a
// given soname sticks, later encounters of the same soname are skipped
// even if a different search step would have found a different file
// (spec closure-minimality invariant).
//
// Grounded on other_examples' dynlib cache walker (ResolveLibraries): a
// worklist of ELF objects to interrogate, each popped object contributing
// new entries to both the result set and the worklist.
package elfresolve

import (
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
)

// Library is one resolved shared object in a closure.
type Library struct {
	Soname string
	Path   string
}

// Closure is the result of resolving one or more ELF objects: the
// deduplicated set of shared libraries they need, plus (for the root
// target) the dynamic loader it was linked against.
type Closure struct {
	Libraries  []Library
	LoaderPath string

	visited map[string]string // soname -> resolved path
}

// NewClosure returns an empty Closure. Resolve starts from one; the
// stager then merges each helper binary's (spec §11 "-b") dependencies
// into Resolve's result with ResolveHelper.
func NewClosure() *Closure {
	return &Closure{visited: map[string]string{}}
}

func (c *Closure) addLib(soname, path string) bool {
	if c.visited == nil {
		c.visited = map[string]string{}
	}
	if _, ok := c.visited[soname]; ok {
		return false
	}
	c.visited[soname] = path
	c.Libraries = append(c.Libraries, Library{Soname: soname, Path: path})
	return true
}

// Options configures one Resolve call.
type Options struct {
	// ExtraLibs are user-supplied library paths (builder -l flag, spec
	// §6), injected at the root of the search frontier so they shadow
	// any host library discovered later under the same soname.
	ExtraLibs []string
}

// worklistItem is one pending expansion: an ELF object whose DT_NEEDED
// list still needs walking, together with the ancestor chain (for error
// reporting) and the accumulated DT_RPATH search list (this object's own
// RPATH plus every ancestor's, per search-path policy step 3) that
// applies when resolving ITS dependencies.
type worklistItem struct {
	di         *dynInfo
	chain      []string
	rpathChain []string
}

// Resolve walks targetPath's full dependency closure and identifies its
// dynamic loader.
func Resolve(targetPath string, opts Options) (*Closure, error) {
	c := NewClosure()
	rootDi, err := resolveInto(c, targetPath, opts.ExtraLibs)
	if err != nil {
		return nil, err
	}
	c.LoaderPath = rootDi.Interp
	return c, nil
}

// ResolveHelper extends an existing closure (typically the result of a
// prior Resolve call on the main target) with helperPath's own
// dependencies, without touching LoaderPath — the bundle boots through a
// single loader regardless of how many helper binaries it carries (spec
// §11).
func ResolveHelper(c *Closure, helperPath string) error {
	_, err := resolveInto(c, helperPath, nil)
	return err
}

func resolveInto(c *Closure, targetPath string, extraLibs []string) (*dynInfo, error) {
	if _, err := os.Stat(targetPath); err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "statting target %s", targetPath)
	}

	var queue []worklistItem

	for _, lp := range extraLibs {
		di, err := readDynInfo(lp)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(lp)
		if err != nil {
			abs = lp
		}
		c.addLib(di.Soname, abs)
		queue = append(queue, worklistItem{
			di:         di,
			chain:      []string{di.Soname},
			rpathChain: append([]string{}, di.RPath...),
		})
	}

	rootDi, err := readDynInfo(targetPath)
	if err != nil {
		return nil, err
	}
	queue = append(queue, worklistItem{
		di:         rootDi,
		chain:      []string{filepath.Base(targetPath)},
		rpathChain: append([]string{}, rootDi.RPath...),
	})

	defaults, err := defaultSearchPaths()
	if err != nil {
		return nil, err
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, needed := range cur.di.Needed {
			if _, already := c.visited[needed]; already {
				continue
			}

			path, ok := locate(needed, cur.di.RunPath, cur.rpathChain, defaults)
			if !ok {
				return nil, &rexerr.UnresolvedDependency{
					Soname: needed,
					Chain:  append(append([]string{}, cur.chain...), needed),
				}
			}

			c.addLib(needed, path)

			childDi, err := readDynInfo(path)
			if err != nil {
				return nil, err
			}

			queue = append(queue, worklistItem{
				di:         childDi,
				chain:      append(append([]string{}, cur.chain...), needed),
				rpathChain: append(append([]string{}, cur.rpathChain...), childDi.RPath...),
			})
		}
	}

	return rootDi, nil
}

// locate applies search-path policy steps 1, 3 and 4 in order (step 2,
// LD_LIBRARY_PATH, is deliberately never consulted) and reports whether
// soname was found under any of them.
func locate(soname string, runpath, rpathChain, defaults []string) (string, bool) {
	for _, dir := range runpath {
		if p := filepath.Join(dir, soname); isRegularFile(p) {
			return p, true
		}
	}
	for _, dir := range rpathChain {
		if p := filepath.Join(dir, soname); isRegularFile(p) {
			return p, true
		}
	}
	for _, dir := range defaults {
		if p := filepath.Join(dir, soname); isRegularFile(p) {
			return p, true
		}
	}
	return "", false
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Sonames returns the closure's library sonames in discovery order, used
// by tests asserting closure order and minimality.
func (c *Closure) Sonames() []string {
	return lo.Map(c.Libraries, func(l Library, _ int) string { return l.Soname })
}
