// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package elfresolve

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
)

const fakeLoader = "/lib64/ld-linux-x86-64.so.2"

func withEmptyLdSoConf(t *testing.T) {
	t.Helper()
	prev := defaultLdSoConfPath
	defaultLdSoConfPath = filepath.Join(t.TempDir(), "does-not-exist.conf")
	t.Cleanup(func() { defaultLdSoConfPath = prev })
}

func TestResolveBasicClosure(t *testing.T) {
	withEmptyLdSoConf(t)
	dir := t.TempDir()
	libDir := filepath.Join(dir, "libs")
	assert.NilError(t, os.Mkdir(libDir, 0o755))

	writeFixture(t, libDir, "libbar.so.1", fixtureSpec{Soname: "libbar.so.1"})
	writeFixture(t, libDir, "libfoo.so.1", fixtureSpec{
		Soname: "libfoo.so.1",
		Needed: []string{"libbar.so.1"},
		RPath:  libDir,
	})
	target := writeFixture(t, dir, "app", fixtureSpec{
		Interp: fakeLoader,
		Needed: []string{"libfoo.so.1"},
		RPath:  libDir,
	})

	c, err := Resolve(target, Options{})
	assert.NilError(t, err)
	assert.Equal(t, c.LoaderPath, fakeLoader)
	assert.DeepEqual(t, c.Sonames(), []string{"libfoo.so.1", "libbar.so.1"})
}

func TestResolveDiamondFirstWinsDedup(t *testing.T) {
	withEmptyLdSoConf(t)
	dir := t.TempDir()

	writeFixture(t, dir, "libb.so.1", fixtureSpec{Soname: "libb.so.1"})
	writeFixture(t, dir, "liba.so.1", fixtureSpec{
		Soname: "liba.so.1",
		Needed: []string{"libb.so.1"},
		RPath:  dir,
	})
	target := writeFixture(t, dir, "app", fixtureSpec{
		Interp: fakeLoader,
		Needed: []string{"liba.so.1", "libb.so.1"},
		RPath:  dir,
	})

	c, err := Resolve(target, Options{})
	assert.NilError(t, err)
	// Discovered once each, breadth-first: liba and libb are siblings under
	// the root, so both appear before liba's own (redundant) need of libb
	// is walked and skipped.
	want := []Library{
		{Soname: "liba.so.1", Path: filepath.Join(dir, "liba.so.1")},
		{Soname: "libb.so.1", Path: filepath.Join(dir, "libb.so.1")},
	}
	if diff := cmp.Diff(want, c.Libraries); diff != "" {
		t.Errorf("resolved closure mismatch (-want +got):\n%s", diff)
	}
}

func TestOriginExpansion(t *testing.T) {
	withEmptyLdSoConf(t)
	dir := t.TempDir()
	binDir := filepath.Join(dir, "bin")
	libDir := filepath.Join(dir, "libs")
	assert.NilError(t, os.Mkdir(binDir, 0o755))
	assert.NilError(t, os.Mkdir(libDir, 0o755))

	writeFixture(t, libDir, "libfoo.so.1", fixtureSpec{Soname: "libfoo.so.1"})
	target := writeFixture(t, binDir, "app", fixtureSpec{
		Interp: fakeLoader,
		Needed: []string{"libfoo.so.1"},
		RPath:  "$ORIGIN/../libs",
	})

	c, err := Resolve(target, Options{})
	assert.NilError(t, err)
	assert.DeepEqual(t, c.Sonames(), []string{"libfoo.so.1"})
	assert.Equal(t, c.Libraries[0].Path, filepath.Join(libDir, "libfoo.so.1"))
}

func TestRunpathBeatsRpath(t *testing.T) {
	withEmptyLdSoConf(t)
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run")
	rpDir := filepath.Join(dir, "rp")
	assert.NilError(t, os.Mkdir(runDir, 0o755))
	assert.NilError(t, os.Mkdir(rpDir, 0o755))

	writeFixture(t, runDir, "libx.so.1", fixtureSpec{Soname: "libx.so.1"})
	writeFixture(t, rpDir, "libx.so.1", fixtureSpec{Soname: "libx.so.1"})

	target := writeFixture(t, dir, "app", fixtureSpec{
		Interp:  fakeLoader,
		Needed:  []string{"libx.so.1"},
		RPath:   rpDir,
		RunPath: runDir,
	})

	c, err := Resolve(target, Options{})
	assert.NilError(t, err)
	assert.Equal(t, c.Libraries[0].Path, filepath.Join(runDir, "libx.so.1"))
}

func TestRpathInheritedAlongSpine(t *testing.T) {
	withEmptyLdSoConf(t)
	dir := t.TempDir()
	rootRpath := filepath.Join(dir, "rootlibs")
	assert.NilError(t, os.Mkdir(rootRpath, 0o755))

	// liby is only discoverable via the ROOT's rpath, not libx's own
	// (libx declares no rpath of its own), proving ancestor rpaths
	// propagate down the dependency spine.
	writeFixture(t, rootRpath, "liby.so.1", fixtureSpec{Soname: "liby.so.1"})
	writeFixture(t, rootRpath, "libx.so.1", fixtureSpec{
		Soname: "libx.so.1",
		Needed: []string{"liby.so.1"},
	})
	target := writeFixture(t, dir, "app", fixtureSpec{
		Interp: fakeLoader,
		Needed: []string{"libx.so.1"},
		RPath:  rootRpath,
	})

	c, err := Resolve(target, Options{})
	assert.NilError(t, err)
	assert.DeepEqual(t, c.Sonames(), []string{"libx.so.1", "liby.so.1"})
}

func TestUnresolvedDependency(t *testing.T) {
	withEmptyLdSoConf(t)
	dir := t.TempDir()
	target := writeFixture(t, dir, "app", fixtureSpec{
		Interp: fakeLoader,
		Needed: []string{"libdefinitely-not-on-this-host-xyz.so.99"},
	})

	_, err := Resolve(target, Options{})
	assert.Assert(t, err != nil)

	var unresolved *rexerr.UnresolvedDependency
	assert.Assert(t, errors.As(err, &unresolved))
	assert.Equal(t, unresolved.Soname, "libdefinitely-not-on-this-host-xyz.so.99")
	assert.DeepEqual(t, unresolved.Chain, []string{"app", "libdefinitely-not-on-this-host-xyz.so.99"})
}

func TestExtraLibsShadowHost(t *testing.T) {
	withEmptyLdSoConf(t)
	dir := t.TempDir()
	extraDir := filepath.Join(dir, "extra")
	assert.NilError(t, os.Mkdir(extraDir, 0o755))

	extraLib := writeFixture(t, extraDir, "libshadow.so.1", fixtureSpec{Soname: "libshadow.so.1"})
	target := writeFixture(t, dir, "app", fixtureSpec{
		Interp: fakeLoader,
		Needed: []string{"libshadow.so.1"},
	})

	c, err := Resolve(target, Options{ExtraLibs: []string{extraLib}})
	assert.NilError(t, err)
	assert.DeepEqual(t, c.Sonames(), []string{"libshadow.so.1"})
	assert.Equal(t, c.Libraries[0].Path, extraLib)
}

func TestResolveHelperMergesIntoExistingClosure(t *testing.T) {
	withEmptyLdSoConf(t)
	dir := t.TempDir()

	writeFixture(t, dir, "libmain.so.1", fixtureSpec{Soname: "libmain.so.1"})
	target := writeFixture(t, dir, "app", fixtureSpec{
		Interp: fakeLoader,
		Needed: []string{"libmain.so.1"},
		RPath:  dir,
	})
	c, err := Resolve(target, Options{})
	assert.NilError(t, err)

	writeFixture(t, dir, "libhelper.so.1", fixtureSpec{Soname: "libhelper.so.1"})
	helper := writeFixture(t, dir, "helper-bin", fixtureSpec{
		Needed: []string{"libhelper.so.1", "libmain.so.1"},
		RPath:  dir,
	})

	assert.NilError(t, ResolveHelper(c, helper))
	assert.DeepEqual(t, c.Sonames(), []string{"libmain.so.1", "libhelper.so.1"})
	assert.Equal(t, c.LoaderPath, fakeLoader, "merging a helper must not disturb the root's loader")
}

func TestDefaultSearchPathsReadsLdSoConfIncludes(t *testing.T) {
	dir := t.TempDir()
	libDir := filepath.Join(dir, "custom-libs")
	assert.NilError(t, os.Mkdir(libDir, 0o755))
	writeFixture(t, libDir, "libconf.so.1", fixtureSpec{Soname: "libconf.so.1"})

	confDir := filepath.Join(dir, "conf.d")
	assert.NilError(t, os.Mkdir(confDir, 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(confDir, "custom.conf"), []byte(libDir+"\n"), 0o644))

	mainConf := filepath.Join(dir, "ld.so.conf")
	assert.NilError(t, os.WriteFile(mainConf, []byte("# comment\ninclude conf.d/*.conf\n"), 0o644))

	prev := defaultLdSoConfPath
	defaultLdSoConfPath = mainConf
	t.Cleanup(func() { defaultLdSoConfPath = prev })

	target := writeFixture(t, dir, "app", fixtureSpec{
		Interp: fakeLoader,
		Needed: []string{"libconf.so.1"},
	})

	c, err := Resolve(target, Options{})
	assert.NilError(t, err)
	assert.Assert(t, is.Len(c.Libraries, 1))
	assert.Equal(t, c.Libraries[0].Path, filepath.Join(libDir, "libconf.so.1"))
}
