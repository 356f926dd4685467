// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

package pack

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	archive "github.com/moby/go-archive"
	"github.com/klauspost/compress/zstd"
	"gotest.tools/v3/assert"

	"github.com/rex-linux/rex/internal/pkg/elftestutil"
	"github.com/rex-linux/rex/internal/pkg/stage"
	"github.com/rex-linux/rex/pkg/footer"
)

func stageSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "app"), []byte("fake elf contents"), 0o755))
	assert.NilError(t, os.MkdirAll(filepath.Join(dir, "libs"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "libs", "libfoo.so.1"), bytes.Repeat([]byte("lib"), 1000), 0o644))
	return dir
}

func TestPackRoundTrip(t *testing.T) {
	staged := stageSample(t)
	outPath := filepath.Join(t.TempDir(), "app.Rex")

	summary, err := Pack(staged, "app", outPath, DefaultLevel)
	assert.NilError(t, err)
	assert.Assert(t, summary.PayloadSize > 0)
	assert.Assert(t, summary.UncompressedSize > 0)

	out, err := os.Open(outPath)
	assert.NilError(t, err)
	defer out.Close()
	info, err := out.Stat()
	assert.NilError(t, err)

	f, err := footer.DecodeFromTail(out, info.Size())
	assert.NilError(t, err)
	assert.Equal(t, f.TargetName, "app")
	assert.Equal(t, f.PayloadSize, uint64(summary.PayloadSize))
	assert.Equal(t, f.UncompressedSize, uint64(summary.UncompressedSize))

	payload := io.NewSectionReader(out, int64(f.PayloadOffset), int64(f.PayloadSize))
	sum, err := footer.ChecksumReader(payload)
	assert.NilError(t, err)
	assert.Equal(t, sum, f.Checksum)

	// Decompress and untar, and check the staged content survived
	// byte-for-byte (spec §8 round-trip invariant).
	payload = io.NewSectionReader(out, int64(f.PayloadOffset), int64(f.PayloadSize))
	dec, err := zstd.NewReader(payload)
	assert.NilError(t, err)
	defer dec.Close()

	destDir := t.TempDir()
	assert.NilError(t, archive.Untar(dec, destDir, &archive.TarOptions{}))

	got, err := os.ReadFile(filepath.Join(destDir, "libs", "libfoo.so.1"))
	assert.NilError(t, err)
	want, err := os.ReadFile(filepath.Join(staged, "libs", "libfoo.so.1"))
	assert.NilError(t, err)
	assert.DeepEqual(t, got, want)
}

func TestPackRejectsOutOfRangeLevel(t *testing.T) {
	staged := stageSample(t)
	outPath := filepath.Join(t.TempDir(), "app.Rex")

	_, err := Pack(staged, "app", outPath, 23)
	assert.ErrorContains(t, err, "out of range")
}

// TestPackIsIdempotent re-stages and re-packs the same inputs twice, with
// a real delay between the two builds, and checks the resulting bundles
// are bitwise identical (spec §4.4 idempotent-packaging invariant). A
// build pipeline that lets wall-clock mtimes leak into tar headers would
// fail this the moment the delay crosses a one-second tar-header boundary.
func TestPackIsIdempotent(t *testing.T) {
	const fakeLoader = "/lib64/ld-linux-x86-64.so.2"

	buildOnce := func(suffix string) string {
		src := t.TempDir()
		libDir := filepath.Join(src, "libs")
		assert.NilError(t, os.Mkdir(libDir, 0o755))
		elftestutil.WriteFile(t, libDir, "libfoo.so.1", elftestutil.Spec{Soname: "libfoo.so.1"})
		target := elftestutil.WriteFile(t, src, "app", elftestutil.Spec{
			Interp: fakeLoader,
			Needed: []string{"libfoo.so.1"},
			RPath:  libDir,
		})

		res, err := stage.Build(t.TempDir(), stage.Plan{Target: target})
		assert.NilError(t, err)

		outPath := filepath.Join(t.TempDir(), "app-"+suffix+".Rex")
		_, err = Pack(res.Dir, res.TargetName, outPath, DefaultLevel)
		assert.NilError(t, err)
		return outPath
	}

	first := buildOnce("first")
	time.Sleep(1100 * time.Millisecond)
	second := buildOnce("second")

	want, err := os.ReadFile(first)
	assert.NilError(t, err)
	got, err := os.ReadFile(second)
	assert.NilError(t, err)
	assert.DeepEqual(t, want, got)
}

func TestFooterLocatabilityAfterPack(t *testing.T) {
	staged := stageSample(t)
	outPath := filepath.Join(t.TempDir(), "app.Rex")

	_, err := Pack(staged, "app", outPath, DefaultLevel)
	assert.NilError(t, err)

	data, err := os.ReadFile(outPath)
	assert.NilError(t, err)

	f, err := footer.DecodeFromTail(bytes.NewReader(data), int64(len(data)))
	assert.NilError(t, err)

	enc, err := footer.Encode(f)
	assert.NilError(t, err)
	assert.Equal(t, f.PayloadOffset+f.PayloadSize+uint64(len(enc)), uint64(len(data)))
}
