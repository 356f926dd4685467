// Copyright (c) Contributors to the Rex project.
// This software is licensed under a 3-clause BSD license. Please consult
// the LICENSE.md file distributed with the sources of this project
// regarding your rights to use or distribute this software.

// Package pack implements the Packer (spec §4.4): it serializes a staged
// tree into a tar stream, compresses it with Zstd, and appends the result
// — preceded by a stub image and followed by the footer — to produce a
// finished bundle file.
//
// Grounded on internal/pkg/build/build.go's single final "Assemble" step
// after per-stage work completes, and on the serialize/footer split in
// other_examples' funxy bundle.go.
package pack

import (
	"io"
	"os"

	archive "github.com/moby/go-archive"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
	"github.com/rex-linux/rex/internal/pkg/sylog"
	"github.com/rex-linux/rex/pkg/archtag"
	"github.com/rex-linux/rex/pkg/footer"
)

// MinLevel and MaxLevel bound the builder's -L flag (spec §6).
const (
	MinLevel     = 1
	MaxLevel     = 22
	DefaultLevel = 5
)

// ldmWindowSize is the Zstd window size used in place of the reference
// encoder's --long-distance-matching flag: klauspost/compress/zstd has no
// separate LDM toggle, but a window this large gives the encoder the same
// ability to find matches far back in a staged tree dominated by a few
// large shared libraries (spec §4.4 "Zstd encoder with LDM enabled").
const ldmWindowSize = 128 << 20

// Summary reports the sizes Pack produced, for the one-line diagnostic
// spec §7 asks for.
type Summary struct {
	PayloadOffset    int64
	PayloadSize      int64
	UncompressedSize int64
}

// Pack serializes stagedDir, compresses it, and writes the finished
// bundle to outputPath: <stub bytes> ‖ <compressed archive> ‖ <footer>.
func Pack(stagedDir, targetName, outputPath string, level int) (*Summary, error) {
	if level < MinLevel || level > MaxLevel {
		return nil, rexerr.New(rexerr.KindUsage, "compression level %d out of range [%d, %d]", level, MinLevel, MaxLevel)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "creating output file %s", outputPath)
	}
	defer out.Close()

	stubLen, err := acquireStub(out)
	if err != nil {
		return nil, err
	}
	sylog.Debugf("stub prefix is %d bytes", stubLen)

	payloadSize, uncompressedSize, err := compressTree(stagedDir, out, level)
	if err != nil {
		return nil, err
	}
	sylog.Debugf("staged tree: %d bytes uncompressed, %d bytes compressed", uncompressedSize, payloadSize)

	checksum, err := footer.ChecksumReader(io.NewSectionReader(out, stubLen, payloadSize))
	if err != nil {
		return nil, err
	}

	f := &footer.Footer{
		FormatVersion:    footer.CurrentFormatVersion,
		ArchTag:          archtag.Host(),
		PayloadOffset:    uint64(stubLen),
		PayloadSize:      uint64(payloadSize),
		UncompressedSize: uint64(uncompressedSize),
		TargetName:       targetName,
		Checksum:         checksum,
	}
	encoded, err := footer.Encode(f)
	if err != nil {
		return nil, err
	}
	if _, err := out.Write(encoded); err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "writing footer to %s", outputPath)
	}
	if err := out.Sync(); err != nil {
		return nil, rexerr.Wrap(rexerr.KindIO, err, "syncing %s", outputPath)
	}

	return &Summary{
		PayloadOffset:    stubLen,
		PayloadSize:      payloadSize,
		UncompressedSize: uncompressedSize,
	}, nil
}

// acquireStub copies a clean stub prefix into out and returns its length.
// If the running binary is itself a bundle, only the bytes before its own
// payload_offset are copied (spec §4.4 "stub acquisition"), so rebuilding
// Rex from a bundle never doubles up compressed payloads.
func acquireStub(out io.Writer) (int64, error) {
	selfPath, err := os.Executable()
	if err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "locating own executable")
	}
	self, err := os.Open(selfPath)
	if err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "opening own executable %s", selfPath)
	}
	defer self.Close()

	info, err := self.Stat()
	if err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "statting own executable %s", selfPath)
	}

	stubLen := info.Size()
	if f, err := footer.Parse(self, info.Size()); err == nil {
		stubLen = int64(f.PayloadOffset)
		sylog.Debugf("own executable is already a bundle; stripping footer to obtain stub")
	}

	if _, err := self.Seek(0, io.SeekStart); err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "rewinding own executable")
	}
	if _, err := io.CopyN(out, self, stubLen); err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "copying stub prefix")
	}
	return stubLen, nil
}

// compressTree tars stagedDir (via moby/go-archive, the standard-format
// escape hatch spec §9 allows in place of a hand-rolled record format)
// and streams it through a Zstd encoder directly into out, returning the
// compressed and uncompressed byte counts.
func compressTree(stagedDir string, out io.Writer, level int) (payloadSize, uncompressedSize int64, err error) {
	tarStream, err := archive.TarWithOptions(stagedDir, &archive.TarOptions{})
	if err != nil {
		return 0, 0, rexerr.Wrap(rexerr.KindIO, err, "serializing staged tree %s", stagedDir)
	}
	defer tarStream.Close()

	payloadCounter := &countingWriter{w: out}
	enc, err := zstd.NewWriter(
		payloadCounter,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithWindowSize(ldmWindowSize),
	)
	if err != nil {
		return 0, 0, rexerr.Wrap(rexerr.KindCompression, err, "creating zstd encoder")
	}

	rawCounter := &countingWriter{w: io.Discard}
	if _, err := io.Copy(enc, io.TeeReader(tarStream, rawCounter)); err != nil {
		_ = enc.Close()
		return 0, 0, rexerr.Wrap(rexerr.KindCompression, err, "compressing staged tree")
	}
	if err := enc.Close(); err != nil {
		return 0, 0, rexerr.Wrap(rexerr.KindCompression, errors.WithStack(err), "flushing zstd encoder")
	}

	return payloadCounter.n, rawCounter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
