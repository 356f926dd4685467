package footer

import (
	"bytes"
	"errors"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
	"github.com/rex-linux/rex/pkg/archtag"
)

func sample(t *testing.T) (*Footer, []byte) {
	t.Helper()
	payload := bytes.Repeat([]byte("payload-bytes"), 37)
	f := &Footer{
		FormatVersion:    CurrentFormatVersion,
		ArchTag:          archtag.Host(),
		PayloadOffset:    4096,
		PayloadSize:      uint64(len(payload)),
		UncompressedSize: 1 << 20,
		TargetName:       "myapp",
		Checksum:         ChecksumBytes(payload),
	}
	return f, payload
}

func bundleBytes(t *testing.T, f *Footer, payload []byte) []byte {
	t.Helper()
	enc, err := Encode(f)
	assert.NilError(t, err)

	stub := bytes.Repeat([]byte{0x7f}, int(f.PayloadOffset))
	out := append(append([]byte{}, stub...), payload...)
	out = append(out, enc...)
	return out
}

func TestRoundTrip(t *testing.T) {
	f, payload := sample(t)
	image := bundleBytes(t, f, payload)

	got, err := DecodeFromTail(bytes.NewReader(image), int64(len(image)))
	assert.NilError(t, err)
	assert.Equal(t, got.FormatVersion, f.FormatVersion)
	assert.Equal(t, got.ArchTag, f.ArchTag)
	assert.Equal(t, got.PayloadOffset, f.PayloadOffset)
	assert.Equal(t, got.PayloadSize, f.PayloadSize)
	assert.Equal(t, got.UncompressedSize, f.UncompressedSize)
	assert.Equal(t, got.TargetName, f.TargetName)
	assert.Equal(t, got.Checksum, f.Checksum)
}

func TestFooterLocatability(t *testing.T) {
	f, payload := sample(t)
	image := bundleBytes(t, f, payload)

	got, err := DecodeFromTail(bytes.NewReader(image), int64(len(image)))
	assert.NilError(t, err)

	enc, err := Encode(got)
	assert.NilError(t, err)
	assert.Equal(t, got.PayloadOffset+got.PayloadSize+uint64(len(enc)), uint64(len(image)))
}

func TestNotABundle(t *testing.T) {
	image := []byte("not a bundle at all, just some bytes")
	_, err := DecodeFromTail(bytes.NewReader(image), int64(len(image)))
	assert.ErrorType(t, err, (*rexerr.Error)(nil))
	var kind rexerr.Kinded
	assert.Assert(t, errors.As(err, &kind))
	assert.Equal(t, kind.Kind(), rexerr.KindNotABundle)
}

func TestUnsupportedVersion(t *testing.T) {
	f, payload := sample(t)
	f.FormatVersion = 99
	image := bundleBytes(t, f, payload)

	_, err := DecodeFromTail(bytes.NewReader(image), int64(len(image)))
	var kind rexerr.Kinded
	assert.Assert(t, errors.As(err, &kind))
	assert.Equal(t, kind.Kind(), rexerr.KindUnsupportedVersion)
}

func TestTruncated(t *testing.T) {
	f, payload := sample(t)
	image := bundleBytes(t, f, payload)
	truncated := image[:len(image)-16]

	_, err := DecodeFromTail(bytes.NewReader(truncated), int64(len(truncated)))
	assert.ErrorContains(t, err, "")
}

func TestArchMismatch(t *testing.T) {
	f, payload := sample(t)
	f.ArchTag = archtag.Tag(9999)
	image := bundleBytes(t, f, payload)

	_, err := DecodeFromTail(bytes.NewReader(image), int64(len(image)))
	var kind rexerr.Kinded
	assert.Assert(t, errors.As(err, &kind))
	assert.Equal(t, kind.Kind(), rexerr.KindArchMismatch)
}

func TestParseSkipsArchCheck(t *testing.T) {
	f, payload := sample(t)
	f.ArchTag = archtag.Tag(9999)
	image := bundleBytes(t, f, payload)

	got, err := Parse(bytes.NewReader(image), int64(len(image)))
	assert.NilError(t, err)
	assert.Equal(t, got.ArchTag, archtag.Tag(9999))
}
