package footer

import (
	"encoding/binary"
	"io"

	"github.com/opencontainers/go-digest"

	"github.com/rex-linux/rex/internal/pkg/rexerr"
)

// ChecksumReader streams r through a SHA-256 digester (opencontainers/
// go-digest, the same digest type apptainer's own image stack uses for
// content-addressing) and folds the result down to the uint64 the
// footer's 8-byte checksum field can hold.
func ChecksumReader(r io.Reader) (uint64, error) {
	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), r); err != nil {
		return 0, rexerr.Wrap(rexerr.KindIO, err, "hashing payload")
	}
	return foldDigest(digester.Digest()), nil
}

// ChecksumBytes is the non-streaming convenience form for a payload that
// is already in memory; the packer and the stub use ChecksumReader.
func ChecksumBytes(b []byte) uint64 {
	d := digest.FromBytes(b)
	return foldDigest(d)
}

func foldDigest(d digest.Digest) uint64 {
	raw := d.Hex()
	// Hex-decode just the first 8 bytes (16 hex chars) rather than the
	// whole 32-byte digest; the footer only has room for a fast
	// detection checksum, not a full content hash.
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = hexNibble(raw[i*2])<<4 | hexNibble(raw[i*2+1])
	}
	return binary.BigEndian.Uint64(b[:])
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	default:
		return 0
	}
}
