// Package crc implements the CRC32C framing used to guard every input and
// output message that crosses a transaction boundary.
//
// The contract is deliberately small: init, append, append-len, close. Every
// collaborator that wants the engine's end-to-end guarantees frames its
// messages the same way, so the four operations are exported as free
// functions rather than methods on a stateful type.
package crc

import "hash/crc32"

// Digest is the running CRC32C accumulator. It is a plain value so callers
// can branch transaction state without pointers.
type Digest uint32

// table is the Castagnoli polynomial table. crc32.MakeTable picks the
// hardware-accelerated (SSE4.2/ARM64) path transparently when available;
// callers on platforms without the instruction fall back to the portable
// table automatically, and both produce byte-identical output.
var table = crc32.MakeTable(crc32.Castagnoli) //nolint:gochecknoglobals

// Init returns the seed digest for a fresh message.
func Init() Digest {
	return 0
}

// Append folds b into crc and returns the updated digest.
func Append(d Digest, b []byte) Digest {
	return Digest(crc32.Update(uint32(d), table, b))
}

// AppendLen folds the little-endian encoding of n into crc. Message framing
// always appends the payload length before closing, so that truncation
// (a message ending early) is detectable even if the truncated prefix
// happens to carry a valid running checksum.
func AppendLen(d Digest, n int) Digest {
	var buf [8]byte

	v := uint64(n)
	for i := range buf {
		buf[i] = byte(v)
		v >>= 8
	}

	return Append(d, buf[:])
}

// Close finalizes the digest into the wire value.
func Close(d Digest) uint32 {
	return uint32(d)
}

// Compute returns the framing CRC of a complete, already-known-length byte
// slice: compute(bytes) = close(append_len(append(init(), bytes), len(bytes))).
func Compute(b []byte) uint32 {
	return Close(AppendLen(Append(Init(), b), len(b)))
}
