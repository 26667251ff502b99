package crc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame writes the canonical wire format shared by every collaborator
// that wants the engine's CRC guarantees: a 4-byte little-endian CRC32C
// prefix followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var prefix [4]byte

	binary.LittleEndian.PutUint32(prefix[:], Compute(payload))

	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("crc: write frame prefix: %w", err)
	}

	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("crc: write frame payload: %w", err)
	}

	return nil
}

// ErrFrameCorrupt is returned by ReadFrame when the decoded payload's CRC
// does not match the frame's prefix.
var ErrFrameCorrupt = fmt.Errorf("crc: frame corrupt")

// ReadFrame reads one length-prefixed-by-checksum frame: it reads the 4-byte
// CRC prefix, then the remaining bytes up to n (the expected payload size,
// known out of band - the wire format itself carries no length field,
// matching spec.md §6's framing description).
func ReadFrame(r io.Reader, n int) ([]byte, error) {
	var prefix [4]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("crc: read frame prefix: %w", err)
	}

	payload := make([]byte, n)

	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("crc: read frame payload: %w", err)
	}

	want := binary.LittleEndian.Uint32(prefix[:])
	if got := Compute(payload); got != want {
		return nil, fmt.Errorf("%w: want %08x got %08x", ErrFrameCorrupt, want, got)
	}

	return payload, nil
}
