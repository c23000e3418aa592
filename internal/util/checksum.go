package util

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Record framing for append-only logs:
//
//	[length uint32 BE][crc32c uint32 BE][payload]

const frameHeaderSize = 8

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)

	// ErrChecksumMismatch is returned when a frame payload does not match its checksum
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
)

// ComputeChecksum computes a CRC32C checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendFrame appends a framed copy of payload to dst
func AppendFrame(dst, payload []byte) []byte {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], ComputeChecksum(payload))
	dst = append(dst, header[:]...)
	return append(dst, payload...)
}

// ReadFrame reads one frame from r. It returns io.EOF at a clean end of
// stream, io.ErrUnexpectedEOF for a torn trailing frame, and
// ErrChecksumMismatch when the payload is corrupt.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[0:4])
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("frame size %d exceeds limit %d: %w", size, maxSize, ErrChecksumMismatch)
	}
	expected := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if !ValidateChecksum(payload, expected) {
		return nil, fmt.Errorf("expected %d, got %d: %w", expected, ComputeChecksum(payload), ErrChecksumMismatch)
	}
	return payload, nil
}
