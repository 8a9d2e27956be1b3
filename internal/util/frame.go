package util

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Persisted values are framed as [magic][version][flags][body][crc32 LE].
// The checksum covers every byte before it.

const (
	frameMagic   byte = 0xC5
	frameVersion byte = 1
	headerSize        = 3
	trailerSize       = 4
)

// FlagCompressed marks a frame whose body is snappy-encoded
const FlagCompressed byte = 1 << 0

var (
	// ErrShortFrame is returned when a frame is smaller than header plus trailer
	ErrShortFrame = errors.New("frame too short")
	// ErrBadMagic is returned when a frame was not written by SealFrame
	ErrBadMagic = errors.New("frame magic mismatch")
	// ErrChecksumMismatch is returned when the stored checksum does not match the frame
	ErrChecksumMismatch = errors.New("frame checksum mismatch")

	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// SealFrame wraps body with a header and trailing checksum
func SealFrame(body []byte, flags byte) []byte {
	frame := make([]byte, headerSize+len(body)+trailerSize)
	frame[0] = frameMagic
	frame[1] = frameVersion
	frame[2] = flags
	copy(frame[headerSize:], body)
	sum := ComputeChecksum(frame[:headerSize+len(body)])
	binary.LittleEndian.PutUint32(frame[headerSize+len(body):], sum)
	return frame
}

// OpenFrame validates a frame and returns its body and flags
func OpenFrame(frame []byte) ([]byte, byte, error) {
	if len(frame) < headerSize+trailerSize {
		return nil, 0, ErrShortFrame
	}
	if frame[0] != frameMagic {
		return nil, 0, ErrBadMagic
	}

	end := len(frame) - trailerSize
	expected := binary.LittleEndian.Uint32(frame[end:])
	if ComputeChecksum(frame[:end]) != expected {
		return nil, 0, ErrChecksumMismatch
	}

	return frame[headerSize:end], frame[2], nil
}
