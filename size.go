// size.go: human-readable size handling for buffer/segment sizing
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmq

import "github.com/c2h5oh/datasize"

// SuggestSize returns a region size (header included) whose data area is
// the smallest power of two holding at least wantData bytes, clamped up to
// MinBufferSize(), mirroring ipc_buffer_suggest_size in original_source.
func SuggestSize(wantData uint64) uint64 {
	data := nextPowerOfTwo(wantData)
	if data < dataAlign {
		data = dataAlign
	}
	return bufferHeaderSize + data
}

// ParseSize parses a human size string ("64MB", "1GiB", "512K") into a
// byte count, for CLI flags and config files.
func ParseSize(s string) (uint64, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, newError("size.parse", StatusInvalidArgument, err.Error())
	}
	return v.Bytes(), nil
}

// BufferRegion returns the exact-sized prefix of seg.Bytes() that
// CreateBuffer/CreateChannel expect for wantData bytes of usable data area,
// discarding any page-rounding slack a Segment added past that boundary
// (e.g. OpenOrCreatePosix rounds its total mmap size up to the OS page
// size, but CreateBuffer requires an exact power-of-two data area).
func BufferRegion(seg Segment, wantData uint64) ([]byte, error) {
	need := SuggestSize(wantData)
	mem := seg.Bytes()
	if uint64(len(mem)) < need {
		return nil, newError("size.buffer_region", StatusInvalidArgument,
			"segment too small for requested data area")
	}
	return mem[:need], nil
}
