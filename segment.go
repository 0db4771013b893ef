// segment.go: backing-memory abstraction for buffers and channels
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmq

import "os"

// Segment is a region of memory a Buffer or Channel can be created over or
// attached to. Implementations differ in lifetime and visibility (a single
// process vs. shared across processes); the buffer and channel layers only
// ever see the flat []byte Bytes returns.
type Segment interface {
	// Bytes returns the backing region. Its length is fixed for the
	// lifetime of the segment.
	Bytes() []byte
	// Close releases any OS resources held by the segment. It does not
	// remove a named segment from the filesystem; see PosixSegment.Unlink.
	Close() error
}

// AnonSegment is an in-process, non-shared backing, suitable for tests and
// single-process use.
type AnonSegment struct {
	mem []byte
}

// NewAnonSegment allocates a fresh zero-filled region of exactly size bytes.
func NewAnonSegment(size int) (*AnonSegment, error) {
	if size <= 0 {
		return nil, newError("segment.anon", StatusInvalidArgument, "size must be positive")
	}
	return &AnonSegment{mem: make([]byte, size)}, nil
}

func (s *AnonSegment) Bytes() []byte { return s.mem }
func (s *AnonSegment) Close() error  { return nil }

// pageSize rounds size up to the nearest OS page, the unit every mmap-backed
// segment is actually allocated in.
func pageSize(size int) int {
	ps := os.Getpagesize()
	if size <= 0 {
		return ps
	}
	return int(alignUp(uint64(size), uint64(ps)))
}
