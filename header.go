// header.go: buffer header and entry header layout
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmq

import (
	"sync/atomic"
	"unsafe"

	uatomic "go.uber.org/atomic"
)

// bufferHeader is the bit-exact layout described in spec.md §6: head and
// data_size share the first cache line, tail owns the second. It is
// mapped directly over the first bytes of the backing region via
// unsafe.Pointer, so its field order and padding must never change.
type bufferHeader struct {
	head     uatomic.Uint64
	dataSize uatomic.Uint64
	_        [cacheLineSize - 2*8]byte

	tail uatomic.Uint64
	_    [cacheLineSize - 8]byte
}

// bufferHeaderSize is the fixed overhead every buffer pays before its
// data area begins.
const bufferHeaderSize = uint64(unsafe.Sizeof(bufferHeader{}))

// entryHeaderSize is the fixed overhead of every entry, placeholder or
// not.
const entryHeaderSize = uint64(3 * 8)

func headerAt(mem []byte) *bufferHeader {
	return (*bufferHeader)(unsafe.Pointer(&mem[0]))
}

// entryHeader is a view over the three 8-byte fields that precede every
// entry's payload in the data area. It is never instantiated as a Go
// value that outlives the call; readEntryHeader/writeEntryHeader operate
// directly on the backing bytes so writes are visible to other processes
// mapping the same region.
type entryHeader struct {
	seq         uint64
	payloadSize uint64
	entrySize   uint64
}

// entryHeaderPtrs holds pointers into data (built by entryAt for a given
// relative offset) to each of the three header fields, so seq can be stored with release
// semantics strictly after payloadSize/entrySize are written.
type entryHeaderPtrs struct {
	seq         *uint64
	payloadSize *uint64
	entrySize   *uint64
}

func entryAt(data []byte, rel uint64) entryHeaderPtrs {
	base := unsafe.Pointer(&data[rel])
	return entryHeaderPtrs{
		seq:         (*uint64)(base),
		payloadSize: (*uint64)(unsafe.Pointer(uintptr(base) + 8)),
		entrySize:   (*uint64)(unsafe.Pointer(uintptr(base) + 16)),
	}
}

// readEntryHeader loads all three fields of the entry header with acquire
// semantics on seq, since seq is the commit marker: once seq is observed
// to equal the expected offset, payloadSize and entrySize (stored before
// seq under release) are guaranteed visible.
func readEntryHeader(data []byte, rel uint64) entryHeader {
	p := entryAt(data, rel)
	seq := atomic.LoadUint64(p.seq)
	return entryHeader{
		seq:         seq,
		payloadSize: atomic.LoadUint64(p.payloadSize),
		entrySize:   atomic.LoadUint64(p.entrySize),
	}
}

func writeEntryHeader(data []byte, rel uint64, payloadSize, entrySize, seq uint64) {
	p := entryAt(data, rel)
	atomic.StoreUint64(p.payloadSize, payloadSize)
	atomic.StoreUint64(p.entrySize, entrySize)
	atomic.StoreUint64(p.seq, seq) // release: must be last, it is the commit marker
}

// payloadOffset returns the byte offset of the payload relative to the
// start of the data area, for an entry header located at rel.
func payloadOffset(rel uint64) uint64 {
	return rel + entryHeaderSize
}

// wrapDeadZone reports how many bytes remain between rel and the physical
// wrap point when that remainder is too small to ever hold an entry
// header (entryHeaderSize is 24 bytes; rel and dataSize are always
// multiples of dataAlign, so the remainder can land on 8 or 16). It
// returns 0 when the remainder can hold a header, or is zero itself.
//
// This is a pure function of rel and dataSize, not of anything stored in
// the data area: Write computes it before deciding whether to write a
// placeholder header, and the read-side classifier computes the identical
// value before ever touching the backing bytes at rel, so both sides
// agree on dead space without either of them writing or reading a header
// that wouldn't fit.
func wrapDeadZone(rel, dataSize uint64) uint64 {
	spaceToWrap := dataSize - rel
	if spaceToWrap < entryHeaderSize {
		return spaceToWrap
	}
	return 0
}
