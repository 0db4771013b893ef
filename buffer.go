// buffer.go: lock-free MPMC ring buffer implementation
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmq

// Buffer is a fixed-size, power-of-two ring buffer over a region of
// memory that may or may not be shared across processes. All of its
// mutating operations are lock-free: contention is reported to the
// caller rather than waited on.
//
// A Buffer does not own the memory it was created or attached over;
// callers are responsible for its lifetime (see Segment).
type Buffer struct {
	hdr      *bufferHeader
	data     []byte
	dataSize uint64
	mask     uint64
}

// MinBufferSize is the smallest region CreateBuffer will accept: the
// header plus one alignment unit of data area.
func MinBufferSize() uint64 {
	return bufferHeaderSize + dataAlign
}

// BufferOverhead is the number of bytes CreateBuffer reserves for its
// header before the data area begins.
func BufferOverhead() uint64 {
	return bufferHeaderSize
}

// CreateBuffer initializes a new ring buffer header at the start of mem
// and returns a handle to it. mem must be at least MinBufferSize() bytes
// and its data area (mem[BufferOverhead():]) must have a power-of-two
// length. CreateBuffer is destructive: it always (re)initializes head,
// tail and dataSize, so it must never be called on a region another
// process has already created or attached to.
func CreateBuffer(mem []byte) (*Buffer, error) {
	if mem == nil {
		return nil, newError("buffer.create", StatusInvalidArgument, "mem is nil")
	}
	if uint64(len(mem)) < MinBufferSize() {
		return nil, newError("buffer.create", StatusInvalidArgument, "region smaller than minimum buffer size")
	}

	dataSize := uint64(len(mem)) - bufferHeaderSize
	if !isPowerOfTwo(dataSize) {
		return nil, newError("buffer.create", StatusInvalidArgument, "data area size must be a power of two")
	}

	hdr := headerAt(mem)
	hdr.dataSize.Store(dataSize)
	hdr.head.Store(0)
	hdr.tail.Store(0)

	return &Buffer{
		hdr:      hdr,
		data:     mem[bufferHeaderSize:],
		dataSize: dataSize,
		mask:     dataSize - 1,
	}, nil
}

// AttachBuffer returns a handle over a region already initialized by
// CreateBuffer in this or another process. It never writes to the header.
func AttachBuffer(mem []byte) (*Buffer, error) {
	if mem == nil {
		return nil, newError("buffer.attach", StatusInvalidArgument, "mem is nil")
	}
	if uint64(len(mem)) < bufferHeaderSize {
		return nil, newError("buffer.attach", StatusInvalidArgument, "region smaller than buffer header")
	}

	hdr := headerAt(mem)
	dataSize := hdr.dataSize.Load()
	if dataSize == 0 || !isPowerOfTwo(dataSize) {
		return nil, newError("buffer.attach", StatusIllegalState, "header data_size is not a valid power of two")
	}
	if uint64(len(mem)) < bufferHeaderSize+dataSize {
		return nil, newError("buffer.attach", StatusInvalidArgument, "region too small for header's declared data_size")
	}

	return &Buffer{
		hdr:      hdr,
		data:     mem[bufferHeaderSize : bufferHeaderSize+dataSize],
		dataSize: dataSize,
		mask:     dataSize - 1,
	}, nil
}

// DataSize returns the capacity of the data area, excluding the header.
func (b *Buffer) DataSize() uint64 { return b.dataSize }

// Write publishes payload at the tail. It never blocks: contention with
// another writer is reported as StatusLocked, and a full buffer is
// reported as StatusNoSpace. Both are the caller's to retry.
func (b *Buffer) Write(payload []byte) error {
	if len(payload) == 0 {
		return newError("buffer.write", StatusInvalidArgument, "payload is empty")
	}

	fullEntrySize := alignUp(entryHeaderSize+uint64(len(payload)), dataAlign)
	if fullEntrySize > b.dataSize {
		return &Error{Op: "buffer.write", Status: StatusEntryTooLarge, Msg: "entry exceeds buffer capacity",
			RequiredSize: fullEntrySize, BufferSize: b.dataSize}
	}

	for {
		tail := b.hdr.tail.Load()
		if locked(tail) {
			return &Error{Op: "buffer.write", Status: StatusLocked, Msg: "tail is held by another writer", Offset: unlock(tail)}
		}

		rel := tail & b.mask
		spaceToWrap := b.dataSize - rel
		head := unlock(b.hdr.head.Load())
		free := b.dataSize - (tail - head)

		if free < fullEntrySize {
			return &Error{Op: "buffer.write", Status: StatusNoSpace, Msg: "not enough contiguous space",
				Offset: tail, RequiredSize: fullEntrySize, FreeSpace: free, BufferSize: b.dataSize}
		}

		// Too little room before the wrap to even hold a header: this
		// span is dead space, skipped without writing anything. Not
		// enough room to host this entry and a subsequent entry's header
		// before the wrap: the slot becomes a placeholder instead.
		deadZone := wrapDeadZone(rel, b.dataSize)
		placeholder := deadZone == 0 && spaceToWrap < fullEntrySize+entryHeaderSize

		if !b.hdr.tail.CompareAndSwap(tail, lock(tail)) {
			continue
		}

		var entrySize uint64
		switch {
		case deadZone > 0:
			entrySize = deadZone
		case placeholder:
			entrySize = spaceToWrap
			writeEntryHeader(b.data, rel, 0, entrySize, tail)
		default:
			entrySize = fullEntrySize
			start := payloadOffset(rel)
			copy(b.data[start:start+uint64(len(payload))], payload)
			writeEntryHeader(b.data, rel, uint64(len(payload)), entrySize, tail)
		}

		if !b.hdr.tail.CompareAndSwap(lock(tail), tail+entrySize) {
			return &Error{Op: "buffer.write", Status: StatusIllegalState, Msg: "lost tail busy tag while holding it", Offset: tail}
		}

		if deadZone > 0 || placeholder {
			continue // wrap skipped; retry the same payload against the fresh tail
		}
		return nil
	}
}

// PeekResult describes an entry borrowed in place by Peek.
type PeekResult struct {
	// Payload points directly into the buffer's data area. It is only
	// valid until the next operation that might move head past it
	// (Read, Skip or a recursive Peek past a placeholder).
	Payload []byte
	Offset  uint64
	Status  Status
}

// Peek borrows the next entry's payload in place without consuming it.
// Status is StatusOK, StatusEmpty or StatusNotReady when err is nil;
// Locked is always returned as an error.
func (b *Buffer) Peek() (PeekResult, error) {
	for {
		head := b.hdr.head.Load()
		if locked(head) {
			return PeekResult{}, &Error{Op: "buffer.peek", Status: StatusLocked, Msg: "head is held by another reader", Offset: unlock(head)}
		}
		if !b.hdr.head.CompareAndSwap(head, lock(head)) {
			continue
		}

		eh, status := b.classify(head)
		switch status {
		case StatusEmpty, StatusNotReady:
			b.releaseHead(head)
			return PeekResult{Offset: head, Status: status}, nil

		case statusPlaceholder:
			if !b.hdr.head.CompareAndSwap(lock(head), head+eh.entrySize) {
				return PeekResult{}, &Error{Op: "buffer.peek", Status: StatusIllegalState, Msg: "lost head busy tag while holding it", Offset: head}
			}
			continue // placeholder dropped; peek the slot it was hiding

		default: // StatusOK
			rel := head & b.mask
			start := payloadOffset(rel)
			payload := b.data[start : start+eh.payloadSize]
			b.releaseHead(head)
			return PeekResult{Payload: payload, Offset: head, Status: StatusOK}, nil
		}
	}
}

// ReadResult describes the bytes copied out by Read.
type ReadResult struct {
	N      int
	Offset uint64
	Status Status
}

// Read copies the next entry's payload into dst and advances head past
// it. If dst is smaller than the entry's payload, StatusTooSmall is
// returned and head is not advanced.
func (b *Buffer) Read(dst []byte) (ReadResult, error) {
	for {
		head := b.hdr.head.Load()
		if locked(head) {
			return ReadResult{}, &Error{Op: "buffer.read", Status: StatusLocked, Msg: "head is held by another reader", Offset: unlock(head)}
		}
		if !b.hdr.head.CompareAndSwap(head, lock(head)) {
			continue
		}

		eh, status := b.classify(head)
		switch status {
		case StatusEmpty, StatusNotReady:
			b.releaseHead(head)
			return ReadResult{Status: status}, nil

		case statusPlaceholder:
			if !b.hdr.head.CompareAndSwap(lock(head), head+eh.entrySize) {
				return ReadResult{}, &Error{Op: "buffer.read", Status: StatusIllegalState, Msg: "lost head busy tag while holding it", Offset: head}
			}
			continue

		default: // StatusOK
			if uint64(len(dst)) < eh.payloadSize {
				b.releaseHead(head)
				return ReadResult{}, &Error{Op: "buffer.read", Status: StatusTooSmall, Msg: "destination too small",
					Offset: head, RequiredSize: eh.payloadSize}
			}

			rel := head & b.mask
			start := payloadOffset(rel)
			n := copy(dst, b.data[start:start+eh.payloadSize])

			if !b.hdr.head.CompareAndSwap(lock(head), head+eh.entrySize) {
				return ReadResult{}, &Error{Op: "buffer.read", Status: StatusIllegalState, Msg: "lost head busy tag while holding it", Offset: head}
			}
			return ReadResult{N: n, Offset: head, Status: StatusOK}, nil
		}
	}
}

// SkipResult describes the outcome of Skip.
type SkipResult struct {
	NewHead uint64
	Status  Status
}

// Skip advances head past the entry at offset without copying its
// payload. offset must equal the current head exactly, and be 8-byte
// aligned; a stale or misaligned offset is an error, not a retryable
// status, since it indicates caller misuse rather than contention.
func (b *Buffer) Skip(offset uint64) (SkipResult, error) {
	if offset%dataAlign != 0 {
		return SkipResult{}, newError("buffer.skip", StatusInvalidArgument, "offset is not 8-byte aligned")
	}

	for {
		head := b.hdr.head.Load()
		if locked(head) {
			return SkipResult{}, &Error{Op: "buffer.skip", Status: StatusLocked, Msg: "head is held by another reader", Offset: unlock(head)}
		}
		if head != offset {
			return SkipResult{}, &Error{Op: "buffer.skip", Status: StatusOffsetMismatch, Msg: "offset no longer matches head", Offset: head}
		}
		if !b.hdr.head.CompareAndSwap(head, lock(head)) {
			continue
		}

		eh, status := b.classify(head)
		switch status {
		case StatusEmpty:
			b.releaseHead(head)
			return SkipResult{NewHead: head, Status: StatusEmpty}, nil
		case StatusNotReady:
			b.releaseHead(head)
			return SkipResult{Status: StatusNotReady}, nil

		case statusPlaceholder:
			if !b.hdr.head.CompareAndSwap(lock(head), head+eh.entrySize) {
				return SkipResult{}, &Error{Op: "buffer.skip", Status: StatusIllegalState, Msg: "lost head busy tag while holding it", Offset: head}
			}
			offset = head + eh.entrySize
			continue

		default: // StatusOK
			newHead := head + eh.entrySize
			if !b.hdr.head.CompareAndSwap(lock(head), newHead) {
				return SkipResult{}, &Error{Op: "buffer.skip", Status: StatusIllegalState, Msg: "lost head busy tag while holding it", Offset: head}
			}
			return SkipResult{NewHead: newHead, Status: StatusOK}, nil
		}
	}
}

// ForceSkipResult describes the outcome of ForceSkip.
type ForceSkipResult struct {
	NewHead uint64
	Status  Status
}

// ForceSkip advances head past the current entry without acquiring the
// busy tag, as a recovery path when a producer claimed a slot and never
// committed it. It races openly with any concurrent Read/Skip/Peek of the
// same entry: at most one of them can win.
//
// ForceSkip trusts entrySize as stored; it does not validate it against
// [8, dataSize] unless guarded by a stricter caller (see
// ChannelConfig.StrictForceSkip), matching the trusted-producer default
// this package assumes.
func (b *Buffer) ForceSkip() (ForceSkipResult, error) {
	head := unlock(b.hdr.head.Load())
	tail := b.hdr.tail.Load()
	if head == unlock(tail) {
		return ForceSkipResult{NewHead: head, Status: StatusEmpty}, nil
	}

	rel := head & b.mask
	entrySize := wrapDeadZone(rel, b.dataSize)
	if entrySize == 0 {
		entrySize = readEntryHeader(b.data, rel).entrySize
	}

	if !b.hdr.head.CompareAndSwap(head, head+entrySize) {
		return ForceSkipResult{Status: StatusAlreadySkipped}, nil
	}
	return ForceSkipResult{NewHead: head + entrySize, Status: StatusOK}, nil
}

// classify inspects the entry header at an already busy-tagged head and
// reports one of StatusEmpty, StatusNotReady, statusPlaceholder or
// StatusOK. head must be the untagged offset that was just locked.
func (b *Buffer) classify(head uint64) (entryHeader, Status) {
	tail := b.hdr.tail.Load()
	if head == unlock(tail) {
		return entryHeader{}, StatusEmpty
	}

	rel := head & b.mask
	if dz := wrapDeadZone(rel, b.dataSize); dz > 0 {
		// Geometry alone proves this span was always going to be dead
		// space (see wrapDeadZone): nothing was ever written here, so
		// nothing is read before skipping it.
		return entryHeader{entrySize: dz}, statusPlaceholder
	}

	eh := readEntryHeader(b.data, rel)

	if locked(tail) {
		return eh, StatusNotReady
	}
	if eh.seq != head {
		return eh, StatusNotReady
	}
	if eh.payloadSize == 0 {
		return eh, statusPlaceholder
	}
	return eh, StatusOK
}

// releaseHead releases the busy tag acquired on head back to its
// untagged value, without advancing it.
func (b *Buffer) releaseHead(head uint64) {
	b.hdr.head.CompareAndSwap(lock(head), head)
}
