//go:build linux

// segment_posix.go: /dev/shm-backed segment for cross-process use
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmq

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PosixSegment is a named region of POSIX shared memory, backed by a file
// under /dev/shm. Multiple processes opening the same name map the same
// physical pages.
type PosixSegment struct {
	name string
	mem  []byte
	fd   int
}

// shmPath returns the /dev/shm path for a POSIX shared-memory name. A
// leading "/" in name, if present, is stripped, matching the convention
// spec.md §6 documents for POSIX shm_open-style names.
func shmPath(name string) string {
	for len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return "/dev/shm/" + name
}

// OpenOrCreatePosix opens an existing named segment or creates one of the
// given size, rounded up to the page size. If the segment already exists
// with a different size, it returns a StatusSizeMismatch error rather than
// truncating it.
func OpenOrCreatePosix(name string, size int) (*PosixSegment, error) {
	path := shmPath(name)
	want := pageSize(size)

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, &Error{Op: "segment.posix.open", Status: StatusSystem, Msg: "open " + path, Errno: err}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, &Error{Op: "segment.posix.stat", Status: StatusSystem, Msg: "fstat " + path, Errno: err}
	}

	switch {
	case st.Size == 0:
		if err := unix.Ftruncate(fd, int64(want)); err != nil {
			_ = unix.Close(fd)
			return nil, &Error{Op: "segment.posix.truncate", Status: StatusSystem, Msg: "ftruncate " + path, Errno: err}
		}
	case int(st.Size) != want:
		_ = unix.Close(fd)
		return nil, &Error{Op: "segment.posix.open", Status: StatusSizeMismatch,
			Msg: fmt.Sprintf("existing segment %q is %d bytes, wanted %d", path, st.Size, want),
			RequiredSize: uint64(want), BufferSize: uint64(st.Size)}
	}

	mem, err := unix.Mmap(fd, 0, want, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, &Error{Op: "segment.posix.mmap", Status: StatusSystem, Msg: "mmap " + path, Errno: err}
	}

	return &PosixSegment{name: name, mem: mem, fd: fd}, nil
}

func (s *PosixSegment) Bytes() []byte { return s.mem }

// Close unmaps the segment and closes its file descriptor. The segment
// remains visible under /dev/shm for other processes until Unlink is
// called.
func (s *PosixSegment) Close() error {
	err := unix.Munmap(s.mem)
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	return err
}

// Unlink removes the named segment from /dev/shm. Processes that already
// have it mapped keep their mapping until they Close.
func (s *PosixSegment) Unlink() error {
	return os.Remove(shmPath(s.name))
}
