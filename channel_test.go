// channel_test.go: blocking read loop, retry budget, and timeout behavior
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmq

import (
	"testing"
	"time"
)

func newTestChannel(t *testing.T, dataSize uint64, cfg ChannelConfig) *Channel {
	t.Helper()
	mem := make([]byte, bufferHeaderSize+dataSize)
	ch, err := CreateChannel(mem, cfg)
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return ch
}

func fastConfig() ChannelConfig {
	return ChannelConfig{
		StartSleepNs:  1_000,
		MaxSleepNs:    50_000,
		MaxRoundTrips: 8,
	}
}

func TestChannelReadDeliversAlreadyWritten(t *testing.T) {
	ch := newTestChannel(t, 256, fastConfig())
	if err := ch.Write([]byte("ready")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst := make([]byte, 32)
	res, err := ch.Read(dst, time.Time{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(dst[:res.N]) != "ready" {
		t.Fatalf("got %q", dst[:res.N])
	}
}

func TestChannelReadTimeout(t *testing.T) {
	ch := newTestChannel(t, 256, fastConfig())

	dst := make([]byte, 32)
	_, err := ch.Read(dst, time.Now().Add(20*time.Millisecond))
	e, ok := err.(*Error)
	if !ok || e.Status != StatusTimeout {
		t.Fatalf("err = %v, want StatusTimeout", err)
	}
}

func TestChannelReadRetryLimit(t *testing.T) {
	ch := newTestChannel(t, 256, fastConfig())
	if err := ch.Write([]byte("stuck")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Leave head's busy tag set forever, as if a reader stopped while
	// holding it, so every peek reports Locked at the same offset and the
	// round-trip budget should exhaust.
	head := ch.buf.hdr.head.Load()
	ch.buf.hdr.head.Store(lock(head))

	dst := make([]byte, 32)
	_, err := ch.Read(dst, time.Time{})
	e, ok := err.(*Error)
	if !ok || e.Status != StatusRetryLimit {
		t.Fatalf("err = %v, want StatusRetryLimit", err)
	}
}

func TestChannelForceSkipUnblocksReader(t *testing.T) {
	// A non-zero deadline below means the round-trip budget never forces
	// stateFailed (see Read's deadline.IsZero() gate); only the deadline
	// itself can end the wait, so fastConfig's small MaxRoundTrips is fine here.
	ch := newTestChannel(t, 256, fastConfig())
	if err := ch.Write([]byte("stuck")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ch.Write([]byte("behind")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Corrupt the first entry's seq so it never matches head, simulating
	// a producer that crashed mid-commit.
	head := unlock(ch.buf.hdr.head.Load())
	rel := head & ch.buf.mask
	p := entryAt(ch.buf.data, rel)
	*p.seq = head + 1

	done := make(chan struct{})
	var readErr error
	go func() {
		defer close(done)
		dst := make([]byte, 32)
		_, readErr = ch.Read(dst, time.Now().Add(500*time.Millisecond))
	}()

	time.Sleep(20 * time.Millisecond)
	if _, err := ch.ForceSkip(); err != nil {
		t.Fatalf("ForceSkip: %v", err)
	}

	<-done
	if readErr != nil {
		t.Fatalf("Read after ForceSkip: %v", readErr)
	}
}

func TestChannelStrictForceSkipRejectsBadEntrySize(t *testing.T) {
	cfg := fastConfig()
	cfg.StrictForceSkip = true
	ch := newTestChannel(t, 256, cfg)
	if err := ch.Write([]byte("entry")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	head := unlock(ch.buf.hdr.head.Load())
	rel := head & ch.buf.mask
	p := entryAt(ch.buf.data, rel)
	*p.entrySize = 100000 // way past dataSize

	_, err := ch.ForceSkip()
	e, ok := err.(*Error)
	if !ok || e.Status != StatusIllegalState {
		t.Fatalf("err = %v, want StatusIllegalState", err)
	}
}
