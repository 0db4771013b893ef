// parallel_test.go: multi-producer / multi-consumer conservation and races
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmq

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// TestParallelMPMCConservation fans out producers and consumers over one
// buffer and checks that every payload written is read exactly once, with
// no duplication and no loss, matching spec.md's MPMC conservation
// property.
func TestParallelMPMCConservation(t *testing.T) {
	const (
		producers     = 4
		consumers     = 4
		perProducer   = 500
		bufferData    = 1 << 16
	)

	ch, err := CreateChannel(make([]byte, bufferHeaderSize+bufferData), ChannelConfig{
		StartSleepNs:  1_000,
		MaxSleepNs:    200_000,
		MaxRoundTrips: 20000,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	var seen sync.Map // uint64 id -> count
	var produced int64

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				buf := make([]byte, 16)
				binary.LittleEndian.PutUint64(buf, uint64(p))
				binary.LittleEndian.PutUint64(buf[8:], uint64(i))
				for {
					err := ch.Write(buf)
					if err == nil {
						break
					}
					e, ok := err.(*Error)
					if !ok || (e.Status != StatusLocked && e.Status != StatusNoSpace) {
						return err
					}
				}
				atomic.AddInt64(&produced, 1)
			}
			return nil
		})
	}

	done := make(chan struct{})
	var consumed int64
	var cg errgroup.Group
	for c := 0; c < consumers; c++ {
		cg.Go(func() error {
			dst := make([]byte, 32)
			for {
				select {
				case <-done:
					return nil
				default:
				}
				res, err := ch.Read(dst, time.Now().Add(50*time.Millisecond))
				if err != nil {
					e, ok := err.(*Error)
					if ok && e.Status == StatusTimeout {
						continue
					}
					return err
				}
				p := binary.LittleEndian.Uint64(dst[:8])
				i := binary.LittleEndian.Uint64(dst[8:16])
				key := p<<32 | i
				if _, loaded := seen.LoadOrStore(key, struct{}{}); loaded {
					t.Errorf("duplicate delivery of producer=%d index=%d", p, i)
				}
				_ = res
				atomic.AddInt64(&consumed, 1)
			}
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("producers: %v", err)
	}

	// Give consumers time to drain, then stop them.
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&consumed) < int64(producers*perProducer) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(done)
	if err := cg.Wait(); err != nil {
		t.Fatalf("consumers: %v", err)
	}

	if got, want := atomic.LoadInt64(&consumed), int64(producers*perProducer); got != want {
		t.Fatalf("consumed %d entries, want %d", got, want)
	}
}

// TestParallelSkipVsReadRace has one goroutine calling Skip and another
// calling Read against the same head concurrently; exactly one of them may
// win per entry, and the winner must observe StatusOK while the loser sees
// a non-fatal status or a Locked error. The test counts the wins of both
// goroutines and requires exactly one per entry; payload bytes are not
// inspected.
func TestParallelSkipVsReadRace(t *testing.T) {
	const entries = 400 // fits the buffer below without needing an interim drain

	buf := newTestBuffer(t, 1<<14)
	for i := 0; i < entries; i++ {
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, uint64(i))
		if err := buf.Write(payload); err != nil {
			t.Fatalf("setup Write %d: %v", i, err)
		}
	}

	var wins int64
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		dst := make([]byte, 8)
		for {
			peek, err := buf.Peek()
			if err != nil {
				continue
			}
			if peek.Status == StatusEmpty {
				return
			}
			if peek.Status != StatusOK {
				continue
			}
			res, err := buf.Read(dst)
			if err == nil && res.Status == StatusOK {
				atomic.AddInt64(&wins, 1)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			peek, err := buf.Peek()
			if err != nil {
				continue
			}
			if peek.Status == StatusEmpty {
				return
			}
			if peek.Status != StatusOK {
				continue
			}
			res, err := buf.Skip(peek.Offset)
			if err == nil && res.Status == StatusOK {
				atomic.AddInt64(&wins, 1)
			}
		}
	}()

	wg.Wait()
	if wins != entries {
		t.Fatalf("wins = %d, want %d (no entry should be claimed twice or lost)", wins, entries)
	}
}
