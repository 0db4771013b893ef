// channel.go: bounded-wait read loop over a Buffer
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package shmq

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/agilira/go-timecache"
)

// ChannelConfig tunes the adaptive backoff and retry budget of a Channel's
// blocking Read.
type ChannelConfig struct {
	// StartSleepNs is the initial sleep between retries once a slot is
	// seen claimed but not yet committed.
	StartSleepNs int64
	// MaxSleepNs caps the exponential backoff.
	MaxSleepNs int64
	// MaxRoundTrips bounds how many times Read, when called without a
	// deadline, will observe the same stuck offset before giving up with
	// StatusRetryLimit.
	MaxRoundTrips int
	// StrictForceSkip enables entry_size sanity-checking (8 <= size <=
	// dataSize) before ForceSkip commits to advancing head. Off by
	// default, matching the trusted-producer assumption the buffer
	// layer itself makes (see DESIGN.md, Open Question (c)).
	StrictForceSkip bool
}

// DefaultChannelConfig returns a recommended configuration to pass to
// CreateChannel or ConnectChannel. Those functions use the config they are
// given as is; they do not substitute these defaults for zero fields.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		StartSleepNs:    50_000,     // 50us
		MaxSleepNs:      10_000_000, // 10ms
		MaxRoundTrips:   64,
		StrictForceSkip: false,
	}
}

// Channel wraps a Buffer with a bounded-wait read loop, so consumers can
// block (with a deadline or retry budget) instead of spinning on Peek.
type Channel struct {
	buf   *Buffer
	cfg   ChannelConfig
	clock *timecache.TimeCache
}

// CreateChannel initializes a new buffer at mem and wraps it in a Channel.
func CreateChannel(mem []byte, cfg ChannelConfig) (*Channel, error) {
	buf, err := CreateBuffer(mem)
	if err != nil {
		return nil, err
	}
	return &Channel{buf: buf, cfg: cfg, clock: timecache.NewWithResolution(time.Millisecond)}, nil
}

// ConnectChannel attaches to a buffer already initialized by CreateChannel
// (in this or another process) and wraps it in a Channel.
func ConnectChannel(mem []byte, cfg ChannelConfig) (*Channel, error) {
	buf, err := AttachBuffer(mem)
	if err != nil {
		return nil, err
	}
	return &Channel{buf: buf, cfg: cfg, clock: timecache.NewWithResolution(time.Millisecond)}, nil
}

// Close stops the Channel's background clock. It does not unmap or close
// the underlying Segment; callers own that lifetime separately.
func (c *Channel) Close() error {
	c.clock.Stop()
	return nil
}

// Write publishes payload; it has the exact semantics of Buffer.Write.
func (c *Channel) Write(payload []byte) error {
	return c.buf.Write(payload)
}

// TryRead is a single non-blocking read attempt; it has the exact
// semantics of Buffer.Read.
func (c *Channel) TryRead(dst []byte) (ReadResult, error) {
	return c.buf.Read(dst)
}

// Peek delegates to Buffer.Peek.
func (c *Channel) Peek() (PeekResult, error) {
	return c.buf.Peek()
}

// Skip delegates to Buffer.Skip.
func (c *Channel) Skip(offset uint64) (SkipResult, error) {
	return c.buf.Skip(offset)
}

// ForceSkip advances past the current head entry without busy-tag
// acquisition, honoring ChannelConfig.StrictForceSkip.
func (c *Channel) ForceSkip() (ForceSkipResult, error) {
	if !c.cfg.StrictForceSkip {
		return c.buf.ForceSkip()
	}

	head := unlock(c.buf.hdr.head.Load())
	tail := c.buf.hdr.tail.Load()
	if head == unlock(tail) {
		return ForceSkipResult{NewHead: head, Status: StatusEmpty}, nil
	}
	rel := head & c.buf.mask
	if wrapDeadZone(rel, c.buf.dataSize) == 0 {
		// Only sanity-check entry_size when something was actually
		// written at rel; a dead zone never had a header to validate.
		eh := readEntryHeader(c.buf.data, rel)
		if eh.entrySize < dataAlign || eh.entrySize > c.buf.dataSize {
			return ForceSkipResult{}, &Error{Op: "channel.force_skip", Status: StatusIllegalState,
				Msg: "entry_size out of bounds, refusing to force-skip", Offset: head}
		}
	}
	return c.buf.ForceSkip()
}

// readState is the internal state machine driving Read's retry loop,
// named after the phases a blocking read moves through: look at the next
// slot, decide whether to sleep or copy, and resolve.
type readState int

const (
	statePeeking readState = iota
	stateSleeping
	stateCopying
	stateFailed
)

// trackOffset folds a newly observed offset into the round-trip budget: a
// repeated offset counts against the budget, a new one resets it. It
// reports whether the budget is now exhausted.
func trackOffset(offset uint64, prevOffset *uint64, haveSeen *bool, roundTrips *int, maxRoundTrips int, bo *backoff.ExponentialBackOff) bool {
	if *haveSeen && offset == *prevOffset {
		*roundTrips++
		return *roundTrips >= maxRoundTrips
	}
	*haveSeen = true
	*prevOffset = offset
	*roundTrips = 0
	bo.Reset()
	return false
}

// Read blocks until an entry is available or the wait ends. A zero
// deadline means no time limit: the wait ends when the round-trip budget
// is exhausted (StatusRetryLimit). A non-zero deadline ends the wait when
// it elapses (StatusTimeout); the round-trip budget is not enforced then.
func (c *Channel) Read(dst []byte, deadline time.Time) (ReadResult, error) {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(c.cfg.StartSleepNs),
		Multiplier:          2,
		RandomizationFactor: 0,
		MaxInterval:         time.Duration(c.cfg.MaxSleepNs),
	}
	bo.Reset()

	var prevOffset uint64
	haveSeen := false
	roundTrips := 0
	state := statePeeking

	for {
		switch state {
		case statePeeking:
			if !deadline.IsZero() && c.clock.CachedTime().After(deadline) {
				return ReadResult{}, &Error{Op: "channel.read", Status: StatusTimeout, Msg: "deadline elapsed"}
			}

			peek, err := c.buf.Peek()
			if err != nil {
				e, ok := err.(*Error)
				if !ok || e.Status != StatusLocked {
					return ReadResult{}, err
				}
				exhausted := trackOffset(e.Offset, &prevOffset, &haveSeen, &roundTrips, c.cfg.MaxRoundTrips, &bo)
				if deadline.IsZero() && exhausted {
					state = stateFailed
					continue
				}
				state = stateSleeping
				continue
			}

			if peek.Status == StatusOK {
				state = stateCopying
				continue
			}
			if !peek.Status.retryable() {
				return ReadResult{}, newError("channel.read", peek.Status, "unexpected peek status")
			}
			exhausted := trackOffset(peek.Offset, &prevOffset, &haveSeen, &roundTrips, c.cfg.MaxRoundTrips, &bo)
			if deadline.IsZero() && exhausted {
				state = stateFailed
				continue
			}
			state = stateSleeping

		case stateSleeping:
			next := bo.NextBackOff()
			if next == backoff.Stop {
				state = stateFailed
				continue
			}
			if !deadline.IsZero() {
				if remaining := deadline.Sub(c.clock.CachedTime()); remaining <= 0 {
					return ReadResult{}, &Error{Op: "channel.read", Status: StatusTimeout, Msg: "deadline elapsed"}
				} else if next > remaining {
					next = remaining
				}
			}
			time.Sleep(next)
			state = statePeeking

		case stateCopying:
			res, err := c.buf.Read(dst)
			if err != nil {
				if e, ok := err.(*Error); ok && e.Status == StatusLocked {
					state = stateSleeping
					continue
				}
				return ReadResult{}, err
			}
			if res.Status != StatusOK {
				// Lost the race to another consumer between Peek and Read.
				state = statePeeking
				continue
			}
			return res, nil

		case stateFailed:
			return ReadResult{}, &Error{Op: "channel.read", Status: StatusRetryLimit,
				Msg: "exhausted retry budget observing the same offset", Offset: prevOffset,
				RequiredSize: uint64(roundTrips)}
		}
	}
}
