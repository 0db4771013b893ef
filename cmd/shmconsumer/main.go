// Command shmconsumer reads entries from a shared-memory queue written by
// shmproducer and prints them, or drops them, depending on -mode.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/agilira/shmq"
)

// Mode selects what shmconsumer does with each entry it reads, mirroring
// consumer_with_mode.c's input/digits-vs-string switch generalized to this
// queue's domain: print the payload (input), consume it without printing
// (drop), or both. Every mode consumes the entry through Channel.Read;
// both prints exactly as input does and makes no separate skip call.
const (
	modeInput = "input"
	modeDrop  = "drop"
	modeBoth  = "both"
)

func main() {
	name := flag.String("name", "shmq-demo", "POSIX shared-memory segment name")
	sizeStr := flag.String("size", "1MB", "data area size (must match the producer)")
	count := flag.Int("count", 0, "stop after reading this many entries (0 = run forever)")
	mode := flag.String("mode", modeInput, "input|drop|both")
	timeout := flag.Duration("timeout", 5*time.Second, "per-read deadline")
	flag.Parse()

	wantData, err := shmq.ParseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid -size: %v", err)
	}

	seg, err := shmq.OpenOrCreatePosix(*name, int(shmq.SuggestSize(wantData)))
	if err != nil {
		log.Fatalf("open segment: %v", err)
	}
	defer seg.Close()

	region, err := shmq.BufferRegion(seg, wantData)
	if err != nil {
		log.Fatalf("size segment: %v", err)
	}

	ch, err := shmq.ConnectChannel(region, shmq.DefaultChannelConfig())
	if err != nil {
		log.Fatalf("connect channel: %v", err)
	}
	defer ch.Close()

	dst := make([]byte, int(wantData))
	read := 0
	for {
		res, err := ch.Read(dst, time.Now().Add(*timeout))
		if err != nil {
			e, ok := err.(*shmq.Error)
			if ok && e.Status == shmq.StatusTimeout {
				continue
			}
			log.Fatalf("read: %v", err)
		}

		switch *mode {
		case modeDrop:
			// entry already consumed by Read; nothing further to do
		case modeBoth:
			fmt.Printf("got: %s\n", dst[:res.N])
		default: // modeInput
			fmt.Printf("got: %s\n", dst[:res.N])
		}

		read++
		if *count > 0 && read >= *count {
			break
		}
	}
	fmt.Printf("read %d entries from %s\n", read, *name)
}
