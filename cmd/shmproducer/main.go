// Command shmproducer writes lines read from stdin into a shared-memory
// queue, one entry per line, for use against shmconsumer.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/agilira/shmq"
)

func main() {
	name := flag.String("name", "shmq-demo", "POSIX shared-memory segment name")
	sizeStr := flag.String("size", "1MB", "data area size (e.g. 64KB, 1MB)")
	count := flag.Int("count", 0, "stop after writing this many lines (0 = until EOF)")
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

	ch, err := shmq.CreateChannel(region, shmq.DefaultChannelConfig())
	if err != nil {
		log.Fatalf("create channel: %v", err)
	}
	defer ch.Close()

	scanner := bufio.NewScanner(os.Stdin)
	written := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		for {
			err := ch.Write(line)
			if err == nil {
				break
			}
			e, ok := err.(*shmq.Error)
			if !ok || (e.Status != shmq.StatusLocked && e.Status != shmq.StatusNoSpace) {
				log.Fatalf("write: %v", err)
			}
			// Contended or momentarily full: the caller's to retry.
		}
		written++
		if *count > 0 && written >= *count {
			break
		}
	}
	fmt.Printf("wrote %d entries to %s\n", written, *name)
}
