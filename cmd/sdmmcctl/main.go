// sdmmcctl diagnostic tool for SD/MMC host drivers
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command sdmmcctl connects to an SD/MMC card through a Linux mmc_block
// device node, reports its identity and capacity, and optionally runs a
// read-only smoke test that reads block 0.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/apdminc/sdmmc/sdmmc"
	"github.com/apdminc/sdmmc/sdmmc/lld"
	"github.com/apdminc/sdmmc/sdmmc/lld/linuxmmc"
)

func main() {
	log.SetFlags(0)

	device := flag.String("device", "/dev/mmcblk0", "Linux mmc_block device node")
	busWidth := flag.Int("bus-width", 4, "data bus width to negotiate (1, 4, or 8)")
	smoke := flag.Bool("smoke-test", false, "exercise a read-only block at offset 0 after connecting")
	flag.Parse()

	l := linuxmmc.New(*device)

	d := sdmmc.New(l)

	cfg := sdmmc.DefaultConfig()
	cfg.BusWidth = lld.Width(*busWidth)

	if err := d.Start(cfg); err != nil {
		log.Fatalf("sdmmcctl: start: %v", err)
	}
	defer d.Stop()

	if !d.IsCardInserted() {
		log.Fatalf("sdmmcctl: no card detected at %s", *device)
	}

	if err := d.Connect(); err != nil {
		log.Fatalf("sdmmcctl: connect: %v", err)
	}
	defer d.Disconnect()

	info := d.GetInfo()
	fmt.Printf("mode:     %v\n", d.CardMode())
	fmt.Printf("rca:      %#04x\n", d.RCA())
	fmt.Printf("capacity: %d blocks (%d bytes)\n", info.BlkNum, int64(info.BlkNum)*int64(info.BlkSize))

	if rev, a, b := d.ExtCSD(); rev != 0 {
		fmt.Printf("ext_csd:  revision=%d life_time_est_typ_a=%d life_time_est_typ_b=%d\n", rev, a, b)
	}

	if errs := d.GetAndClearErrors(); errs != sdmmc.ErrNone {
		fmt.Printf("errors since connect: %v\n", errs)
	}

	if *smoke {
		buf := make([]byte, info.BlkSize)
		if err := d.Read(0, buf, 1); err != nil {
			log.Fatalf("sdmmcctl: smoke test read: %v", err)
		}
		fmt.Printf("smoke test: read block 0 (%d bytes) ok\n", len(buf))
	}
}
