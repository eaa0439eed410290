// SD/MMC host driver: initialization handshake and block-device state machine
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import "github.com/apdminc/sdmmc/sdmmc/lld"

// Config holds the instance-level knobs spec.md §3 lists as
// "compile-time or config-struct" parameters, chosen once at Start and
// held const thereafter (spec.md §9).
type Config struct {
	// BusWidth is the data bus width to negotiate during Connect. 8 is
	// legal only for MMC cards.
	BusWidth lld.Width

	// MMCSupport controls whether an unknown non-SDv2 card is probed as
	// MMC. If false, such a card is treated as SD v1.1.
	MMCSupport bool

	// InitRetry bounds the number of OCR-polling iterations during
	// Connect, each spaced 10ms apart.
	InitRetry int

	// NiceWaiting controls whether transfer-state polling yields 1ms per
	// iteration (true) or busy-polls (false).
	NiceWaiting bool

	// RCA is the relative card address this driver assigns itself when
	// connecting to an SD card (SD's RCA is host-chosen in this protocol
	// variant; MMC's RCA is always card-reported, see SPEC_FULL.md §8).
	// Must be non-zero.
	RCA uint32
}

// DefaultConfig returns reasonable defaults: 4-bit bus, MMC support
// enabled, 1000 OCR-poll retries (10s at 10ms/iteration), nice waiting on,
// and RCA 1.
func DefaultConfig() Config {
	return Config{
		BusWidth:    lld.Width4,
		MMCSupport:  true,
		InitRetry:   1000,
		NiceWaiting: true,
		RCA:         1,
	}
}
