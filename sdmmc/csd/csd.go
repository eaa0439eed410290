// SD/MMC CSD and EXT_CSD register decoder
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package csd decodes the CSD and EXT_CSD registers returned during SD/MMC
// card initialization. Both are opaque 128-bit blobs to the connection
// engine; this package is the external pure-function decoder spec.md names
// as getCapacity(csd), plus the EXT_CSD field reads used for high-capacity
// MMC capacity and lifetime estimation.
//
// Grounded on soc/nxp/usdhc/sd.go:detectCapabilitiesSD, generalized from a
// variable block size to this driver's fixed 512-byte block convention.
package csd

import (
	"encoding/binary"
	"fmt"
)

// Raw is a 128-bit register as returned by a long command response, most
// significant word first (Raw[0] holds bits 127:96).
type Raw [4]uint32

// field extracts a bit field [pos, pos+width) from the 128-bit register,
// where pos counts from the least significant bit of the register as a
// whole (pos 0 is the LSB of Raw[3]).
func (r Raw) field(pos, width int) uint64 {
	var v uint64
	for i := 0; i < width; i++ {
		bit := pos + i
		word := 3 - bit/32
		if word < 0 {
			break
		}
		if (r[word]>>(uint(bit)%32))&1 == 1 {
			v |= 1 << uint(i)
		}
	}
	return v
}

// Capacity decodes the card capacity, in 512-byte blocks, from a CSD
// register. It supports CSD structure versions 1.0 (byte-addressed C_SIZE),
// 2.0, and 3.0 (both 512KB-granularity C_SIZE).
//
// This is spec.md's getCapacity(csd): the sole CSD field this driver
// interprets beyond raw storage.
func Capacity(csd Raw) (blocks int64, err error) {
	switch ver := csd.field(126, 2); ver {
	case 0:
		// CSD Version 1.0: capacity = (C_SIZE+1) * 2^(C_SIZE_MULT+2) blocks
		// of 2^READ_BL_LEN bytes each.
		cSizeMult := csd.field(47, 3)
		cSize := csd.field(62, 12)
		readBlLen := csd.field(80, 4)

		blockLen := int64(1) << readBlLen
		totalBlocks := (cSize + 1) * (uint64(1) << (cSizeMult + 2))
		bytes := int64(totalBlocks) * blockLen
		blocks = bytes / BlockSize
	case 1:
		// CSD Version 2.0 (SDHC): capacity = (C_SIZE+1) * 512KiB.
		cSize := csd.field(48, 22)
		blocks = int64(cSize+1) * (512 * 1024 / BlockSize)
	case 2:
		// CSD Version 3.0 (SDXC/SDUC): wider C_SIZE, same 512KiB unit.
		cSize := csd.field(48, 28)
		blocks = int64(cSize+1) * (512 * 1024 / BlockSize)
	default:
		return 0, fmt.Errorf("csd: unsupported CSD structure version %d", ver)
	}

	return blocks, nil
}

// BlockSize is the block granularity this driver operates the card at; the
// connection engine always issues SET_BLOCKLEN=512 regardless of card type.
const BlockSize = 512

// EXT_CSD offsets consumed by this driver, p193 7.4 Extended CSD register,
// JESD84-B51.
const (
	ExtCSDRevision        = 192
	ExtCSDSecCount        = 212 // 4 bytes, little-endian
	ExtCSDLifeTimeEstTypA = 268
	ExtCSDLifeTimeEstTypB = 269
)

// SecCount decodes the little-endian 4-byte SEC_COUNT field read from
// EXT_CSD, returning the card capacity in 512-byte blocks.
func SecCount(buf []byte) (int64, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("csd: SEC_COUNT read too short (%d bytes)", len(buf))
	}
	return int64(binary.LittleEndian.Uint32(buf)), nil
}
