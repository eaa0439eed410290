// SD/MMC CSD and EXT_CSD register decoder
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package csd

import "testing"

// buildCSDv2 packs a CSD register from its high-level fields into the raw
// big-endian word layout Capacity expects, for the fields each version reads.
func buildCSDv2(cSize uint64) Raw {
	var r Raw
	// version field occupies bits 127:126 of the 128-bit register, so
	// structure version 1 (v2.0) is bits 127:126=01, i.e. bit 126 set.
	r[0] |= 1 << (126 - 96)
	// C_SIZE is a 22-bit field at bits 69:48.
	setField(&r, 48, 22, cSize)
	return r
}

func buildCSDv1(cSize, cSizeMult, readBlLen uint64) Raw {
	var r Raw
	// structure version 0 is the reset value; no bits to set.
	setField(&r, 62, 12, cSize)
	setField(&r, 47, 3, cSizeMult)
	setField(&r, 80, 4, readBlLen)
	return r
}

// setField is the test-side mirror of Raw.field, used to construct fixtures.
func setField(r *Raw, pos, width int, v uint64) {
	for i := 0; i < width; i++ {
		if v&(1<<uint(i)) == 0 {
			continue
		}
		bit := pos + i
		word := 3 - bit/32
		r[word] |= 1 << (uint(bit) % 32)
	}
}

func TestCapacityV2(t *testing.T) {
	// C_SIZE = 0x3A3F (SanDisk-style SDHC fixture): (0x3A3F+1)*512KiB blocks.
	r := buildCSDv2(0x3A3F)
	blocks, err := Capacity(r)
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}

	want := int64(0x3A3F+1) * (512 * 1024 / BlockSize)
	if blocks != want {
		t.Errorf("Capacity() = %d, want %d", blocks, want)
	}
}

func TestCapacityV1(t *testing.T) {
	r := buildCSDv1(0xFFF, 7, 9) // READ_BL_LEN=9 -> 512-byte blocks
	blocks, err := Capacity(r)
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}

	totalBlocks := (uint64(0xFFF) + 1) * (uint64(1) << (7 + 2))
	want := int64(totalBlocks) * (1 << 9) / BlockSize
	if blocks != want {
		t.Errorf("Capacity() = %d, want %d", blocks, want)
	}
}

func TestCapacityUnsupportedVersion(t *testing.T) {
	var r Raw
	setField(&r, 126, 2, 3) // reserved structure version
	if _, err := Capacity(r); err == nil {
		t.Error("expected error for unsupported CSD structure version")
	}
}

func TestSecCount(t *testing.T) {
	buf := []byte{0x00, 0x10, 0x00, 0x00} // little-endian 0x1000
	blocks, err := SecCount(buf)
	if err != nil {
		t.Fatalf("SecCount: %v", err)
	}
	if blocks != 0x1000 {
		t.Errorf("SecCount() = %d, want %d", blocks, 0x1000)
	}
}

func TestSecCountShortBuffer(t *testing.T) {
	if _, err := SecCount([]byte{0x01, 0x02}); err == nil {
		t.Error("expected error for short SEC_COUNT buffer")
	}
}
