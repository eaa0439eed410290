// SD/MMC low-level bus driver capability interface
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package lld defines the low-level bus driver capability surface consumed
// by the SD/MMC connection engine and block-device facade.
//
// An LLD implementation owns the physical bus: it issues commands, collects
// responses, and moves data in or out of the card. The core never assumes
// any timing or latency guarantee from an LLD beyond completion of the call.
package lld

import "time"

// Width is a bus data width in bits.
type Width int

// Supported bus widths. 8 is legal only when the attached card is MMC.
const (
	Width1 Width = 1
	Width4 Width = 4
	Width8 Width = 8
)

// Response holds a command response. Short (48-bit) responses populate only
// Response[0]; long (136-bit) responses, used for CID and CSD, populate all
// four words, most significant word first.
type Response [4]uint32

// LLD is the capability set an SD/MMC host controller driver must provide.
// Block size for ReadBlocks/WriteBlocks is fixed at 512 bytes.
type LLD interface {
	// Init performs one-time peripheral setup.
	Init() error
	// Start powers up and clocks the controller peripheral.
	Start() error
	// Stop powers down the controller peripheral.
	Stop() error

	// StartClock enables the card clock at identification rate (<=400kHz).
	StartClock() error
	// StopClock disables the card clock.
	StopClock() error
	// SetDataClock raises the card clock to the card's operating rate.
	SetDataClock() error

	// SetBusWidth switches the data bus to the given width.
	SetBusWidth(width Width) error

	// SendCmdNone issues a command with no expected response.
	SendCmdNone(cmd uint32, arg uint32) error
	// SendCmdShort issues a command expecting a 48-bit response, with no
	// CRC check performed on the response body.
	SendCmdShort(cmd uint32, arg uint32) (Response, error)
	// SendCmdShortCRC issues a command expecting a 48-bit response with
	// CRC validation; it fails on CRC mismatch.
	SendCmdShortCRC(cmd uint32, arg uint32) (Response, error)
	// SendCmdLongCRC issues a command expecting a 136-bit response (CID or
	// CSD) with CRC validation.
	SendCmdLongCRC(cmd uint32, arg uint32) (Response, error)

	// ReadBlocks reads n 512-byte blocks starting at startblk into buf.
	ReadBlocks(startblk uint32, buf []byte, n uint32) error
	// WriteBlocks writes n 512-byte blocks starting at startblk from buf.
	WriteBlocks(startblk uint32, buf []byte, n uint32) error

	// ReadExtCSD reads length bytes of the EXT_CSD register starting at
	// offset into buf.
	ReadExtCSD(buf []byte, offset int, length int) error

	// Sync blocks until the card leaves programming state.
	Sync() error

	// IsCardInserted reports the card-detect signal.
	IsCardInserted() bool
	// IsWriteProtected reports the write-protect signal.
	IsWriteProtected() bool
}

// DefaultCommandTimeout is used by LLD implementations that need a sane
// per-command hardware timeout and have no better guidance from the core.
const DefaultCommandTimeout = 100 * time.Millisecond
