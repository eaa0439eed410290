// SD/MMC command-protocol helpers
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package proto implements the thin command-protocol helpers shared by the
// SD/MMC connection engine and block-device facade: command index
// constants, R1 response-bit classifiers, and transfer-state polling.
//
// Grounded on soc/nxp/usdhc/cmd.go (rsp/rspVal/waitState) and
// original_source/os/hal/src/sdc.c (_sdc_wait_for_transfer_state), adapted
// to operate over the lld.LLD interface instead of direct registers.
package proto

// Command indices used by this driver. Names follow the SD/MMC physical
// layer specification; MMC reuses several SD command numbers for different
// semantics (noted below).
const (
	CmdGoIdleState      = 0  // CMD0  - reset card
	CmdSendOpCond       = 1  // CMD1  - MMC: SEND_OP_COND
	CmdAllSendCID       = 2  // CMD2  - get CID
	CmdSendRelativeAddr = 3  // CMD3  - SD: SEND_RELATIVE_ADDR, MMC: SET_RELATIVE_ADDR
	CmdSwitch           = 6  // CMD6  - MMC: SWITCH mode of operation
	CmdSelDeselCard     = 7  // CMD7  - enter/leave TRAN state
	CmdSendIfCond       = 8  // CMD8  - SD: SEND_IF_COND
	CmdSendCSD          = 9  // CMD9  - read CSD
	CmdSendStatus       = 13 // CMD13 - poll card status
	CmdSetBlocklen      = 16 // CMD16 - SET_BLOCKLEN
	CmdEraseWrBlkStart  = 32 // CMD32 - ERASE_WR_BLK_START
	CmdEraseWrBlkEnd    = 33 // CMD33 - ERASE_WR_BLK_END
	CmdErase            = 38 // CMD38 - ERASE
	CmdAppCmd           = 55 // CMD55 - APP_CMD, next command is application-specific

	AcmdSDSendOpCond = 41 // ACMD41 - SD: SD_SEND_OP_COND
	AcmdSetBusWidth  = 6  // ACMD6  - SD: SET_BUS_WIDTH
)

// SEND_IF_COND (CMD8) reference pattern: voltage supplied (2.7-3.6V) in bits
// 11:8, check pattern 0xAA in bits 7:0.
const Cmd8Pattern = 0x000001AA

// SET_BLOCKLEN / fixed block size used throughout this driver.
const BlockSize = 512

// MMC SWITCH (CMD6) argument to write the EXT_CSD BUS_WIDTH field.
const (
	MMCSwitchBusWidth4Bit = 0x03B70100
	MMCSwitchBusWidth8Bit = 0x03B70200
)

// Card Status (R1) bit positions, p131 Table 4-42 SD-PL-7.10 / p160 Table 68
// JESD84-B51.
const (
	StatusCurrentState = 9
	StatusSwitchError  = 7
	StatusAppCmd       = 5
)

// Current-state field values (the 4-bit field at StatusCurrentState).
const (
	StateIdle  = 0
	StateReady = 1
	StateIdent = 2
	StateStby  = 3
	StateTran  = 4
	StateData  = 5
	StateRcv   = 6
	StatePrg   = 7
	StateDis   = 8
)

// OCR (operating conditions register) bit positions, shared shape for both
// the SD ACMD41 and MMC CMD1 responses.
const (
	OCRBusy         = 31
	OCRHighCapacity = 30
)

// R1 error bits (SD Card Status register, p131 Table 4-42 SD-PL-7.10). The
// header defining these in the original ChibiOS sources (mmcsd.h) was not
// part of the retrieved original_source pack; this reconstructs the
// standard bit layout directly from the SD physical layer specification.
const (
	r1OutOfRange      = 1 << 31
	r1AddressError    = 1 << 30
	r1BlockLenError   = 1 << 29
	r1EraseSeqError   = 1 << 28
	r1EraseParam      = 1 << 27
	r1WPViolation     = 1 << 26
	r1LockUnlockFail  = 1 << 24
	r1ComCRCError     = 1 << 23
	r1IllegalCommand  = 1 << 22
	r1CardECCFailed   = 1 << 21
	r1CCError         = 1 << 20
	r1GenericError    = 1 << 19
	r1CSDOverwrite    = 1 << 16
	r1WPEraseSkip     = 1 << 15
	r1AKESeqError     = 1 << 3
)

const sdErrorMask = r1OutOfRange | r1AddressError | r1BlockLenError |
	r1EraseSeqError | r1EraseParam | r1WPViolation | r1LockUnlockFail |
	r1ComCRCError | r1IllegalCommand | r1CardECCFailed | r1CCError |
	r1GenericError | r1CSDOverwrite | r1WPEraseSkip | r1AKESeqError

// MMC's Device Status register reuses bit 7 (SWITCH_ERROR) where SD has no
// equivalent fatal bit; CSD_OVERWRITE/WP_ERASE_SKIP are excluded from the
// MMC mask since those positions are informational-only for MMC (see
// SPEC_FULL.md §8).
const mmcErrorMask = sdErrorMask &^ (r1CSDOverwrite | r1WPEraseSkip)

// R1Error reports whether any SD-defined error bit is set in a response.
func R1Error(r uint32) bool {
	return r&sdErrorMask != 0
}

// R1MMCError reports whether any MMC-defined error bit is set in a
// response; the SWITCH_ERROR bit is informational on MMC and excluded.
func R1MMCError(r uint32) bool {
	return r&mmcErrorMask != 0
}

// R1Status extracts the 4-bit current-state field from a response.
func R1Status(r uint32) uint32 {
	return (r >> StatusCurrentState) & 0xf
}

// R1SwitchError reports whether the MMC SWITCH_ERROR bit is set, meaning the
// card rejected the argument of the preceding SWITCH (CMD6).
func R1SwitchError(r uint32) bool {
	return r&(1<<StatusSwitchError) != 0
}

// R1AppCmdReady reports whether the card has acknowledged APP_CMD (CMD55)
// and expects the next command to be application-specific.
func R1AppCmdReady(r uint32) bool {
	return r&(1<<StatusAppCmd) != 0
}

// CardStateName returns the mnemonic for a current-state field value as
// extracted by R1Status, or "unknown" for a value with no defined meaning.
func CardStateName(s uint32) string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateIdent:
		return "ident"
	case StateStby:
		return "stby"
	case StateTran:
		return "tran"
	case StateData:
		return "data"
	case StateRcv:
		return "rcv"
	case StatePrg:
		return "prg"
	case StateDis:
		return "dis"
	default:
		return "unknown"
	}
}
