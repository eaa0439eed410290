// SD/MMC host driver: initialization handshake and block-device state machine
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"fmt"

	"github.com/apdminc/sdmmc/sdmmc/csd"
	"github.com/apdminc/sdmmc/sdmmc/proto"
)

// waitForTransferState blocks until the card reports TRAN, using the RCA
// shift appropriate to the connected card family.
func (d *Driver) waitForTransferState() error {
	if err := proto.WaitForTransferState(d.lld, d.rca, d.rcaShift(), d.cfg.NiceWaiting); err != nil {
		d.addError(ErrWaitState)
		return err
	}
	return nil
}

// checkRange reports an overflow error, without touching the bus, if
// [startblk, startblk+n) is not wholly contained in the card's capacity
// (spec.md §4.4 edge case: range violations never reach the LLD).
func (d *Driver) checkRange(startblk, n uint32) error {
	if int64(startblk)+int64(n) > d.capacity {
		d.addError(ErrOverflow)
		return fmt.Errorf("sdmmc: block range [%d, %d) exceeds capacity %d", startblk, startblk+n, d.capacity)
	}
	return nil
}

// Read fills buf with n blocks of 512 bytes starting at startblk. Requires
// state READY. len(buf) must be >= n*512.
func (d *Driver) Read(startblk uint32, buf []byte, n uint32) error {
	d.mu.Lock()
	if d.state != StateReady {
		s := d.state
		d.mu.Unlock()
		panic("sdmmc: Read: invalid state " + s.String())
	}
	d.state = StateReading
	d.mu.Unlock()
	defer d.setState(StateReady)

	if err := d.checkRange(startblk, n); err != nil {
		return err
	}

	if err := d.lld.ReadBlocks(startblk, buf, n); err != nil {
		d.addError(ErrTransport)
		return fmt.Errorf("sdmmc: read: %w", err)
	}
	return nil
}

// Write writes n blocks of 512 bytes starting at startblk from buf. Requires
// state READY. len(buf) must be >= n*512.
func (d *Driver) Write(startblk uint32, buf []byte, n uint32) error {
	d.mu.Lock()
	if d.state != StateReady {
		s := d.state
		d.mu.Unlock()
		panic("sdmmc: Write: invalid state " + s.String())
	}
	d.state = StateWriting
	d.mu.Unlock()
	defer d.setState(StateReady)

	if err := d.checkRange(startblk, n); err != nil {
		return err
	}

	if err := d.lld.WriteBlocks(startblk, buf, n); err != nil {
		d.addError(ErrTransport)
		return fmt.Errorf("sdmmc: write: %w", err)
	}
	return nil
}

// Sync blocks until any prior write has finished programming the card.
// Requires state READY.
func (d *Driver) Sync() error {
	d.mu.Lock()
	if d.state != StateReady {
		s := d.state
		d.mu.Unlock()
		panic("sdmmc: Sync: invalid state " + s.String())
	}
	d.state = StateSyncing
	d.mu.Unlock()
	defer d.setState(StateReady)

	if err := d.lld.Sync(); err != nil {
		d.addError(ErrTransport)
		return fmt.Errorf("sdmmc: sync: %w", err)
	}
	return nil
}

// Erase requests the card discard blocks [startblk, endblk]. High-capacity
// cards address erase boundaries in blocks; standard-capacity cards address
// them in bytes, so the block range is scaled by BlockSize before being sent
// (spec.md §4.4, original_source/os/hal/src/sdc.c:sdcErase). Requires state
// READY.
func (d *Driver) Erase(startblk, endblk uint32) error {
	d.mu.Lock()
	if d.state != StateReady {
		s := d.state
		d.mu.Unlock()
		panic("sdmmc: Erase: invalid state " + s.String())
	}
	d.state = StateWriting
	d.mu.Unlock()
	defer d.setState(StateReady)

	if err := d.checkRange(startblk, endblk-startblk+1); err != nil {
		return err
	}

	if err := d.waitForTransferState(); err != nil {
		return fmt.Errorf("sdmmc: erase: %w", err)
	}

	start, end := startblk, endblk
	if d.cardmode&ModeHighCapacity == 0 {
		start *= csd.BlockSize
		end *= csd.BlockSize
	}

	if resp, err := d.lld.SendCmdShortCRC(proto.CmdEraseWrBlkStart, start); err != nil || proto.R1Error(resp[0]) {
		d.addError(ErrCRC)
		return fmt.Errorf("sdmmc: erase: ERASE_WR_BLK_START: %w", errOrR1(err, resp[0]))
	}
	if resp, err := d.lld.SendCmdShortCRC(proto.CmdEraseWrBlkEnd, end); err != nil || proto.R1Error(resp[0]) {
		d.addError(ErrCRC)
		return fmt.Errorf("sdmmc: erase: ERASE_WR_BLK_END: %w", errOrR1(err, resp[0]))
	}
	if resp, err := d.lld.SendCmdShortCRC(proto.CmdErase, 0); err != nil || proto.R1Error(resp[0]) {
		d.addError(ErrCRC)
		return fmt.Errorf("sdmmc: erase: ERASE: %w", errOrR1(err, resp[0]))
	}

	if err := d.waitForTransferState(); err != nil {
		return fmt.Errorf("sdmmc: erase: post-erase wait: %w", err)
	}
	return nil
}

// GetInfo returns the card's block geometry. Requires state READY.
func (d *Driver) GetInfo() BlockDeviceInfo {
	if s := d.getState(); s != StateReady {
		panic("sdmmc: GetInfo: invalid state " + s.String())
	}
	return BlockDeviceInfo{BlkNum: d.capacity, BlkSize: csd.BlockSize}
}
