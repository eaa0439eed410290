// SD/MMC host driver: initialization handshake and block-device state machine
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"errors"
	"fmt"
	"time"

	"github.com/apdminc/sdmmc/sdmmc/csd"
	"github.com/apdminc/sdmmc/sdmmc/proto"
)

// rcaShift returns the RCA argument shift for the detected card family: 16
// for SD (the RCA occupies the upper half of the command argument), 0 for
// MMC (SPEC_FULL.md §8 resolves this as derived from cardmode rather than a
// free-standing config knob).
func (d *Driver) rcaShift() uint {
	if d.cardmode&ModeMMC != 0 {
		return 0
	}
	return 16
}

// Connect drives a freshly powered card from CMD0 into the TRAN-ready READY
// state: family detection, the OCR handshake, CID/RCA/CSD acquisition, bus
// widening, and (for high-capacity MMC) the EXT_CSD phase. Requires state
// ACTIVE or READY. On any failure the card clock is stopped and state
// returns to ACTIVE, with no partial state exposed to the caller.
//
// Grounded step-for-step on original_source/os/hal/src/sdc.c:sdcConnect.
func (d *Driver) Connect() (err error) {
	d.mu.Lock()
	state := d.state
	if state != StateActive && state != StateReady {
		d.mu.Unlock()
		panic("sdmmc: Connect: invalid state " + state.String())
	}
	d.state = StateConnecting
	d.mu.Unlock()

	defer func() {
		if err != nil {
			d.lld.StopClock()
			d.setState(StateActive)
		}
	}()

	// Step 1: identification clock on.
	if err = d.lld.StartClock(); err != nil {
		return fmt.Errorf("sdmmc: connect: start clock: %w", err)
	}

	// Step 2: reset.
	if err = d.lld.SendCmdNone(proto.CmdGoIdleState, 0); err != nil {
		return fmt.Errorf("sdmmc: connect: go idle state: %w", err)
	}

	// Step 3: family detection.
	if err = d.detectFamily(); err != nil {
		return err
	}

	// Step 4: operating-conditions handshake.
	if err = d.ocrHandshake(); err != nil {
		return err
	}

	// Step 5: CID read.
	resp, err := d.lld.SendCmdLongCRC(proto.CmdAllSendCID, 0)
	if err != nil {
		d.addError(ErrCRC)
		return fmt.Errorf("sdmmc: connect: read CID: %w", err)
	}
	d.cid = CID(resp)

	// Step 6: RCA assignment.
	shift := d.rcaShift()
	if d.cardmode&ModeMMC == 0 {
		// SD: the driver assigns itself a non-zero RCA and publishes it.
		if d.cfg.RCA == 0 {
			err = errors.New("sdmmc: connect: Config.RCA must be non-zero for SD cards")
			return
		}
		d.rca = d.cfg.RCA
		if resp, err = d.lld.SendCmdShortCRC(proto.CmdSendRelativeAddr, d.rca<<shift); err != nil || proto.R1Error(resp[0]) {
			d.addError(ErrCRC)
			err = fmt.Errorf("sdmmc: connect: send relative addr: %w", errOrR1(err, resp[0]))
			return err
		}
	} else {
		// MMC: the card reports its RCA in the response.
		if resp, err = d.lld.SendCmdShortCRC(proto.CmdSendRelativeAddr, 0); err != nil {
			d.addError(ErrCRC)
			return fmt.Errorf("sdmmc: connect: set relative addr: %w", err)
		}
		d.rca = resp[0]
	}

	// Step 7: CSD read.
	resp, err = d.lld.SendCmdLongCRC(proto.CmdSendCSD, d.rca<<shift)
	if err != nil {
		d.addError(ErrCRC)
		return fmt.Errorf("sdmmc: connect: read CSD: %w", err)
	}
	d.csd = CSD(resp)

	// Step 8: card selection & block length.
	if _, err = d.lld.SendCmdShortCRC(proto.CmdSelDeselCard, d.rca<<shift); err != nil {
		d.addError(ErrCRC)
		return fmt.Errorf("sdmmc: connect: select card: %w", err)
	}
	if resp, err = d.lld.SendCmdShortCRC(proto.CmdSetBlocklen, proto.BlockSize); err != nil || proto.R1Error(resp[0]) {
		d.addError(ErrCRC)
		err = fmt.Errorf("sdmmc: connect: set blocklen: %w", errOrR1(err, resp[0]))
		return err
	}

	// Step 9: bus-width widening.
	if err = d.widenBus(shift); err != nil {
		return err
	}

	// Step 10: EXT_CSD phase (high-capacity MMC only).
	if d.cardmode == (ModeMMC | ModeHighCapacity) {
		if err = d.readExtCSD(); err != nil {
			return err
		}
	} else {
		d.capacity, err = csd.Capacity(csd.Raw(d.csd))
		if err != nil {
			return fmt.Errorf("sdmmc: connect: decode CSD: %w", err)
		}
	}

	// Step 11: capacity sanity.
	if d.capacity == 0 {
		d.addError(ErrCapacity)
		err = errors.New("sdmmc: connect: card reports zero capacity")
		return
	}

	// Step 12: data clock, READY.
	if err = d.lld.SetDataClock(); err != nil {
		return fmt.Errorf("sdmmc: connect: set data clock: %w", err)
	}

	d.setState(StateReady)
	return nil
}

func errOrR1(err error, resp0 uint32) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("R1 error bit set, response %#08x", resp0)
}

// detectFamily implements spec.md §4.3 step 3.
func (d *Driver) detectFamily() error {
	resp, err := d.lld.SendCmdShortCRC(proto.CmdSendIfCond, proto.Cmd8Pattern)
	if err == nil {
		// SD v2.0-capable.
		d.cardmode = ModeSDv20
		if (resp[0]>>8)&0xf != 1 {
			return errors.New("sdmmc: connect: SEND_IF_COND voltage mismatch")
		}
		if resp, err = d.lld.SendCmdShortCRC(proto.CmdAppCmd, 0); err != nil || proto.R1Error(resp[0]) {
			d.addError(ErrCRC)
			return fmt.Errorf("sdmmc: connect: probe APP_CMD: %w", errOrR1(err, resp[0]))
		}
		return nil
	}

	if d.cfg.MMCSupport {
		resp, err := d.lld.SendCmdShortCRC(proto.CmdAppCmd, 0)
		if err != nil || proto.R1Error(resp[0]) {
			d.cardmode = ModeMMC
		} else {
			d.cardmode = ModeSDv11
		}
	} else {
		d.cardmode = ModeSDv11
	}
	return nil
}

// ocrHandshake implements spec.md §4.3 step 4.
func (d *Driver) ocrHandshake() error {
	if d.cardmode&ModeMMC != 0 {
		return d.pollOCR(func() (uint32, error) {
			resp, err := d.lld.SendCmdShort(proto.CmdSendOpCond, 0x00FF8000)
			if err != nil {
				return 0, err
			}
			return resp[0], nil
		})
	}

	var ocr uint32
	if d.cardmode&ModeSDv20 != 0 {
		ocr = 0xC0100000
	} else {
		ocr = 0x80100000
	}

	return d.pollOCR(func() (uint32, error) {
		resp, err := d.lld.SendCmdShortCRC(proto.CmdAppCmd, 0)
		if err != nil || proto.R1Error(resp[0]) {
			return 0, errOrR1(err, resp[0])
		}
		resp, err = d.lld.SendCmdShort(proto.AcmdSDSendOpCond, ocr)
		if err != nil {
			return 0, err
		}
		return resp[0], nil
	})
}

// pollOCR repeatedly invokes step, which issues whatever command sequence
// precedes the OCR-bearing response for this card family, until bit 31
// (ready) is set or Config.InitRetry is exceeded, sleeping 10ms between
// attempts.
func (d *Driver) pollOCR(step func() (uint32, error)) error {
	for i := 0; ; i++ {
		ocr, err := step()
		if err != nil {
			d.addError(ErrCRC)
			return fmt.Errorf("sdmmc: connect: OCR handshake: %w", err)
		}

		if ocr&(1<<proto.OCRBusy) != 0 {
			if ocr&(1<<proto.OCRHighCapacity) != 0 {
				d.cardmode |= ModeHighCapacity
			}
			return nil
		}

		if i+1 >= d.cfg.InitRetry {
			d.addError(ErrInitTimeout)
			return errors.New("sdmmc: connect: OCR polling exceeded InitRetry")
		}

		time.Sleep(10 * time.Millisecond)
	}
}

// widenBus implements spec.md §4.3 step 9.
func (d *Driver) widenBus(shift uint) error {
	switch {
	case d.cardmode&(ModeSDv11|ModeSDv20) != 0:
		if d.cfg.BusWidth != 4 {
			return nil
		}
		if resp, err := d.lld.SendCmdShortCRC(proto.CmdAppCmd, d.rca<<shift); err != nil || proto.R1Error(resp[0]) {
			d.addError(ErrCRC)
			return fmt.Errorf("sdmmc: connect: widen bus, APP_CMD: %w", errOrR1(err, resp[0]))
		}
		if resp, err := d.lld.SendCmdShortCRC(proto.AcmdSetBusWidth, 2); err != nil || proto.R1Error(resp[0]) {
			d.addError(ErrCRC)
			return fmt.Errorf("sdmmc: connect: widen bus, SET_BUS_WIDTH: %w", errOrR1(err, resp[0]))
		}
		return d.lld.SetBusWidth(4)

	case d.cardmode&ModeMMC != 0:
		var arg uint32
		switch d.cfg.BusWidth {
		case 4:
			arg = proto.MMCSwitchBusWidth4Bit
		case 8:
			arg = proto.MMCSwitchBusWidth8Bit
		default:
			// 1-bit: skip, card remains in its reset default.
			return nil
		}
		resp, err := d.lld.SendCmdShortCRC(proto.CmdSwitch, arg)
		if err != nil || proto.R1MMCError(resp[0]) || proto.R1SwitchError(resp[0]) {
			d.addError(ErrCRC)
			return fmt.Errorf("sdmmc: connect: MMC SWITCH bus width: %w", errOrR1(err, resp[0]))
		}
		return d.lld.SetBusWidth(d.cfg.BusWidth)
	}

	return nil
}

// readExtCSD implements spec.md §4.3 step 10: capacity is mandatory, the
// revision/lifetime-estimate fields are best-effort (spec.md §7).
func (d *Driver) readExtCSD() error {
	time.Sleep(1 * time.Millisecond)

	buf := make([]byte, 4)
	if err := d.lld.ReadExtCSD(buf, csd.ExtCSDSecCount, len(buf)); err != nil {
		return fmt.Errorf("sdmmc: connect: read EXT_CSD SEC_COUNT: %w", err)
	}
	blocks, err := csd.SecCount(buf)
	if err != nil {
		return fmt.Errorf("sdmmc: connect: decode EXT_CSD SEC_COUNT: %w", err)
	}
	d.capacity = blocks

	readByte := func(offset int) (int, bool) {
		time.Sleep(1 * time.Millisecond)
		b := make([]byte, 1)
		if err := d.lld.ReadExtCSD(b, offset, 1); err != nil {
			return 0, false
		}
		return int(b[0]), true
	}

	if v, ok := readByte(csd.ExtCSDRevision); ok {
		d.extCSDRevision = v
	}
	if v, ok := readByte(csd.ExtCSDLifeTimeEstTypA); ok {
		d.lifetimeEstA = v
	}
	if v, ok := readByte(csd.ExtCSDLifeTimeEstTypB); ok {
		d.lifetimeEstB = v
	}

	return nil
}
