// SD/MMC command-protocol helpers
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package proto

import (
	"fmt"
	"time"

	"github.com/apdminc/sdmmc/sdmmc/lld"
)

// WaitForTransferState repeatedly issues SEND_STATUS (CMD13) with
// arg = rca<<rcaShift and inspects the R1 response, returning once the card
// reports TRAN. DATA/RCV/PRG states continue polling, sleeping 1ms between
// attempts when niceWaiting is set; any other reported state, CRC failure,
// or R1 error bit fails immediately.
//
// There is no intrinsic timeout beyond the LLD's own command timeout:
// callers that need bounded waiting must impose a deadline externally.
//
// Grounded on original_source/os/hal/src/sdc.c:_sdc_wait_for_transfer_state.
func WaitForTransferState(l lld.LLD, rca uint32, rcaShift uint, niceWaiting bool) error {
	for {
		resp, err := l.SendCmdShortCRC(CmdSendStatus, rca<<rcaShift)
		if err != nil || R1Error(resp[0]) {
			return fmt.Errorf("proto: wait for transfer state: %w", errOrStatus(err, resp[0]))
		}

		switch R1Status(resp[0]) {
		case StateTran:
			return nil
		case StateData, StateRcv, StatePrg:
			if niceWaiting {
				time.Sleep(1 * time.Millisecond)
			}
			continue
		default:
			s := R1Status(resp[0])
			return fmt.Errorf("proto: wait for transfer state: unexpected card state %s (%d)", CardStateName(s), s)
		}
	}
}

func errOrStatus(err error, resp0 uint32) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("card status error, response %#08x", resp0)
}
