// SD/MMC command-protocol helpers
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package proto

import "testing"

func TestR1Error(t *testing.T) {
	cases := []struct {
		name string
		r    uint32
		want bool
	}{
		{"clean", 0, false},
		{"out of range", r1OutOfRange, true},
		{"address error", r1AddressError, true},
		{"ready-for-data bit only, no error bits", 1 << 8, false},
	}

	for _, c := range cases {
		if got := R1Error(c.r); got != c.want {
			t.Errorf("%s: R1Error(%#x) = %v, want %v", c.name, c.r, got, c.want)
		}
	}
}

func TestR1MMCErrorExcludesInformationalBits(t *testing.T) {
	if R1MMCError(r1CSDOverwrite) {
		t.Error("R1MMCError flagged CSD_OVERWRITE, which is informational on MMC")
	}
	if R1MMCError(r1WPEraseSkip) {
		t.Error("R1MMCError flagged WP_ERASE_SKIP, which is informational on MMC")
	}
	if !R1MMCError(r1OutOfRange) {
		t.Error("R1MMCError did not flag OUT_OF_RANGE, a fatal bit on both SD and MMC")
	}
}

func TestR1Status(t *testing.T) {
	r := uint32(StateTran) << StatusCurrentState
	if got := R1Status(r); got != StateTran {
		t.Errorf("R1Status(%#x) = %d, want %d", r, got, StateTran)
	}
}

func TestR1SwitchError(t *testing.T) {
	if R1SwitchError(0) {
		t.Error("R1SwitchError(0) = true, want false")
	}
	if !R1SwitchError(1 << StatusSwitchError) {
		t.Error("R1SwitchError did not flag SWITCH_ERROR bit")
	}
}

func TestR1AppCmdReady(t *testing.T) {
	if R1AppCmdReady(0) {
		t.Error("R1AppCmdReady(0) = true, want false")
	}
	if !R1AppCmdReady(1 << StatusAppCmd) {
		t.Error("R1AppCmdReady did not flag APP_CMD bit")
	}
}

func TestCardStateName(t *testing.T) {
	cases := []struct {
		state uint32
		want  string
	}{
		{StateIdle, "idle"},
		{StateReady, "ready"},
		{StateIdent, "ident"},
		{StateStby, "stby"},
		{StateTran, "tran"},
		{StateData, "data"},
		{StateRcv, "rcv"},
		{StatePrg, "prg"},
		{StateDis, "dis"},
		{15, "unknown"},
	}

	for _, c := range cases {
		if got := CardStateName(c.state); got != c.want {
			t.Errorf("CardStateName(%d) = %q, want %q", c.state, got, c.want)
		}
	}
}
