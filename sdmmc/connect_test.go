// SD/MMC host driver: initialization handshake and block-device state machine
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"testing"

	"github.com/apdminc/sdmmc/sdmmc/lld"
	"github.com/apdminc/sdmmc/sdmmc/lld/mock"
	"github.com/apdminc/sdmmc/sdmmc/proto"
)

// sdHC20CSD is a CSD v2.0 register with C_SIZE=0x3A3F, decoding to
// (0x3A3F+1)*512KiB worth of 512-byte blocks (see csd.TestCapacityV2).
var sdHC20CSD = lld.Response{0x40000000, 0, 0x3A3F0000, 0}

// scriptSDv20Connect populates m with replies for a full, successful SD
// v2.0 high-capacity connect sequence, using Config.RCA=1, Config.BusWidth=4.
func scriptSDv20Connect(m *mock.LLD) {
	m.Script[mock.Key(proto.CmdGoIdleState, false)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.CmdSendIfCond, false)] = []mock.Reply{{Resp: lld.Response{0x1AA}}}
	m.Script[mock.Key(proto.CmdAppCmd, false)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.CmdAppCmd, true)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.AcmdSDSendOpCond, true)] = []mock.Reply{
		{Resp: lld.Response{0xC0100000}},
	}
	m.Script[mock.Key(proto.CmdAllSendCID, false)] = []mock.Reply{
		{Resp: lld.Response{0x00000001, 0x534D4941, 0x30305300, 0x00000000}},
	}
	m.Script[mock.Key(proto.CmdSendRelativeAddr, false)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.CmdSendCSD, false)] = []mock.Reply{{Resp: sdHC20CSD}}
	m.Script[mock.Key(proto.CmdSelDeselCard, false)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.CmdSetBlocklen, false)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.AcmdSetBusWidth, true)] = []mock.Reply{{}}
}

func wantCapacitySDv20HC() int64 {
	return int64(0x3A3F+1) * (512 * 1024 / 512)
}

func TestConnectSDSuccess(t *testing.T) {
	m := mock.New()
	scriptSDv20Connect(m)

	d := New(m)
	if err := d.Start(DefaultConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := d.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if got := d.State(); got != StateReady {
		t.Errorf("State() = %v, want READY", got)
	}
	if d.CardMode() != ModeSDv20|ModeHighCapacity {
		t.Errorf("CardMode() = %v, want SDv2.0+HC", d.CardMode())
	}
	if d.capacity != wantCapacitySDv20HC() {
		t.Errorf("capacity = %d, want %d (capacity must equal csd.Capacity(csd))", d.capacity, wantCapacitySDv20HC())
	}
	if m.BusWidth != lld.Width4 {
		t.Errorf("BusWidth = %v, want 4", m.BusWidth)
	}
}

func TestConnectOCRTimeoutReturnsActive(t *testing.T) {
	m := mock.New()
	m.Script[mock.Key(proto.CmdGoIdleState, false)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.CmdSendIfCond, false)] = []mock.Reply{{Resp: lld.Response{0x1AA}}}
	m.Script[mock.Key(proto.CmdAppCmd, false)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.CmdAppCmd, true)] = []mock.Reply{{}}
	// Card never raises the busy bit: OCR polling exhausts InitRetry.
	m.Script[mock.Key(proto.AcmdSDSendOpCond, true)] = []mock.Reply{
		{Resp: lld.Response{0x00100000}},
	}

	d := New(m)
	cfg := DefaultConfig()
	cfg.InitRetry = 2
	if err := d.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := d.Connect(); err == nil {
		t.Fatal("expected Connect to fail on OCR timeout")
	}

	if got := d.State(); got != StateActive {
		t.Errorf("State() after failed Connect = %v, want ACTIVE", got)
	}

	errs := d.GetAndClearErrors()
	if !errs.Has(ErrInitTimeout) {
		t.Errorf("errors = %v, want ErrInitTimeout set", errs)
	}
}

func TestConnectZeroCapacityFails(t *testing.T) {
	m := mock.New()
	scriptSDv20Connect(m)
	// Replace the CSD with an all-zero, version-0 register: Capacity()
	// decodes this to 0 blocks, which must fail the connect sanity check.
	m.Script[mock.Key(proto.CmdSendCSD, false)] = []mock.Reply{{Resp: lld.Response{}}}

	d := New(m)
	if err := d.Start(DefaultConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := d.Connect(); err == nil {
		t.Fatal("expected Connect to fail on zero capacity")
	}
	if got := d.State(); got != StateActive {
		t.Errorf("State() after failed Connect = %v, want ACTIVE", got)
	}
}

// scriptMMCUpToWidenBus populates m with replies for an MMC connect
// sequence up to, but not including, the bus-width SWITCH (CMD6): SEND_IF_COND
// and the SD-family APP_CMD probe are left unscripted, so detectFamily's
// fallback settles on ModeMMC (mock.reply's "no scripted response" error
// plays the role of a card that never answers the SD-specific probes).
func scriptMMCUpToWidenBus(m *mock.LLD) {
	m.Script[mock.Key(proto.CmdGoIdleState, false)] = []mock.Reply{{}}
	// The preceding failed APP_CMD probe in detectFamily still flips the
	// mock's CMD55 tracking, so the first real command after it looks up
	// as isApp=true even though CMD1 is never actually app-specific.
	m.Script[mock.Key(proto.CmdSendOpCond, true)] = []mock.Reply{
		{Resp: lld.Response{0x80100000}},
	}
	m.Script[mock.Key(proto.CmdAllSendCID, false)] = []mock.Reply{
		{Resp: lld.Response{0x00000001, 0x4D4D4300, 0x00000000, 0x00000000}},
	}
	m.Script[mock.Key(proto.CmdSendRelativeAddr, false)] = []mock.Reply{
		{Resp: lld.Response{0x0002}},
	}
	m.Script[mock.Key(proto.CmdSendCSD, false)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.CmdSelDeselCard, false)] = []mock.Reply{{}}
	m.Script[mock.Key(proto.CmdSetBlocklen, false)] = []mock.Reply{{}}
}

func TestConnectMMCSwitchErrorFailsWidenBus(t *testing.T) {
	m := mock.New()
	scriptMMCUpToWidenBus(m)
	m.Script[mock.Key(proto.CmdSwitch, false)] = []mock.Reply{
		{Resp: lld.Response{1 << proto.StatusSwitchError}},
	}

	d := New(m)
	if err := d.Start(DefaultConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := d.Connect(); err == nil {
		t.Fatal("expected Connect to fail on MMC SWITCH_ERROR")
	}
	if got := d.State(); got != StateActive {
		t.Errorf("State() after failed Connect = %v, want ACTIVE", got)
	}
	if d.CardMode()&ModeMMC == 0 {
		t.Errorf("CardMode() = %v, want MMC family detected", d.CardMode())
	}
}

func TestConnectInvalidStatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic calling Connect from STOP")
		}
	}()

	d := New(mock.New())
	d.Connect()
}
