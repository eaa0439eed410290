// SD/MMC command-protocol helpers
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package proto

import (
	"testing"

	"github.com/apdminc/sdmmc/sdmmc/lld"
	"github.com/apdminc/sdmmc/sdmmc/lld/mock"
)

func TestWaitForTransferStatePolls(t *testing.T) {
	m := mock.New()
	m.Script[mock.Key(CmdSendStatus, false)] = []mock.Reply{
		{Resp: lld.Response{uint32(StatePrg) << StatusCurrentState}},
		{Resp: lld.Response{uint32(StateTran) << StatusCurrentState}},
	}

	if err := WaitForTransferState(m, 1, 16, false); err != nil {
		t.Fatalf("WaitForTransferState: %v", err)
	}

	if len(m.Calls) != 2 {
		t.Fatalf("expected 2 SEND_STATUS calls, got %d", len(m.Calls))
	}
}

func TestWaitForTransferStateErrorBit(t *testing.T) {
	m := mock.New()
	m.Script[mock.Key(CmdSendStatus, false)] = []mock.Reply{
		{Resp: lld.Response{r1OutOfRange}},
	}

	if err := WaitForTransferState(m, 1, 16, false); err == nil {
		t.Fatal("expected error on R1 error bit, got nil")
	}
}

func TestWaitForTransferStateUnexpectedState(t *testing.T) {
	m := mock.New()
	m.Script[mock.Key(CmdSendStatus, false)] = []mock.Reply{
		{Resp: lld.Response{uint32(StateIdle) << StatusCurrentState}},
	}

	if err := WaitForTransferState(m, 1, 16, false); err == nil {
		t.Fatal("expected error on unexpected card state, got nil")
	}
}
