// Scripted lld.LLD test double
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mock implements a scripted lld.LLD used to drive the connection
// engine and block-device facade through the end-to-end scenarios named in
// spec.md §8 without real hardware.
package mock

import (
	"errors"
	"fmt"

	"github.com/apdminc/sdmmc/sdmmc/lld"
)

// Script maps a (cmd, isApp) pair to a scripted response sequence. Each call
// consumes the next entry in the slice; the last entry repeats once
// exhausted, letting tests script a finite prefix (e.g. "3rd ACMD41 succeeds")
// and let polling settle on the final value.
type Script map[key][]Reply

type key struct {
	cmd   uint32
	isApp bool
}

// Reply is one scripted response to a command.
type Reply struct {
	Resp lld.Response
	Err  error
}

// LLD is a scripted, in-memory lld.LLD implementation.
type LLD struct {
	Script Script

	// Calls records every (cmd, arg) pair issued, in order, for assertions.
	// ReadBlocks and WriteBlocks also append one entry each, with Cmd 18
	// (READ_MULTIPLE_BLOCK) or 25 (WRITE_MULTIPLE_BLOCK) and Arg startblk.
	Calls []Call

	// Blocks holds the backing store addressed by ReadBlocks/WriteBlocks.
	Blocks map[uint32][512]byte

	// ExtCSD holds the bytes returned by ReadExtCSD, indexed by offset.
	ExtCSD []byte

	Inserted       bool
	WriteProtected bool

	nextIsApp bool
	counters  map[key]int

	BusWidth lld.Width

	// Failures, when set, force the named capability call to fail.
	FailStart, FailStop, FailStartClock, FailStopClock, FailSetDataClock error
	FailReadBlocks, FailWriteBlocks, FailSync                           error
}

// Call records one issued command.
type Call struct {
	Cmd   uint32
	Arg   uint32
	IsApp bool
}

// New returns an empty scripted LLD ready for Script/Blocks population.
func New() *LLD {
	return &LLD{
		Script:   Script{},
		Blocks:   map[uint32][512]byte{},
		Inserted: true,
		counters: map[key]int{},
	}
}

func (m *LLD) Init() error  { return nil }
func (m *LLD) Start() error { return m.FailStart }
func (m *LLD) Stop() error  { return m.FailStop }

func (m *LLD) StartClock() error    { return m.FailStartClock }
func (m *LLD) StopClock() error     { return m.FailStopClock }
func (m *LLD) SetDataClock() error  { return m.FailSetDataClock }

func (m *LLD) SetBusWidth(width lld.Width) error {
	m.BusWidth = width
	return nil
}

func (m *LLD) IsCardInserted() bool    { return m.Inserted }
func (m *LLD) IsWriteProtected() bool  { return m.WriteProtected }

func (m *LLD) SendCmdNone(cmd uint32, arg uint32) error {
	_, err := m.reply(cmd, arg)
	return err
}

func (m *LLD) SendCmdShort(cmd uint32, arg uint32) (lld.Response, error) {
	return m.reply(cmd, arg)
}

func (m *LLD) SendCmdShortCRC(cmd uint32, arg uint32) (lld.Response, error) {
	return m.reply(cmd, arg)
}

func (m *LLD) SendCmdLongCRC(cmd uint32, arg uint32) (lld.Response, error) {
	return m.reply(cmd, arg)
}

// reply looks up the scripted response for cmd, tracking the CMD55/ACMD
// pairing so a Script can distinguish MMC's CMD6 (SWITCH) from SD's ACMD6
// (SET_BUS_WIDTH) — both index 6 on the wire — and, more generally, any
// CMD55 call from any other, by whether the preceding command was APP_CMD.
func (m *LLD) reply(cmd uint32, arg uint32) (lld.Response, error) {
	isApp := m.nextIsApp
	m.nextIsApp = cmd == 55 // CmdAppCmd

	k := key{cmd, isApp}
	m.Calls = append(m.Calls, Call{Cmd: cmd, Arg: arg, IsApp: isApp})

	replies, ok := m.Script[k]
	if !ok || len(replies) == 0 {
		return lld.Response{}, fmt.Errorf("mock: no scripted response for cmd=%d isApp=%v", cmd, isApp)
	}

	i := m.counters[k]
	if i >= len(replies) {
		i = len(replies) - 1
	}
	m.counters[k] = i + 1

	return replies[i].Resp, replies[i].Err
}

func (m *LLD) ReadBlocks(startblk uint32, buf []byte, n uint32) error {
	m.Calls = append(m.Calls, Call{Cmd: 18, Arg: startblk})
	if m.FailReadBlocks != nil {
		return m.FailReadBlocks
	}
	if uint32(len(buf)) < n*512 {
		return errors.New("mock: short read buffer")
	}
	for i := uint32(0); i < n; i++ {
		b := m.Blocks[startblk+i]
		copy(buf[i*512:(i+1)*512], b[:])
	}
	return nil
}

func (m *LLD) WriteBlocks(startblk uint32, buf []byte, n uint32) error {
	m.Calls = append(m.Calls, Call{Cmd: 25, Arg: startblk})
	if m.FailWriteBlocks != nil {
		return m.FailWriteBlocks
	}
	if uint32(len(buf)) < n*512 {
		return errors.New("mock: short write buffer")
	}
	for i := uint32(0); i < n; i++ {
		var b [512]byte
		copy(b[:], buf[i*512:(i+1)*512])
		m.Blocks[startblk+i] = b
	}
	return nil
}

func (m *LLD) ReadExtCSD(buf []byte, offset int, length int) error {
	if offset+length > len(m.ExtCSD) {
		return fmt.Errorf("mock: EXT_CSD read out of range (offset=%d length=%d)", offset, length)
	}
	copy(buf, m.ExtCSD[offset:offset+length])
	return nil
}

func (m *LLD) Sync() error { return m.FailSync }

// Key builds the lookup key a test uses to script a (cmd, isApp) pair.
func Key(cmd uint32, isApp bool) key { return key{cmd, isApp} }
