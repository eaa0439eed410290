// Linux mmc_block MMC_IOC_CMD backend for lld.LLD
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package linuxmmc implements lld.LLD by issuing MMC_IOC_CMD ioctls against
// a Linux mmc_block device node, letting the kernel's own host controller
// driver do the register-level work this module's connection engine would
// otherwise have to.
//
// Grounded on the raw-ioctl idiom in other_examples' go-ublk queue runner
// (syscall.Syscall6 with pointer-packed request structs) and on
// golang.org/x/sys/unix for the error/errno plumbing, generalized from
// ublk's NVMe-like descriptor ring to the single-command MMC_IOC_CMD ABI
// (linux/mmc/ioctl.h).
package linuxmmc

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/apdminc/sdmmc/sdmmc/lld"
)

// From linux/mmc/ioctl.h.
const (
	mmcIocCmd    = 0xC0485500 // _IOWR(MMC_BLOCK_MAJOR, 0, struct mmc_ioc_cmd)
	mmcRspPresent = 1 << 0
	mmcRsp136     = 1 << 1
	mmcRspCRC     = 1 << 2
	mmcRspBusy    = 1 << 3
	mmcRspOpcode  = 1 << 4

	mmcRspR1  = mmcRspPresent | mmcRspCRC | mmcRspOpcode
	mmcRspR1B = mmcRspR1 | mmcRspBusy
	mmcRspR2  = mmcRspPresent | mmcRsp136 | mmcRspCRC
	mmcRspR3  = mmcRspPresent

	mmcCmdAC   = 0
	mmcCmdADTC = 1

	mmcWriteData = 1
	mmcReadData  = 0
)

// mmcIocCmdStruct mirrors struct mmc_ioc_cmd, packed exactly as the kernel
// ABI expects (no Go struct padding games: every field here is naturally
// aligned already).
type mmcIocCmdStruct struct {
	writeFlag int32
	isAcmd    uint8
	_         [3]byte
	opcode    uint32
	arg       uint32
	response  [4]uint32
	flags     uint32
	blksz     uint32
	blocks    uint32
	_         uint32 // postsleep_min_us
	_         uint32 // postsleep_max_us
	_         uint32 // data_timeout_ns
	_         uint32 // cmd_timeout_ms
	_         uint32 // reserved
	dataPtr   uint64
}

// LLD drives a card through the Linux kernel's mmc_block ioctl interface.
// Device names the block device node, e.g. "/dev/mmcblk0".
type LLD struct {
	Device string

	mu sync.Mutex
	fd int

	width lld.Width
}

// New returns an unopened LLD targeting device.
func New(device string) *LLD {
	return &LLD{Device: device, width: lld.Width1}
}

func (l *LLD) Init() error { return nil }

func (l *LLD) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd, err := unix.Open(l.Device, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("linuxmmc: open %s: %w", l.Device, err)
	}
	l.fd = fd
	return nil
}

func (l *LLD) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fd == 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = 0
	return err
}

// StartClock, StopClock, and SetDataClock are no-ops: the kernel's mmc_host
// driver owns clock gating and negotiates the operating frequency itself
// once it sees a card respond.
func (l *LLD) StartClock() error   { return nil }
func (l *LLD) StopClock() error    { return nil }
func (l *LLD) SetDataClock() error { return nil }

// SetBusWidth is recorded but not separately enacted: the kernel's own
// mmc_block/mmc_core already widened the bus during its own enumeration of
// this card before userspace ever opened the device node.
func (l *LLD) SetBusWidth(width lld.Width) error {
	l.width = width
	return nil
}

func (l *LLD) IsCardInserted() bool {
	_, err := os.Stat(l.Device)
	return err == nil
}

// IsWriteProtected has no ioctl equivalent exposed by mmc_block; the kernel
// itself would refuse writes to a protected card, so this conservatively
// reports false and lets such a write fail at the ReadBlocks/WriteBlocks
// call instead.
func (l *LLD) IsWriteProtected() bool { return false }

func (l *LLD) ioctl(c *mmcIocCmdStruct) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(l.fd), uintptr(mmcIocCmd), uintptr(unsafe.Pointer(c)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (l *LLD) SendCmdNone(cmd uint32, arg uint32) error {
	c := &mmcIocCmdStruct{opcode: cmd, arg: arg, flags: mmcCmdAC}
	return l.ioctl(c)
}

func (l *LLD) SendCmdShort(cmd uint32, arg uint32) (lld.Response, error) {
	c := &mmcIocCmdStruct{opcode: cmd, arg: arg, flags: mmcRspR3}
	if err := l.ioctl(c); err != nil {
		return lld.Response{}, err
	}
	return lld.Response{c.response[0]}, nil
}

func (l *LLD) SendCmdShortCRC(cmd uint32, arg uint32) (lld.Response, error) {
	c := &mmcIocCmdStruct{opcode: cmd, arg: arg, flags: mmcRspR1}
	if err := l.ioctl(c); err != nil {
		return lld.Response{}, err
	}
	return lld.Response{c.response[0]}, nil
}

func (l *LLD) SendCmdLongCRC(cmd uint32, arg uint32) (lld.Response, error) {
	c := &mmcIocCmdStruct{opcode: cmd, arg: arg, flags: mmcRspR2}
	if err := l.ioctl(c); err != nil {
		return lld.Response{}, err
	}
	return lld.Response(c.response), nil
}

func (l *LLD) ReadBlocks(startblk uint32, buf []byte, n uint32) error {
	if uint32(len(buf)) < n*512 {
		return fmt.Errorf("linuxmmc: short read buffer")
	}
	c := &mmcIocCmdStruct{
		opcode:   17, // READ_SINGLE_BLOCK / READ_MULTIPLE_BLOCK
		arg:      startblk,
		flags:    mmcRspR1,
		writeFlag: mmcReadData,
		blksz:    512,
		blocks:   n,
		dataPtr:  uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	if n > 1 {
		c.opcode = 18
	}
	return l.ioctl(c)
}

func (l *LLD) WriteBlocks(startblk uint32, buf []byte, n uint32) error {
	if uint32(len(buf)) < n*512 {
		return fmt.Errorf("linuxmmc: short write buffer")
	}
	c := &mmcIocCmdStruct{
		opcode:   24, // WRITE_BLOCK / WRITE_MULTIPLE_BLOCK
		arg:      startblk,
		flags:    mmcRspR1B,
		writeFlag: mmcWriteData,
		blksz:    512,
		blocks:   n,
		dataPtr:  uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	if n > 1 {
		c.opcode = 25
	}
	return l.ioctl(c)
}

// ReadExtCSD reads the full 512-byte EXT_CSD register via CMD8
// (SEND_EXT_CSD) and slices out [offset, offset+length).
func (l *LLD) ReadExtCSD(buf []byte, offset int, length int) error {
	full := make([]byte, 512)
	c := &mmcIocCmdStruct{
		opcode:   8,
		flags:    mmcRspR1,
		writeFlag: mmcReadData,
		blksz:    512,
		blocks:   1,
		dataPtr:  uint64(uintptr(unsafe.Pointer(&full[0]))),
	}
	if err := l.ioctl(c); err != nil {
		return fmt.Errorf("linuxmmc: SEND_EXT_CSD: %w", err)
	}
	if offset+length > len(full) {
		return fmt.Errorf("linuxmmc: EXT_CSD read out of range (offset=%d length=%d)", offset, length)
	}
	copy(buf, full[offset:offset+length])
	return nil
}

// Sync flushes any write cache the kernel is still holding for this device.
func (l *LLD) Sync() error {
	l.mu.Lock()
	fd := l.fd
	l.mu.Unlock()
	return unix.Fsync(fd)
}
