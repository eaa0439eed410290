// SD/MMC host driver: initialization handshake and block-device state machine
// https://github.com/apdminc/sdmmc
//
// Copyright (c) The apdminc Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

// State is the lifecycle state of a Driver instance. Only STOP, ACTIVE, and
// READY are ever observable once an operation returns; the others are
// transient markers held only while an operation's body is executing, to
// advertise exclusive use to any concurrent observer (spec.md §4.4, §9).
type State int

const (
	// StateStop is the state a Driver is constructed in, and returns to
	// after Stop.
	StateStop State = iota
	// StateActive is entered on Start, and is the state Connect/Disconnect
	// pivot around.
	StateActive
	// StateConnecting is held for the duration of Connect.
	StateConnecting
	// StateReady is entered once Connect succeeds; I/O operations require it.
	StateReady
	// StateDisconnecting is held for the duration of Disconnect when
	// leaving StateReady.
	StateDisconnecting
	// StateReading is held for the duration of Read.
	StateReading
	// StateWriting is held for the duration of Write and Erase.
	StateWriting
	// StateSyncing is held for the duration of Sync.
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateStop:
		return "STOP"
	case StateActive:
		return "ACTIVE"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateReading:
		return "READING"
	case StateWriting:
		return "WRITING"
	case StateSyncing:
		return "SYNCING"
	default:
		return "UNKNOWN"
	}
}
