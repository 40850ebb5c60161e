// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package desk

import "time"

// State is the authoritative in-memory desk state. Height is a cache: it
// is only trusted immediately after a successful read, and a restart
// loses it until the next query (Known=false).
type State struct {
	Height      float64   `json:"height"`     // inches
	HeightRaw   uint16    `json:"height_raw"` // controller units
	Known       bool      `json:"known"`      // height observed since startup
	Moving      bool      `json:"moving"`
	LastPreset  int       `json:"last_preset,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Update is broadcast to subscribers on every state change. Data carries
// the pre-marshaled JSON so WebSocket fan-out never re-encodes.
type Update struct {
	State State
	Data  []byte
}

// Direction of a continuous move.
type Direction int

const (
	DirUp Direction = iota + 1
	DirDown
)

func (d Direction) String() string {
	switch d {
	case DirUp:
		return "up"
	case DirDown:
		return "down"
	}
	return "unknown"
}

// Panel button codes written to word 2 of the emulation block. The wake
// code rouses a sleeping controller; up/down are the momentary buttons.
// Preset codes come from configuration.
const (
	codeIdle uint16 = 0x0000
	codeUp   uint16 = 0x0001
	codeDown uint16 = 0x0002
	codeWake uint16 = 0x0009
)

// panelTemplate is the fixed image of the button panel's memory block as
// captured from the confirmed-compatible controller. Only words 2 (button
// code) and 3 (repeat code) vary between commands.
var panelTemplate = [14]uint16{
	0x0000, 0x0000, 0x0000, 0x0000, 0x0008, 0x0005, 0x0001,
	0x005A, 0x0011, 0x0008, 0x0017, 0x0000, 0x0000, 0x0000,
}

// commandWords builds the emulation block for a button code. A lead frame
// carries repeat=0; repeat frames carry repeat=code and are re-sent every
// movement poll to keep the controller driving the motor.
func commandWords(code, repeat uint16) []uint16 {
	w := panelTemplate
	w[2] = code
	w[3] = repeat
	return w[:]
}
