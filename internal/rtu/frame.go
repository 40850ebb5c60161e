// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package rtu

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sigurn/crc16"
)

// FuncReadWriteRegisters is the only function code the desk controller
// speaks: every exchange reads its memory block and writes the panel
// emulation words in one transaction.
const FuncReadWriteRegisters = 0x17

// exceptionLength is the fixed size of a Modbus exception response:
// station, fc|0x80, exception code, CRC.
const exceptionLength = 5

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Transaction describes one request/response exchange on the line.
type Transaction struct {
	Station      byte
	ReadBase     uint16
	ReadQuantity uint16
	WriteBase    uint16
	Words        []uint16 // panel emulation words written with every request
	Deadline     time.Duration
	DiscardLimit int // max noise bytes discarded before giving up
}

// Response is a successfully parsed controller response.
type Response struct {
	Station   byte
	Registers []uint16
}

// ExceptionError is a well-formed exception response from the controller.
// The frame itself is valid; the operation failed.
type ExceptionError struct {
	Code byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("rtu: controller exception 0x%02X", e.Code)
}

// buildRequest serializes the request ADU:
// station, fc, read base, read qty, write base, write qty, byte count,
// write words, CRC (lo, hi).
func buildRequest(tx Transaction) []byte {
	n := len(tx.Words)
	adu := make([]byte, 0, 10+2*n+2)
	adu = append(adu, tx.Station, FuncReadWriteRegisters)
	adu = binary.BigEndian.AppendUint16(adu, tx.ReadBase)
	adu = binary.BigEndian.AppendUint16(adu, tx.ReadQuantity)
	adu = binary.BigEndian.AppendUint16(adu, tx.WriteBase)
	adu = binary.BigEndian.AppendUint16(adu, uint16(n))
	adu = append(adu, byte(2*n))
	for _, w := range tx.Words {
		adu = binary.BigEndian.AppendUint16(adu, w)
	}
	return appendCRC(adu)
}

// responseLength is the full ADU size for a read of qty registers:
// station, fc, byte count, registers, CRC.
func responseLength(qty uint16) int {
	return 5 + 2*int(qty)
}

// appendCRC appends the CRC-16/MODBUS of the frame, low byte first.
func appendCRC(frame []byte) []byte {
	crc := crc16.Checksum(frame, crcTable)
	return append(frame, byte(crc), byte(crc>>8))
}

// validCRC checks the trailing CRC of a complete frame.
func validCRC(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 2
	crc := crc16.Checksum(frame[:n], crcTable)
	return frame[n] == byte(crc) && frame[n+1] == byte(crc>>8)
}

// parseResponse decodes the register payload of a validated response frame.
func parseResponse(tx Transaction, frame []byte) Response {
	regs := make([]uint16, tx.ReadQuantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(frame[3+2*i:])
	}
	return Response{Station: frame[0], Registers: regs}
}
