// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package rtu

import (
	"testing"
	"time"
)

func testTransaction() Transaction {
	return Transaction{
		Station:      1,
		ReadBase:     0x09C4,
		ReadQuantity: 20,
		WriteBase:    0x0A8C,
		Words:        make([]uint16, 14),
		Deadline:     time.Second,
		DiscardLimit: 256,
	}
}

func TestBuildRequest(t *testing.T) {
	tx := testTransaction()
	tx.Words[2] = 0x0009

	req := buildRequest(tx)

	// station, fc, 4 addresses/quantities, byte count, 14 words, CRC
	if len(req) != 41 {
		t.Fatalf("Expected 41 byte request, got %d", len(req))
	}
	if req[0] != 1 || req[1] != FuncReadWriteRegisters {
		t.Errorf("Bad header: % X", req[:2])
	}
	if req[2] != 0x09 || req[3] != 0xC4 {
		t.Errorf("Bad read base: % X", req[2:4])
	}
	if req[6] != 0x0A || req[7] != 0x8C {
		t.Errorf("Bad write base: % X", req[6:8])
	}
	if req[10] != 28 {
		t.Errorf("Expected byte count 28, got %d", req[10])
	}
	// word 2 lands at offset 11 + 2*2
	if req[15] != 0x00 || req[16] != 0x09 {
		t.Errorf("Bad command word: % X", req[15:17])
	}
	if !validCRC(req) {
		t.Error("Request CRC invalid")
	}
}

func TestValidCRCDetectsCorruption(t *testing.T) {
	frame := appendCRC([]byte{0x01, 0x17, 0x02, 0xAB, 0xCD})
	if !validCRC(frame) {
		t.Fatal("Fresh frame should validate")
	}

	frame[3] ^= 0x01
	if validCRC(frame) {
		t.Error("Corrupted frame should not validate")
	}
}

func TestValidCRCShortFrame(t *testing.T) {
	if validCRC([]byte{0x01, 0x17}) {
		t.Error("Two byte frame cannot carry a CRC")
	}
}

func TestResponseLength(t *testing.T) {
	if got := responseLength(20); got != 45 {
		t.Errorf("Expected 45, got %d", got)
	}
	if got := responseLength(1); got != 7 {
		t.Errorf("Expected 7, got %d", got)
	}
}

func TestParseResponse(t *testing.T) {
	tx := testTransaction()
	tx.ReadQuantity = 3

	frame := appendCRC([]byte{0x01, 0x17, 0x06, 0x01, 0x1A, 0x00, 0x00, 0xFF, 0xFF})
	resp := parseResponse(tx, frame)

	if resp.Station != 1 {
		t.Errorf("Expected station 1, got %d", resp.Station)
	}
	want := []uint16{0x011A, 0x0000, 0xFFFF}
	for i, w := range want {
		if resp.Registers[i] != w {
			t.Errorf("Register %d: expected 0x%04X, got 0x%04X", i, w, resp.Registers[i])
		}
	}
}
