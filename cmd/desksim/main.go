// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

// desksim emulates the desk controller on a serial device. It answers the
// read/write-registers function the gateway speaks and drifts the height
// register while a movement command keeps arriving, so a gateway wired to
// the other end of a virtual serial pair (socat) behaves as against real
// hardware.
package main

import (
	"encoding/binary"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goburrow/serial"
	"github.com/tbrandon/mbserver"
)

const (
	funcReadWriteRegisters = 0x17
	heightRegister         = 7
	stepPerFrame           = 4 // raw units of travel per repeat frame
	minHeight              = 252
	maxHeight              = 470
)

// Target heights for the default panel preset codes.
var presetTargets = map[uint16]uint16{
	0x0004: 252,
	0x0008: 282,
	0x0010: 380,
	0x0020: 420,
}

type controller struct {
	logger *slog.Logger

	mu     sync.Mutex
	regs   [20]uint16
	target uint16
}

func newController(logger *slog.Logger, height uint16) *controller {
	c := &controller{logger: logger, target: height}
	c.regs[heightRegister] = height
	return c
}

// handle services one read/write-registers exchange: latch the command
// from the written panel block, advance the height one step, and return
// the register block.
func (c *controller) handle(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	data := frame.GetData()
	if len(data) < 9 {
		return nil, &mbserver.IllegalDataValue
	}

	readQty := binary.BigEndian.Uint16(data[2:4])
	writeQty := binary.BigEndian.Uint16(data[6:8])
	byteCount := int(data[8])
	if int(readQty) > len(c.regs) || byteCount != 2*int(writeQty) || len(data) < 9+byteCount {
		return nil, &mbserver.IllegalDataValue
	}

	words := make([]uint16, writeQty)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[9+2*i : 11+2*i])
	}

	c.mu.Lock()
	if len(words) > 2 {
		c.latch(words[2])
	}
	c.step()

	out := make([]byte, 1+2*readQty)
	out[0] = byte(2 * readQty)
	for i := 0; i < int(readQty); i++ {
		binary.BigEndian.PutUint16(out[1+2*i:], c.regs[i])
	}
	c.mu.Unlock()

	return out, &mbserver.Success
}

// latch updates the movement target from a panel button code.
func (c *controller) latch(code uint16) {
	switch code {
	case 0x0000: // idle releases the motor
		c.target = c.regs[heightRegister]
	case 0x0001:
		c.target = maxHeight
	case 0x0002:
		c.target = minHeight
	case 0x0009: // wake
	default:
		if t, ok := presetTargets[code]; ok {
			c.target = t
		}
	}
}

// step moves the height one frame's worth of travel toward the target.
func (c *controller) step() {
	h := c.regs[heightRegister]
	switch {
	case c.target > h:
		h += min16(stepPerFrame, c.target-h)
	case c.target < h:
		h -= min16(stepPerFrame, h-c.target)
	}
	if h != c.regs[heightRegister] {
		c.regs[heightRegister] = h
		c.logger.Debug("Height changed", "height_raw", h, "target", c.target)
	}
}

func min16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

func main() {
	var (
		device = flag.String("device", "/dev/ttyUSB1", "Serial device to listen on")
		baud   = flag.Int("baud", 57600, "Baud rate")
		height = flag.Int("height", 282, "Initial height in raw units")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctrl := newController(logger, uint16(*height))

	server := mbserver.NewServer()
	server.RegisterFunctionHandler(funcReadWriteRegisters, ctrl.handle)
	defer server.Close()

	err := server.ListenRTU(&serial.Config{
		Address:  *device,
		BaudRate: *baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  5 * time.Second,
	})
	if err != nil {
		logger.Error("Failed to listen", "device", *device, "error", err)
		os.Exit(1)
	}

	logger.Info("Desk simulator listening", "device", *device, "baud", *baud, "height_raw", *height)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Desk simulator stopped")
}
