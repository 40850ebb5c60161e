// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"desk-gateway/internal/config"
)

// ErrNoData reports that a read produced no bytes within the port timeout.
// It is not a link failure; the transaction engine keeps reading until its
// own deadline expires.
var ErrNoData = errors.New("transport: receive timeout")

// ErrClosed reports an operation on a port that is not open.
var ErrClosed = errors.New("transport: port not open")

// Port is the byte-level boundary to the serial line. It provides no
// framing: reads may return partial frames or leftover bytes from another
// transmitter on the shared half-duplex bus.
type Port interface {
	Send(p []byte) error
	Receive(p []byte) (int, error)
}

// SerialPort owns the physical serial device. It supports closing and
// reopening in place so the connection supervisor can recover the link
// without rebuilding the components that hold a reference to it.
type SerialPort struct {
	cfg    config.SerialConfig
	logger *slog.Logger

	mu   sync.Mutex
	port serial.Port
}

// NewSerialPort creates an unopened serial port wrapper.
func NewSerialPort(cfg config.SerialConfig, logger *slog.Logger) *SerialPort {
	return &SerialPort{cfg: cfg, logger: logger}
}

// Open opens the serial device with the configured parameters.
func (s *SerialPort) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	port, err := serial.Open(&serial.Config{
		Address:  s.cfg.Device,
		BaudRate: s.cfg.Baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  s.timeout(),
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Device, err)
	}

	s.port = port
	s.logger.Info("Serial port opened", "device", s.cfg.Device, "baud", s.cfg.Baud)
	return nil
}

// Close closes the serial device. Safe to call on a closed port.
func (s *SerialPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// Reopen closes and reopens the device. Used by the supervisor after an
// I/O failure; the old descriptor may already be dead, so its close error
// is only logged.
func (s *SerialPort) Reopen() error {
	if err := s.Close(); err != nil {
		s.logger.Debug("Close before reopen failed", "error", err)
	}
	return s.Open()
}

// Send writes the whole buffer to the line.
func (s *SerialPort) Send(p []byte) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return ErrClosed
	}

	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			return fmt.Errorf("write %s: %w", s.cfg.Device, err)
		}
		p = p[n:]
	}
	return nil
}

// Receive reads whatever bytes are available within the port timeout.
// Returns ErrNoData when the timeout elapses with nothing received.
func (s *SerialPort) Receive(p []byte) (int, error) {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return 0, ErrClosed
	}

	n, err := port.Read(p)
	if errors.Is(err, serial.ErrTimeout) {
		return n, ErrNoData
	}
	if err != nil {
		return n, fmt.Errorf("read %s: %w", s.cfg.Device, err)
	}
	return n, nil
}

func (s *SerialPort) timeout() time.Duration {
	return time.Duration(s.cfg.TimeoutMs) * time.Millisecond
}
