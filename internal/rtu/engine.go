// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package rtu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"desk-gateway/internal/metrics"
	"desk-gateway/internal/transport"
)

// ErrTimeout reports that no valid response frame arrived before the
// transaction deadline.
var ErrTimeout = errors.New("rtu: response deadline exceeded")

// ErrGarbage reports that the discard limit was exceeded while hunting for
// a frame boundary in noise from the shared bus.
var ErrGarbage = errors.New("rtu: discard limit exceeded")

// PortError wraps a transport-level failure. Unlike ErrTimeout and
// ErrGarbage it is not locally recoverable and is surfaced to the
// connection supervisor.
type PortError struct {
	Op  string
	Err error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("rtu: %s: %v", e.Op, e.Err)
}

func (e *PortError) Unwrap() error {
	return e.Err
}

// Engine executes exactly one request/response exchange per call.
//
// The serial line is shared with the desk's physical button panel, so the
// receive buffer may contain fragments of unrelated traffic at any time.
// The engine never applies a frame that fails address, shape or CRC
// validation: such bytes are discarded one at a time until a valid frame
// aligns, the deadline elapses, or the discard limit is hit.
type Engine struct {
	port   transport.Port
	logger *slog.Logger

	// One transaction in flight at a time; concurrent callers queue here.
	mu sync.Mutex
}

// NewEngine creates a transaction engine on the given port.
func NewEngine(port transport.Port, logger *slog.Logger) *Engine {
	return &Engine{port: port, logger: logger}
}

// Execute sends the request frame and reads until a matching response is
// found. Returns ErrTimeout, ErrGarbage, an *ExceptionError, or a
// *PortError on transport failure.
func (e *Engine) Execute(tx Transaction) (Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.execute(tx)
	metrics.ObserveTransaction(resultLabel(err))
	return resp, err
}

func resultLabel(err error) string {
	var ex *ExceptionError
	var pe *PortError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrGarbage):
		return "garbage"
	case errors.As(err, &ex):
		return "exception"
	case errors.As(err, &pe):
		return "io"
	default:
		return "error"
	}
}

func (e *Engine) execute(tx Transaction) (Response, error) {
	req := buildRequest(tx)
	if err := e.port.Send(req); err != nil {
		return Response{}, &PortError{Op: "send", Err: err}
	}

	want := responseLength(tx.ReadQuantity)
	deadline := time.Now().Add(tx.Deadline)

	buf := make([]byte, 0, want+64)
	chunk := make([]byte, 256)
	discarded := 0

	for {
		resp, found, err := e.scan(tx, &buf, &discarded, want)
		if err != nil {
			return Response{}, err
		}
		if found {
			if discarded > 0 {
				e.logger.Debug("Resynchronized after bus noise", "discarded", discarded)
			}
			return resp, nil
		}
		if discarded > tx.DiscardLimit {
			metrics.DiscardedBytes.Add(float64(discarded))
			return Response{}, ErrGarbage
		}
		if time.Now().After(deadline) {
			metrics.DiscardedBytes.Add(float64(discarded))
			return Response{}, ErrTimeout
		}

		n, err := e.port.Receive(chunk)
		if err != nil && !errors.Is(err, transport.ErrNoData) {
			return Response{}, &PortError{Op: "receive", Err: err}
		}
		buf = append(buf, chunk[:n]...)
	}
}

// scan hunts for a valid frame at the front of buf. Bytes that cannot
// start the expected response are dropped one at a time. Returns
// found=false with a nil error when more bytes are needed.
func (e *Engine) scan(tx Transaction, buf *[]byte, discarded *int, want int) (Response, bool, error) {
	b := *buf
	defer func() { *buf = b }()

	drop := func() {
		b = b[1:]
		*discarded++
	}

	for len(b) > 0 {
		if b[0] != tx.Station {
			drop()
			continue
		}
		if len(b) < 2 {
			return Response{}, false, nil
		}

		switch b[1] {
		case FuncReadWriteRegisters:
			if len(b) < 3 {
				return Response{}, false, nil
			}
			if int(b[2]) != 2*int(tx.ReadQuantity) {
				drop()
				continue
			}
			if len(b) < want {
				return Response{}, false, nil
			}
			if !validCRC(b[:want]) {
				drop()
				continue
			}
			resp := parseResponse(tx, b[:want])
			b = b[want:]
			metrics.DiscardedBytes.Add(float64(*discarded))
			return resp, true, nil

		case FuncReadWriteRegisters | 0x80:
			if len(b) < exceptionLength {
				return Response{}, false, nil
			}
			if !validCRC(b[:exceptionLength]) {
				drop()
				continue
			}
			code := b[2]
			b = b[exceptionLength:]
			return Response{}, false, &ExceptionError{Code: code}

		default:
			drop()
		}
	}
	return Response{}, false, nil
}
