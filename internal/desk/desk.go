// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package desk

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"desk-gateway/internal/config"
	"desk-gateway/internal/metrics"
	"desk-gateway/internal/rtu"
)

// Engine abstracts the transaction engine so tests can script exchanges.
type Engine interface {
	Execute(tx rtu.Transaction) (rtu.Response, error)
}

// Health receives every transaction outcome and gates access to the
// serial link. Implemented by the connection supervisor.
type Health interface {
	Report(err error)
	SerialReady() bool
}

// nopHealth is used until a supervisor is attached (tests, dry runs).
type nopHealth struct{}

func (nopHealth) Report(error)      {}
func (nopHealth) SerialReady() bool { return true }

var errLinkDown = errors.New("desk: serial link down")

// Desk is the sole owner of desk state. All controller exchanges flow
// through its single run loop, so commands issued concurrently are
// queued and executed strictly one at a time.
type Desk struct {
	cfg    *config.Config
	engine Engine
	logger *slog.Logger
	health Health

	mu    sync.RWMutex
	state State

	subsMu sync.RWMutex
	subs   map[chan Update]struct{}

	ops  chan op
	stop chan struct{}
	done chan struct{}
}

type opKind int

const (
	opPreset opKind = iota + 1
	opRefresh
	opMove
	opStop
)

type op struct {
	kind   opKind
	preset int
	dir    Direction
}

// New creates a desk model on the given engine.
func New(cfg *config.Config, engine Engine, logger *slog.Logger) *Desk {
	return &Desk{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		health: nopHealth{},
		subs:   make(map[chan Update]struct{}),
		ops:    make(chan op, 8),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SetHealth attaches the connection supervisor. Must be called before Start.
func (d *Desk) SetHealth(h Health) {
	d.health = h
}

// Start launches the run loop.
func (d *Desk) Start() {
	go d.run()
}

// Stop drains the run loop. If a movement is active it is released with
// an idle frame so the controller does not keep driving the motor.
func (d *Desk) Stop() {
	close(d.stop)
	<-d.done
}

// State returns a snapshot of the desk state.
func (d *Desk) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Subscribe returns a channel receiving state updates
func (d *Desk) Subscribe() chan Update {
	ch := make(chan Update, 16)
	d.subsMu.Lock()
	d.subs[ch] = struct{}{}
	d.subsMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber
func (d *Desk) Unsubscribe(ch chan Update) {
	d.subsMu.Lock()
	delete(d.subs, ch)
	close(ch)
	d.subsMu.Unlock()
}

// MoveToPreset queues a move to preset n (1-4).
func (d *Desk) MoveToPreset(n int) error {
	if _, ok := d.cfg.Presets[n]; !ok {
		return fmt.Errorf("desk: unknown preset %d", n)
	}
	return d.enqueue(op{kind: opPreset, preset: n})
}

// Refresh queues a height query. The result is applied and broadcast
// even when the height is unchanged.
func (d *Desk) Refresh() error {
	return d.enqueue(op{kind: opRefresh})
}

// Move queues a continuous move in the given direction.
func (d *Desk) Move(dir Direction) error {
	if dir != DirUp && dir != DirDown {
		return fmt.Errorf("desk: invalid direction %d", dir)
	}
	return d.enqueue(op{kind: opMove, dir: dir})
}

// StopMove queues a stop request. It only has effect while moving.
func (d *Desk) StopMove() error {
	return d.enqueue(op{kind: opStop})
}

func (d *Desk) enqueue(o op) error {
	select {
	case d.ops <- o:
		return nil
	default:
		return errors.New("desk: command queue full")
	}
}

// run owns the engine: exactly one exchange in flight, in issue order.
func (d *Desk) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.IdlePoll())
	defer ticker.Stop()

	// Prime the height cache; failure here is the expected post-restart
	// noise case and the next poll will retry.
	d.refresh()

	for {
		select {
		case <-d.stop:
			d.release()
			return
		case o := <-d.ops:
			d.handle(o)
		case <-ticker.C:
			d.refresh()
		}
	}
}

func (d *Desk) handle(o op) {
	switch o.kind {
	case opRefresh:
		d.refresh()
	case opPreset:
		d.move(d.cfg.Presets[o.preset], o.preset)
	case opMove:
		code := codeUp
		if o.dir == DirDown {
			code = codeDown
		}
		d.move(code, 0)
	case opStop:
		// No movement in progress; nothing to stop.
	}
}

// refresh performs one height query and applies the result. Failed
// queries leave the state untouched (stale-but-valid).
func (d *Desk) refresh() {
	raw, err := d.readHeight()
	if err != nil {
		if !errors.Is(err, errLinkDown) {
			d.logger.Warn("Height query failed", "error", err)
		}
		return
	}
	d.applyHeight(raw)
}

// readHeight exchanges an idle frame and extracts the height register.
// Timeout and garbage failures are retried immediately: the noise that
// caused them was purged by the failed read itself.
func (d *Desk) readHeight() (uint16, error) {
	for attempt := 0; ; attempt++ {
		resp, err := d.exchange(commandWords(codeIdle, 0))
		if err == nil {
			return resp.Registers[d.cfg.Desk.HeightRegister], nil
		}
		if attempt >= d.cfg.Desk.Retries || !retryable(err) {
			return 0, err
		}
		metrics.RetriesTotal.Inc()
	}
}

// exchange runs one transaction and reports the outcome to the supervisor.
func (d *Desk) exchange(words []uint16) (rtu.Response, error) {
	if !d.health.SerialReady() {
		return rtu.Response{}, errLinkDown
	}
	resp, err := d.engine.Execute(rtu.Transaction{
		Station:      d.cfg.Desk.Station,
		ReadBase:     d.cfg.Desk.ReadBase,
		ReadQuantity: d.cfg.Desk.ReadQuantity,
		WriteBase:    d.cfg.Desk.WriteBase,
		Words:        words,
		Deadline:     d.cfg.Deadline(),
		DiscardLimit: d.cfg.Desk.DiscardLimit,
	})
	d.health.Report(err)
	return resp, err
}

func retryable(err error) bool {
	return errors.Is(err, rtu.ErrTimeout) || errors.Is(err, rtu.ErrGarbage)
}

// move drives one movement: wake, lead frame, then repeat frames until
// the height stabilizes, the move deadline passes, or a stop arrives.
// The controller only keeps the motor engaged while frames keep coming,
// so the loop cadence doubles as a dead-man switch.
func (d *Desk) move(code uint16, preset int) {
	// The controller sleeps between interactions; the wake exchange also
	// purges panel noise buffered since the last transaction, so its
	// failures are benign. Bounded like any other poll.
	if _, err := d.retryExchange(commandWords(codeWake, 0)); err != nil {
		d.logger.Warn("Wake failed, aborting move", "preset", preset, "error", err)
		return
	}
	if _, err := d.retryExchange(commandWords(codeIdle, 0)); err != nil {
		d.logger.Warn("Idle handshake failed, aborting move", "preset", preset, "error", err)
		return
	}

	resp, err := d.retryExchange(commandWords(code, 0))
	if err != nil {
		d.logger.Warn("Lead frame failed, aborting move", "preset", preset, "error", err)
		return
	}

	d.setMoving(true, preset)
	d.logger.Info("Movement started", "preset", preset, "code", fmt.Sprintf("0x%04X", code))

	last := resp.Registers[d.cfg.Desk.HeightRegister]
	d.applyHeight(last)

	deadline := time.Now().Add(d.cfg.MoveTimeout())
	stable := 0
	repeat := commandWords(code, code)

	ticker := time.NewTicker(d.cfg.MovePoll())
	defer ticker.Stop()

loop:
	for {
		select {
		case <-d.stop:
			break loop
		case o := <-d.ops:
			switch o.kind {
			case opStop:
				d.logger.Info("Movement stopped by request")
				break loop
			case opPreset, opMove:
				if o.kind == opPreset {
					code = d.cfg.Presets[o.preset]
					preset = o.preset
				} else {
					code = codeUp
					if o.dir == DirDown {
						code = codeDown
					}
					preset = 0
				}
				// The controller treats a code change like a new button
				// press: lead frame first, then repeats.
				if _, err := d.retryExchange(commandWords(code, 0)); err != nil {
					d.logger.Warn("Lead frame failed, aborting move", "preset", preset, "error", err)
					break loop
				}
				repeat = commandWords(code, code)
				stable = 0
				deadline = time.Now().Add(d.cfg.MoveTimeout())
				d.setMoving(true, preset)
			case opRefresh:
				// Movement polls already refresh the height.
			}
		case <-ticker.C:
			if time.Now().After(deadline) {
				d.logger.Warn("Movement deadline reached", "preset", preset)
				break loop
			}
			resp, err := d.exchange(repeat)
			if err != nil {
				if retryable(err) {
					continue
				}
				d.logger.Warn("Movement aborted on link failure", "error", err)
				break loop
			}
			raw := resp.Registers[d.cfg.Desk.HeightRegister]
			d.applyHeight(raw)
			if raw == last {
				stable++
				if stable >= d.cfg.Desk.StablePolls {
					d.logger.Info("Height stable, movement complete", "height_raw", raw)
					break loop
				}
			} else {
				stable = 0
				last = raw
			}
		}
	}

	if _, err := d.exchange(commandWords(codeIdle, 0)); err != nil {
		d.logger.Warn("Idle release failed", "error", err)
	}
	d.setMoving(false, preset)
}

// retryExchange is exchange with the poll retry policy applied.
func (d *Desk) retryExchange(words []uint16) (rtu.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := d.exchange(words)
		if err == nil {
			return resp, nil
		}
		if attempt >= d.cfg.Desk.Retries || !retryable(err) {
			return rtu.Response{}, err
		}
		metrics.RetriesTotal.Inc()
	}
}

// release sends a best-effort idle frame on shutdown.
func (d *Desk) release() {
	if d.health.SerialReady() {
		if _, err := d.exchange(commandWords(codeIdle, 0)); err != nil {
			d.logger.Debug("Idle frame on shutdown failed", "error", err)
		}
	}
}

// applyHeight is the only place a transaction result becomes state.
func (d *Desk) applyHeight(raw uint16) {
	d.mu.Lock()
	d.state.HeightRaw = raw
	d.state.Height = d.cfg.Height(raw)
	d.state.Known = true
	d.state.LastUpdated = time.Now()
	st := d.state
	d.mu.Unlock()

	metrics.Height.Set(st.Height)
	d.broadcast(st)
}

// setMoving records the movement flag and its target. A zero preset is a
// continuous move and clears any previously latched preset.
func (d *Desk) setMoving(moving bool, preset int) {
	d.mu.Lock()
	d.state.Moving = moving
	d.state.LastPreset = preset
	st := d.state
	d.mu.Unlock()

	metrics.SetMoving(moving)
	d.broadcast(st)
}

// broadcast fans a state snapshot out to subscribers; slow subscribers
// miss updates rather than blocking the run loop.
func (d *Desk) broadcast(st State) {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()

	if len(d.subs) == 0 {
		return
	}

	data, _ := json.Marshal(st)
	u := Update{State: st, Data: data}
	for ch := range d.subs {
		select {
		case ch <- u:
		default:
			// Subscriber full, skip
		}
	}
}
