// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package supervisor

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"desk-gateway/internal/config"
	"desk-gateway/internal/metrics"
	"desk-gateway/internal/rtu"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// SerialLink is the part of the transport the supervisor owns: opening,
// closing and reopening the device.
type SerialLink interface {
	Reopen() error
	Close() error
}

// Supervisor owns connectivity state for both external connections and is
// its only writer. The liveness indicator it derives is ON iff the bus is
// connected and the serial link is up and healthy.
//
// Transaction outcomes feed it via Report: transport failures take the
// serial link down and trigger a reopen loop with capped backoff, while a
// run of timeout/garbage failures past the configured threshold flags the
// link unhealthy until a transaction succeeds again.
type Supervisor struct {
	cfg    *config.Config
	link   SerialLink
	logger *slog.Logger

	mu        sync.Mutex
	serialUp  bool
	busUp     bool
	unhealthy bool
	failures  int
	indicator bool
	onChange  func(connected bool)

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New creates a supervisor for the given serial link.
func New(cfg *config.Config, link SerialLink, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		link:   link,
		logger: logger,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// OnChange registers the liveness publisher. Must be set before Start;
// it is invoked outside the supervisor lock on every indicator
// transition, paired with the transition itself.
func (s *Supervisor) OnChange(fn func(connected bool)) {
	s.onChange = fn
}

// Start launches the connect/reconnect loop. The initial open retries
// with backoff, so a missing device at startup is not fatal.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop terminates the loop and closes the serial device.
func (s *Supervisor) Stop() {
	close(s.stop)
	<-s.done
	if err := s.link.Close(); err != nil {
		s.logger.Debug("Serial close failed", "error", err)
	}
}

// Report consumes a transaction outcome (desk.Health).
func (s *Supervisor) Report(err error) {
	var pe *rtu.PortError

	s.mu.Lock()
	switch {
	case err == nil:
		s.failures = 0
		s.unhealthy = false
	case errors.As(err, &pe):
		if s.serialUp {
			s.logger.Error("Serial link failure", "error", err)
		}
		s.serialUp = false
		select {
		case s.kick <- struct{}{}:
		default:
		}
	default:
		s.failures++
		if s.failures >= s.cfg.Desk.FailThreshold && !s.unhealthy {
			s.logger.Warn("Serial link unhealthy",
				"consecutive_failures", s.failures)
			s.unhealthy = true
		}
	}
	s.update()
}

// SerialReady reports whether the desk model may use the link (desk.Health).
func (s *Supervisor) SerialReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serialUp
}

// BusUp records a bus (dis)connection from the MQTT client.
func (s *Supervisor) BusUp(up bool) {
	s.mu.Lock()
	s.busUp = up
	s.update()
}

// Connected returns the liveness indicator.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedLocked()
}

func (s *Supervisor) connectedLocked() bool {
	return s.busUp && s.serialUp && !s.unhealthy
}

// update recomputes the indicator and fires the publisher on transition.
// Called with the lock held; unlocks before invoking the callback so the
// publisher may call back into the supervisor.
func (s *Supervisor) update() {
	ind := s.connectedLocked()
	changed := ind != s.indicator
	s.indicator = ind
	fn := s.onChange
	s.mu.Unlock()

	if !changed {
		return
	}
	metrics.SetConnected(ind)
	s.logger.Info("Connectivity changed", "connected", ind)
	if fn != nil {
		fn(ind)
	}
}

func (s *Supervisor) run() {
	defer close(s.done)

	s.connect()
	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
			s.connect()
		}
	}
}

// connect (re)opens the serial device, retrying with capped backoff.
func (s *Supervisor) connect() {
	backoff := initialBackoff
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.link.Reopen(); err != nil {
			s.logger.Warn("Serial open failed", "error", err, "retry_in", backoff)
			select {
			case <-s.stop:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		s.mu.Lock()
		s.serialUp = true
		s.failures = 0
		s.unhealthy = false
		s.update()
		return
	}
}
