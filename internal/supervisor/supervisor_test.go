// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package supervisor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"desk-gateway/internal/config"
	"desk-gateway/internal/rtu"
)

type fakeLink struct {
	mu     sync.Mutex
	opens  int
	closed bool
}

func (f *fakeLink) Reopen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Desk: config.DeskConfig{FailThreshold: 3},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func startedSupervisor(t *testing.T) (*Supervisor, *fakeLink) {
	t.Helper()
	link := &fakeLink{}
	s := New(testConfig(), link, testLogger())
	s.Start()
	t.Cleanup(s.Stop)
	waitFor(t, "serial ready", s.SerialReady)
	return s, link
}

func TestStartOpensLink(t *testing.T) {
	s, link := startedSupervisor(t)

	if link.openCount() != 1 {
		t.Errorf("Expected 1 open, got %d", link.openCount())
	}
	if s.Connected() {
		t.Error("Should not be connected without the bus")
	}
}

func TestConnectedRequiresBusAndSerial(t *testing.T) {
	s, _ := startedSupervisor(t)

	s.BusUp(true)
	if !s.Connected() {
		t.Error("Expected connected with bus and serial up")
	}

	s.BusUp(false)
	if s.Connected() {
		t.Error("Expected disconnected after bus loss")
	}
}

func TestFailureThresholdMarksUnhealthy(t *testing.T) {
	s, _ := startedSupervisor(t)
	s.BusUp(true)

	s.Report(rtu.ErrTimeout)
	s.Report(rtu.ErrGarbage)
	if !s.Connected() {
		t.Fatal("Two failures should stay below the threshold")
	}

	s.Report(rtu.ErrTimeout)
	if s.Connected() {
		t.Error("Three consecutive failures should mark the link unhealthy")
	}

	// One success clears the streak.
	s.Report(nil)
	if !s.Connected() {
		t.Error("A successful transaction should restore health")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	s, _ := startedSupervisor(t)
	s.BusUp(true)

	s.Report(rtu.ErrTimeout)
	s.Report(rtu.ErrTimeout)
	s.Report(nil)
	s.Report(rtu.ErrTimeout)
	s.Report(rtu.ErrTimeout)

	if !s.Connected() {
		t.Error("Interleaved successes should keep the streak below threshold")
	}
}

func TestPortErrorTriggersReopen(t *testing.T) {
	s, link := startedSupervisor(t)
	s.BusUp(true)

	s.Report(&rtu.PortError{Op: "receive", Err: errors.New("device gone")})

	// The reopen loop recovers the link.
	waitFor(t, "link reopen", func() bool { return link.openCount() >= 2 })
	waitFor(t, "serial ready", s.SerialReady)
	if !s.Connected() {
		t.Error("Expected connected after recovery")
	}
}

func TestOnChangeFiresOnTransitions(t *testing.T) {
	link := &fakeLink{}
	transitions := make(chan bool, 16)

	s := New(testConfig(), link, testLogger())
	s.OnChange(func(connected bool) { transitions <- connected })
	s.Start()
	t.Cleanup(s.Stop)

	waitFor(t, "serial ready", s.SerialReady)
	s.BusUp(true)

	select {
	case v := <-transitions:
		if !v {
			t.Error("First transition should be to connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No transition published")
	}

	// Unchanged state publishes nothing.
	s.Report(nil)
	select {
	case v := <-transitions:
		t.Errorf("Unexpected transition to %v", v)
	case <-time.After(50 * time.Millisecond):
	}

	s.BusUp(false)
	select {
	case v := <-transitions:
		if v {
			t.Error("Bus loss should transition to disconnected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No transition on bus loss")
	}
}

func TestStopClosesLink(t *testing.T) {
	link := &fakeLink{}
	s := New(testConfig(), link, testLogger())
	s.Start()
	waitFor(t, "serial ready", s.SerialReady)

	s.Stop()
	if !link.closed {
		t.Error("Stop should close the serial device")
	}
}
