// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package scheduler

import (
	"io"
	"log/slog"
	"testing"

	"desk-gateway/internal/config"
)

type fakeMover struct {
	presets []int
}

func (f *fakeMover) MoveToPreset(n int) error {
	f.presets = append(f.presets, n)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseTime(t *testing.T) {
	e, err := parseTime("08:30")
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if e.Hour != 8 || e.Minute != 30 || e.Second != 0 {
		t.Errorf("Expected 08:30:00, got %02d:%02d:%02d", e.Hour, e.Minute, e.Second)
	}

	e, err = parseTime("13:45:30")
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if e.Hour != 13 || e.Minute != 45 || e.Second != 30 {
		t.Errorf("Expected 13:45:30, got %02d:%02d:%02d", e.Hour, e.Minute, e.Second)
	}

	if _, err := parseTime("25:00"); err == nil {
		t.Error("Invalid hour should fail")
	}
	if _, err := parseTime("soon"); err == nil {
		t.Error("Non-time string should fail")
	}
}

func TestEventsSortedByTime(t *testing.T) {
	cfg := &config.ScheduleConfig{
		Events: []config.ScheduleEvent{
			{Time: "14:00", Preset: 3},
			{Time: "08:30", Preset: 1},
			{Time: "11:15", Preset: 2},
		},
	}

	s, err := New(cfg, &fakeMover{}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	events := s.Events()
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	want := []string{"08:30:00", "11:15:00", "14:00:00"}
	for i, w := range want {
		if events[i].Time != w {
			t.Errorf("Event %d: expected %s, got %s", i, w, events[i].Time)
		}
	}
}

func TestInvalidEventSkipped(t *testing.T) {
	cfg := &config.ScheduleConfig{
		Events: []config.ScheduleEvent{
			{Time: "08:30", Preset: 1},
			{Time: "bogus", Preset: 2},
		},
	}

	s, err := New(cfg, &fakeMover{}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(s.Events()) != 1 {
		t.Errorf("Expected 1 event, got %d", len(s.Events()))
	}
}

func TestInvalidTimezone(t *testing.T) {
	cfg := &config.ScheduleConfig{Timezone: "Mars/Olympus"}
	if _, err := New(cfg, &fakeMover{}, testLogger()); err == nil {
		t.Error("Unknown timezone should fail")
	}
}

func TestNextEvent(t *testing.T) {
	cfg := &config.ScheduleConfig{
		Events: []config.ScheduleEvent{
			{Time: "00:00:01", Preset: 1},
			{Time: "23:59:59", Preset: 4},
		},
	}

	s, err := New(cfg, &fakeMover{}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	next := s.NextEvent()
	if next == nil {
		t.Fatal("Expected a next event")
	}
	// Whatever the current time, one of the two events is next and the
	// wait never exceeds a day.
	if next.In <= 0 || next.In.Hours() > 24 {
		t.Errorf("Implausible wait: %v", next.In)
	}
	if next.Preset != 1 && next.Preset != 4 {
		t.Errorf("Unexpected preset %d", next.Preset)
	}
	if next.InStr != next.In.String() {
		t.Errorf("InStr %q does not match In %v", next.InStr, next.In)
	}
}

func TestNextEventEmpty(t *testing.T) {
	s, err := New(&config.ScheduleConfig{}, &fakeMover{}, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.NextEvent() != nil {
		t.Error("Empty schedule has no next event")
	}
}

func TestExecuteMovesDesk(t *testing.T) {
	mover := &fakeMover{}
	s, err := New(&config.ScheduleConfig{}, mover, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s.execute(Event{Hour: 8, Minute: 30, Preset: 2})
	if len(mover.presets) != 1 || mover.presets[0] != 2 {
		t.Errorf("Expected preset 2 executed, got %v", mover.presets)
	}
}
