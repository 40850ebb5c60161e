// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"desk-gateway/internal/config"
	"desk-gateway/internal/desk"
	"desk-gateway/internal/rtu"
)

// idleEngine answers every exchange with an empty register block. The
// desk is never started in these tests, so it is never actually called.
type idleEngine struct{}

func (idleEngine) Execute(tx rtu.Transaction) (rtu.Response, error) {
	return rtu.Response{Registers: make([]uint16, tx.ReadQuantity)}, nil
}

type fakeSup struct{ connected bool }

func (f fakeSup) Connected() bool { return f.connected }

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Name:    "desk",
		Server:  config.ServerConfig{HTTP: "127.0.0.1:0"},
		Desk:    config.DeskConfig{ReadQuantity: 20, HeightRegister: 7, HeightScale: 0.1},
		Presets: map[int]uint16{1: 0x0004, 2: 0x0008},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := desk.New(cfg, idleEngine{}, logger)
	return NewServer(cfg, d, fakeSup{connected: true}, logger)
}

func TestStatusEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if !status.Connected {
		t.Error("Expected connected=true")
	}
	if status.Known {
		t.Error("Fresh desk should not know its height")
	}
}

func TestCommandEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/command/refresh", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/command/refresh", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET should be rejected, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/command/bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Unknown command should be rejected, got %d", rec.Code)
	}
}

func TestUnifiedAPIEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	body := strings.NewReader(`{"cmd":"status"}`)
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if resp.Type != "status" {
		t.Errorf("Expected status response, got %s", resp.Type)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if health.Goroutines <= 0 {
		t.Error("Expected at least one goroutine")
	}
}

func TestScheduleEndpointWithoutScheduler(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/schedule", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "events") {
		t.Errorf("Expected empty events list, got %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("Expected Go runtime metrics in output")
	}
}
