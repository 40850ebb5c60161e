// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package api

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"desk-gateway/internal/desk"
	"desk-gateway/internal/metrics"
)

// Commander is the subset of desk operations commands map onto.
type Commander interface {
	MoveToPreset(n int) error
	Refresh() error
	Move(dir desk.Direction) error
	StopMove() error
	State() desk.State
}

// Request is the unified JSON request format for all protocols
// Used by: HTTP POST /api, WebSocket
type Request struct {
	Cmd    string `json:"cmd"`              // preset, refresh, up, down, stop, status
	Preset int    `json:"preset,omitempty"` // preset slot for cmd=preset
}

// Response is the unified JSON response format
type Response struct {
	Type  string      `json:"type"` // ok, status, error
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Handler translates protocol-agnostic commands into desk operations.
// All operations are enqueue-only: a response of type "ok" means the
// command was accepted, not that the movement completed.
type Handler struct {
	desk Commander
}

// NewHandler creates a new API handler
func NewHandler(d Commander) *Handler {
	return &Handler{desk: d}
}

// Execute runs a command by name: preset1..preset4, refresh, up, down,
// stop. This is the path MQTT topics and the HTTP command endpoint use.
func (h *Handler) Execute(name string) error {
	var err error
	switch {
	case strings.HasPrefix(name, "preset"):
		n, convErr := strconv.Atoi(strings.TrimPrefix(name, "preset"))
		if convErr != nil {
			return fmt.Errorf("unknown command: %s", name)
		}
		err = h.desk.MoveToPreset(n)
	case name == "refresh":
		err = h.desk.Refresh()
	case name == "up":
		err = h.desk.Move(desk.DirUp)
	case name == "down":
		err = h.desk.Move(desk.DirDown)
	case name == "stop":
		err = h.desk.StopMove()
	default:
		return fmt.Errorf("unknown command: %s", name)
	}

	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(name).Inc()
		return err
	}
	metrics.CommandsTotal.WithLabelValues(name).Inc()
	return nil
}

// Handle processes a request and returns a response
func (h *Handler) Handle(req *Request) *Response {
	switch req.Cmd {
	case "preset":
		return h.result("preset"+strconv.Itoa(req.Preset),
			h.desk.MoveToPreset(req.Preset))
	case "refresh":
		return h.result("refresh", h.desk.Refresh())
	case "up":
		return h.result("up", h.desk.Move(desk.DirUp))
	case "down":
		return h.result("down", h.desk.Move(desk.DirDown))
	case "stop":
		return h.result("stop", h.desk.StopMove())
	case "status":
		return &Response{Type: "status", Data: h.desk.State()}
	default:
		return &Response{Type: "error", Error: "unknown command: " + req.Cmd}
	}
}

// HandleJSON parses JSON and returns JSON response
func (h *Handler) HandleJSON(data []byte) []byte {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		resp := &Response{Type: "error", Error: "invalid JSON: " + err.Error()}
		out, _ := json.Marshal(resp)
		return out
	}
	resp := h.Handle(&req)
	out, _ := json.Marshal(resp)
	return out
}

func (h *Handler) result(name string, err error) *Response {
	if err != nil {
		metrics.ErrorsTotal.WithLabelValues(name).Inc()
		return &Response{Type: "error", Error: err.Error()}
	}
	metrics.CommandsTotal.WithLabelValues(name).Inc()
	return &Response{Type: "ok"}
}
