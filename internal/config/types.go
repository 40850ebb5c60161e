// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package config

// Config is the root configuration structure.
// One config describes exactly one desk controller on one serial link.
type Config struct {
	Name     string          `yaml:"name"` // desk identifier, scopes all MQTT topics
	Serial   SerialConfig    `yaml:"serial"`
	Desk     DeskConfig      `yaml:"desk"`
	MQTT     MQTTConfig      `yaml:"mqtt"`
	Server   ServerConfig    `yaml:"server"`
	Presets  map[int]uint16  `yaml:"presets,omitempty"` // preset number -> panel button code
	Schedule *ScheduleConfig `yaml:"schedule,omitempty"`
}

// SerialConfig defines the RS-485 serial link settings.
type SerialConfig struct {
	Device    string `yaml:"device"`     // e.g. /dev/ttyUSB0
	Baud      int    `yaml:"baud"`       // controller speaks 57600
	TimeoutMs int    `yaml:"timeout_ms"` // per-read timeout on the port
}

// DeskConfig defines the controller transaction parameters.
// The discard limit and retry count are tuning knobs for the shared-bus
// noise produced by the physical button panel; defaults were chosen
// against the confirmed-compatible controller.
type DeskConfig struct {
	Station        uint8   `yaml:"station"`           // Modbus station id
	ReadBase       uint16  `yaml:"read_base"`         // memory block read address
	ReadQuantity   uint16  `yaml:"read_quantity"`     // registers per read
	WriteBase      uint16  `yaml:"write_base"`        // panel emulation write address
	HeightRegister int     `yaml:"height_register"`   // index of height in the read block
	HeightScale    float64 `yaml:"height_scale"`      // raw units -> inches
	HeightOffset   float64 `yaml:"height_offset"`     // inches added after scaling
	DeadlineMs     int     `yaml:"deadline_ms"`       // per-transaction deadline
	DiscardLimit   int     `yaml:"discard_limit"`     // max noise bytes discarded per transaction
	Retries        int     `yaml:"retries"`           // poll retries on timeout/garbage
	MovePollMs     int     `yaml:"move_poll_ms"`      // command repeat cadence while moving
	IdlePollMs     int     `yaml:"idle_poll_ms"`      // background height poll cadence
	StablePolls    int     `yaml:"stable_polls"`      // equal heights before moving -> idle
	MoveTimeoutS   int     `yaml:"move_timeout_s"`    // hard cap on a single movement
	FailThreshold  int     `yaml:"failure_threshold"` // consecutive failures before link flagged unhealthy
}

// MQTTConfig defines MQTT client settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`    // tcp://host:1883
	ClientID string `yaml:"client_id"` // optional, defaults to the desk name
	Username string `yaml:"username"`  // optional
	Password string `yaml:"password"`  // optional

	// DiscoveryPrefix is the Home Assistant discovery prefix. Unset
	// defaults to "homeassistant"; an explicit "" disables discovery.
	DiscoveryPrefix *string `yaml:"discovery_prefix"`
}

// ServerConfig defines the HTTP endpoint.
// Presence of an address enables the server.
type ServerConfig struct {
	HTTP string `yaml:"http"`
}

// ScheduleConfig defines scheduler settings.
type ScheduleConfig struct {
	Timezone string          `yaml:"timezone"` // e.g. "Europe/Paris", defaults to local
	Events   []ScheduleEvent `yaml:"events"`
}

// ScheduleEvent triggers a preset at a fixed time of day.
type ScheduleEvent struct {
	Time   string `yaml:"time"` // "HH:MM" or "HH:MM:SS"
	Preset int    `yaml:"preset"`
}

// Default panel button codes. Bits 0 and 1 are the up/down buttons; the
// memory presets occupy the next bits on the confirmed controller.
var defaultPresets = map[int]uint16{
	1: 0x0004,
	2: 0x0008,
	3: 0x0010,
	4: 0x0020,
}
