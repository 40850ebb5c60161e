// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing config
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "desk"
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = 57600
	}
	if c.Serial.TimeoutMs == 0 {
		c.Serial.TimeoutMs = 250
	}
	if c.Desk.Station == 0 {
		c.Desk.Station = 1
	}
	if c.Desk.ReadBase == 0 {
		c.Desk.ReadBase = 0x09C4
	}
	if c.Desk.ReadQuantity == 0 {
		c.Desk.ReadQuantity = 20
	}
	if c.Desk.WriteBase == 0 {
		c.Desk.WriteBase = 0x0A8C
	}
	if c.Desk.HeightRegister == 0 {
		c.Desk.HeightRegister = 7
	}
	if c.Desk.HeightScale == 0 {
		c.Desk.HeightScale = 0.1
	}
	if c.Desk.DeadlineMs == 0 {
		c.Desk.DeadlineMs = 1000
	}
	if c.Desk.DiscardLimit == 0 {
		c.Desk.DiscardLimit = 256
	}
	if c.Desk.Retries == 0 {
		c.Desk.Retries = 2
	}
	if c.Desk.MovePollMs == 0 {
		c.Desk.MovePollMs = 500
	}
	if c.Desk.IdlePollMs == 0 {
		c.Desk.IdlePollMs = 30000
	}
	if c.Desk.StablePolls == 0 {
		c.Desk.StablePolls = 2
	}
	if c.Desk.MoveTimeoutS == 0 {
		c.Desk.MoveTimeoutS = 45
	}
	if c.Desk.FailThreshold == 0 {
		c.Desk.FailThreshold = 5
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Name + "-gateway"
	}
	if c.MQTT.DiscoveryPrefix == nil {
		prefix := "homeassistant"
		c.MQTT.DiscoveryPrefix = &prefix
	}
	if c.Presets == nil {
		c.Presets = make(map[int]uint16, len(defaultPresets))
	}
	for n, code := range defaultPresets {
		if _, ok := c.Presets[n]; !ok {
			c.Presets[n] = code
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if strings.ContainsAny(c.Name, "/+#") {
		return fmt.Errorf("name %q contains MQTT topic separators", c.Name)
	}
	if c.Serial.Device == "" {
		return fmt.Errorf("serial device required")
	}
	if c.Serial.Baud < 0 {
		return fmt.Errorf("serial baud %d invalid", c.Serial.Baud)
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker required")
	}
	if int(c.Desk.ReadQuantity) <= c.Desk.HeightRegister {
		return fmt.Errorf("height register %d outside read block of %d registers",
			c.Desk.HeightRegister, c.Desk.ReadQuantity)
	}
	for n, code := range c.Presets {
		if n < 1 || n > 4 {
			return fmt.Errorf("preset %d out of range (1-4)", n)
		}
		if code == 0 {
			return fmt.Errorf("preset %d has no button code", n)
		}
	}
	if c.Schedule != nil {
		for _, e := range c.Schedule.Events {
			if _, ok := c.Presets[e.Preset]; !ok {
				return fmt.Errorf("schedule event %q references unknown preset %d", e.Time, e.Preset)
			}
		}
	}
	return nil
}

// SerialTimeout returns the per-read port timeout.
func (c *Config) SerialTimeout() time.Duration {
	return time.Duration(c.Serial.TimeoutMs) * time.Millisecond
}

// Deadline returns the per-transaction deadline.
func (c *Config) Deadline() time.Duration {
	return time.Duration(c.Desk.DeadlineMs) * time.Millisecond
}

// MovePoll returns the command repeat cadence during movement.
func (c *Config) MovePoll() time.Duration {
	return time.Duration(c.Desk.MovePollMs) * time.Millisecond
}

// IdlePoll returns the background height poll cadence.
func (c *Config) IdlePoll() time.Duration {
	return time.Duration(c.Desk.IdlePollMs) * time.Millisecond
}

// MoveTimeout returns the hard cap on a single movement.
func (c *Config) MoveTimeout() time.Duration {
	return time.Duration(c.Desk.MoveTimeoutS) * time.Second
}

// Height converts a raw height register value to inches.
func (c *Config) Height(raw uint16) float64 {
	return float64(raw)*c.Desk.HeightScale + c.Desk.HeightOffset
}

// DiscoveryPrefix returns the Home Assistant discovery prefix. Empty
// means discovery is disabled.
func (c *Config) DiscoveryPrefix() string {
	if c.MQTT.DiscoveryPrefix == nil {
		return ""
	}
	return *c.MQTT.DiscoveryPrefix
}
