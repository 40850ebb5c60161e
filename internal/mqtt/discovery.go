// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package mqtt

import (
	"encoding/json"
	"strconv"
)

// Home Assistant MQTT discovery. Each entity config is published retained
// under <discovery_prefix>/<component>/<name>_<object>/config so the desk
// appears without any YAML on the Home Assistant side.

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

type discoveryEntity struct {
	Name              string           `json:"name"`
	UniqueID          string           `json:"unique_id"`
	StateTopic        string           `json:"state_topic,omitempty"`
	CommandTopic      string           `json:"command_topic,omitempty"`
	AvailabilityTopic string           `json:"availability_topic,omitempty"`
	DeviceClass       string           `json:"device_class,omitempty"`
	UnitOfMeasurement string           `json:"unit_of_measurement,omitempty"`
	Icon              string           `json:"icon,omitempty"`
	PayloadPress      string           `json:"payload_press,omitempty"`
	Device            *discoveryDevice `json:"device"`
}

// publishDiscovery announces the desk's entities to Home Assistant.
func (c *Client) publishDiscovery() {
	name := c.cfg.Name
	device := &discoveryDevice{
		Identifiers:  []string{name},
		Name:         name,
		Manufacturer: "desk-gateway",
		Model:        "Modbus desk controller",
	}

	c.publishConfig("binary_sensor", name+"_connected", &discoveryEntity{
		Name:        name + " connected",
		UniqueID:    name + "_connected",
		StateTopic:  c.topic("connected"),
		DeviceClass: "connectivity",
		Device:      device,
	})

	c.publishConfig("binary_sensor", name+"_moving", &discoveryEntity{
		Name:              name + " moving",
		UniqueID:          name + "_moving",
		StateTopic:        c.topic("moving"),
		DeviceClass:       "moving",
		AvailabilityTopic: c.topic("connected"),
		Device:            device,
	})

	c.publishConfig("sensor", name+"_height", &discoveryEntity{
		Name:              name + " height",
		UniqueID:          name + "_height",
		StateTopic:        c.topic("height"),
		UnitOfMeasurement: "in",
		Icon:              "mdi:human-male-height",
		AvailabilityTopic: c.topic("connected"),
		Device:            device,
	})

	for slot := range c.cfg.Presets {
		n := strconv.Itoa(slot)
		c.publishConfig("button", name+"_preset_"+n, &discoveryEntity{
			Name:         name + " preset " + n,
			UniqueID:     name + "_preset_" + n,
			CommandTopic: c.topic("preset/" + n),
			PayloadPress: "PRESS",
			Icon:         "mdi:numeric-" + n + "-box",
			Device:       device,
		})
	}

	c.publishConfig("button", name+"_refresh", &discoveryEntity{
		Name:         name + " refresh",
		UniqueID:     name + "_refresh",
		CommandTopic: c.topic("refresh"),
		PayloadPress: "PRESS",
		Icon:         "mdi:refresh",
		Device:       device,
	})

	c.logger.Info("Published Home Assistant discovery", "prefix", c.cfg.DiscoveryPrefix())
}

func (c *Client) publishConfig(component, object string, entity *discoveryEntity) {
	payload, _ := json.Marshal(entity)
	topic := c.cfg.DiscoveryPrefix() + "/" + component + "/" + object + "/config"
	c.client.Publish(topic, 1, true, payload)
}
