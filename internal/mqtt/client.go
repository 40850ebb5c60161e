// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2025 Pierre Jay

package mqtt

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"desk-gateway/internal/api"
	"desk-gateway/internal/config"
	"desk-gateway/internal/desk"
)

// Connectivity is the supervisor surface the client feeds and reads.
type Connectivity interface {
	BusUp(up bool)
	Connected() bool
}

// Client bridges the desk to the MQTT bus.
//
// Command topics (subscribed):
//
//	<name>/preset/<n>  move to preset n
//	<name>/refresh     query the height now
//	<name>/move        UP | DOWN | STOP
//
// State topics (published, retained):
//
//	<name>/connected   ON | OFF, also the will message
//	<name>/height      inches, one decimal
//	<name>/moving      ON | OFF
//
// State publishes are deduplicated: a value identical to the last one
// sent is dropped, so idle polling does not generate bus traffic.
type Client struct {
	cfg      *config.Config
	desk     *desk.Desk
	api      *api.Handler
	sup      Connectivity
	logger   *slog.Logger
	client   mqtt.Client
	stopChan chan struct{}

	// Only touched by forwardEvents.
	lastHeight string
	lastMoving string
}

// NewClient creates a new MQTT client
func NewClient(cfg *config.Config, d *desk.Desk, sup Connectivity, logger *slog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		desk:     d,
		api:      api.NewHandler(d),
		sup:      sup,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start connects to broker and subscribes to topics
func (c *Client) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.MQTT.Broker)
	opts.SetClientID(c.cfg.MQTT.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	if c.cfg.MQTT.Username != "" {
		opts.SetUsername(c.cfg.MQTT.Username)
		opts.SetPassword(c.cfg.MQTT.Password)
	}

	// The broker flips the indicator to OFF if the gateway dies.
	opts.SetWill(c.topic("connected"), "OFF", 1, true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	token := c.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return err
	}

	// Start event forwarder
	go c.forwardEvents()

	c.logger.Info("MQTT client started", "broker", c.cfg.MQTT.Broker, "base_topic", c.cfg.Name)
	return nil
}

// Stop publishes the offline indicator and disconnects.
func (c *Client) Stop() {
	close(c.stopChan)
	if c.client != nil && c.client.IsConnected() {
		c.client.Publish(c.topic("connected"), 1, true, "OFF").Wait()
		c.client.Disconnect(1000)
	}
	c.logger.Info("MQTT client stopped")
}

// PublishConnected publishes the liveness indicator. Registered as the
// supervisor's change publisher so every transition reaches the bus.
func (c *Client) PublishConnected(connected bool) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}
	c.client.Publish(c.topic("connected"), 1, true, onOff(connected))
}

func (c *Client) topic(suffix string) string {
	return c.cfg.Name + "/" + suffix
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected")
	c.sup.BusUp(true)

	for topic, handler := range map[string]mqtt.MessageHandler{
		c.topic("preset/+"): c.handlePreset,
		c.topic("refresh"):  c.handleRefresh,
		c.topic("move"):     c.handleMove,
	} {
		client.Subscribe(topic, 1, handler)
		c.logger.Debug("MQTT subscribed", "topic", topic)
	}

	if c.cfg.DiscoveryPrefix() != "" {
		c.publishDiscovery()
	}
	c.PublishConnected(c.sup.Connected())

	// Re-announce the height after a broker (re)connect.
	if err := c.desk.Refresh(); err != nil {
		c.logger.Debug("Refresh on connect rejected", "error", err)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warn("MQTT connection lost", "error", err)
	c.sup.BusUp(false)
}

// handlePreset processes <name>/preset/<n>
func (c *Client) handlePreset(client mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	slot := parts[len(parts)-1]
	if _, err := strconv.Atoi(slot); err != nil {
		c.logger.Warn("Ignoring preset topic", "topic", msg.Topic())
		return
	}
	c.execute("preset" + slot)
}

// handleRefresh processes <name>/refresh
func (c *Client) handleRefresh(client mqtt.Client, msg mqtt.Message) {
	c.execute("refresh")
}

// handleMove processes <name>/move with payload UP, DOWN or STOP
func (c *Client) handleMove(client mqtt.Client, msg mqtt.Message) {
	switch strings.ToUpper(strings.TrimSpace(string(msg.Payload()))) {
	case "UP":
		c.execute("up")
	case "DOWN":
		c.execute("down")
	case "STOP":
		c.execute("stop")
	default:
		c.logger.Warn("Ignoring move payload", "payload", string(msg.Payload()))
	}
}

func (c *Client) execute(name string) {
	c.logger.Debug("MQTT command received", "command", name)
	if err := c.api.Execute(name); err != nil {
		c.logger.Warn("MQTT command rejected", "command", name, "error", err)
	}
}

// forwardEvents forwards desk state changes to MQTT
func (c *Client) forwardEvents() {
	updates := c.desk.Subscribe()
	defer c.desk.Unsubscribe(updates)

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			c.publishState(u.State)
		case <-c.stopChan:
			return
		}
	}
}

// publishState publishes height and moving, skipping unchanged values
func (c *Client) publishState(st desk.State) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}

	if st.Known {
		height := fmt.Sprintf("%.1f", st.Height)
		if height != c.lastHeight {
			c.lastHeight = height
			c.client.Publish(c.topic("height"), 0, true, height)
		}
	}

	moving := onOff(st.Moving)
	if moving != c.lastMoving {
		c.lastMoving = moving
		c.client.Publish(c.topic("moving"), 0, true, moving)
	}
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}
