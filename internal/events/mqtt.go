package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds MQTT publisher configuration
type MQTTConfig struct {
	Broker      string // host:port
	ClientID    string
	TopicPrefix string // Events go to {prefix}/{session_id}/{type}
	QoS         byte
}

// MQTTPublisher publishes events to an MQTT broker
type MQTTPublisher struct {
	config MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
}

// NewMQTTPublisher connects to the broker with automatic reconnects
func NewMQTTPublisher(config MQTTConfig) (*MQTTPublisher, error) {
	p := &MQTTPublisher{config: config}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", config.Broker))
	opts.SetClientID(config.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.setConnected(true)
		slog.Info("mqtt connection established", "broker", config.Broker, "client_id", config.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "broker", config.Broker, "error", err)
	}

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	p.setConnected(true)
	return p, nil
}

func (p *MQTTPublisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Topic returns the topic an event is published to
func (p *MQTTPublisher) Topic(event Event) string {
	return fmt.Sprintf("%s/%s/%s", p.config.TopicPrefix, event.SessionID, event.Type)
}

// Publish sends one event
func (p *MQTTPublisher) Publish(ctx context.Context, event Event) error {
	if !p.isConnected() {
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	token := p.client.Publish(p.Topic(event), p.config.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish timeout: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	p.setConnected(false)
	return nil
}
