// Package events publishes clip and worker lifecycle events to MQTT.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/netcam/internal/config"
	"github.com/dj-oyu/netcam/internal/logger"
	"github.com/dj-oyu/netcam/pkg/types"
)

// StateEvent is published when a worker starts or stops.
type StateEvent struct {
	CameraIndex int       `json:"camera_index"`
	WorkerID    string    `json:"worker_id"`
	State       string    `json:"state"`
	At          time.Time `json:"at"`
}

// MQTTEmitter publishes events to an MQTT broker
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
}

// NewMQTTEmitter creates an emitter; Connect must be called before publishing.
func NewMQTTEmitter(cfg config.MQTTConfig) *MQTTEmitter {
	return &MQTTEmitter{cfg: cfg}
}

// Connect establishes the broker connection. The client reconnects on its own
// afterwards.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(e.cfg.Broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		logger.Info("Events", "MQTT connected to %s", e.cfg.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		logger.Warn("Events", "MQTT connection lost: %v (auto-reconnect)", err)
	}

	e.Client = mqtt.NewClient(opts)
	logger.Info("Events", "Connecting to MQTT broker %s", e.cfg.Broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// ClipTopic is the topic clip records of camera idx are published on.
func (e *MQTTEmitter) ClipTopic(idx int) string {
	return fmt.Sprintf("%s/%d/clips", e.cfg.TopicPrefix, idx)
}

// StateTopic is the topic worker lifecycle events of camera idx go to.
func (e *MQTTEmitter) StateTopic(idx int) string {
	return fmt.Sprintf("%s/%d/state", e.cfg.TopicPrefix, idx)
}

// PublishClip publishes one indexed clip.
func (e *MQTTEmitter) PublishClip(rec types.ClipRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal clip: %w", err)
	}
	return e.publish(e.ClipTopic(rec.CameraIndex), payload, false)
}

// PublishState publishes a retained worker lifecycle event.
func (e *MQTTEmitter) PublishState(ev StateEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return e.publish(e.StateTopic(ev.CameraIndex), payload, true)
}

func (e *MQTTEmitter) publish(topic string, payload []byte, retained bool) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.Client.Publish(topic, e.cfg.QoS, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()
	logger.Debug("Events", "Published %d bytes to %s", len(payload), topic)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250)
		logger.Info("Events", "MQTT disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{Connected: e.connected, Published: e.published, Errors: e.errors}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
