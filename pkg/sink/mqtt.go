// Copyright 2024 The apexhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/apexsec/apexhub/pkg/alert"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTPublisher republishes alerts onto an MQTT broker so site controllers
// and recording appliances can react without holding a hub websocket open.
// Topics are <prefix>/<camera_id>; the payload is the alert JSON.
type MQTTPublisher struct {
	brokerURL   string
	clientID    string
	topicPrefix string
	qos         byte
	client      mqtt.Client
}

// NewMQTTPublisher creates a publisher for the given broker URL
// (e.g. tcp://localhost:1883).
func NewMQTTPublisher(brokerURL, clientID, topicPrefix string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{
		brokerURL:   brokerURL,
		clientID:    clientID,
		topicPrefix: topicPrefix,
		qos:         qos,
	}
}

func (p *MQTTPublisher) Name() string {
	return "mqtt"
}

// Start connects to the broker. The client reconnects on its own after a
// broker outage, so a lost connection only fails deliveries made while it is
// down.
func (p *MQTTPublisher) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.brokerURL)
	opts.SetClientID(p.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		log.Printf("[INFO] MQTT sink connected to %s (client: %s)", p.brokerURL, p.clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Printf("[WARN] MQTT sink connection lost, reconnecting: %v", err)
	}

	p.client = mqtt.NewClient(opts)

	token := p.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", p.brokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s failed: %w", p.brokerURL, err)
	}
	return nil
}

// Deliver publishes the alert to <prefix>/<camera_id>.
func (p *MQTTPublisher) Deliver(ctx context.Context, a *alert.Alert) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	topic := p.topicPrefix + "/" + a.CameraID
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}
