package events

import (
	"context"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// MQTTBridge republishes hub events to an MQTT broker, one topic per event
// name under a common prefix (run.state -> <prefix>/run/state).
type MQTTBridge struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
}

// NewMQTTBridge connects to broker. clientID may be empty.
func NewMQTTBridge(broker, clientID, prefix string) (*MQTTBridge, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "failed to connect to MQTT broker %s", broker)
	}
	return newMQTTBridge(c, prefix), nil
}

func newMQTTBridge(c mqtt.Client, prefix string) *MQTTBridge {
	return &MQTTBridge{
		client:  c,
		prefix:  strings.TrimSuffix(prefix, "/"),
		timeout: 5 * time.Second,
	}
}

// Topic returns the MQTT topic an event name is published on.
func (b *MQTTBridge) Topic(name string) string {
	return b.prefix + "/" + strings.ReplaceAll(name, ".", "/")
}

// Run forwards events from hub until ctx is done, then disconnects.
func (b *MQTTBridge) Run(ctx context.Context, hub *EventHub) {
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)
	defer b.client.Disconnect(250)

	logrus.WithField("prefix", b.prefix).Info("MQTT event bridge started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.publish(ev)
		}
	}
}

func (b *MQTTBridge) publish(ev Event) {
	// Countdown ticks are too chatty for the broker.
	if ev.Name == RunCountdown {
		return
	}
	token := b.client.Publish(b.Topic(ev.Name), 1, false, []byte(ev.Data))
	if !token.WaitTimeout(b.timeout) {
		logrus.WithField("event", ev.Name).Warn("timed out publishing event to MQTT broker")
		return
	}
	if err := token.Error(); err != nil {
		logrus.WithError(err).WithField("event", ev.Name).Warn("failed to publish event to MQTT broker")
	}
}
