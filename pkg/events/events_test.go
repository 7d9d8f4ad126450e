package events

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishDecode(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	h.Publish(RunProgress, RunProgressEvent{Percent: 50, PointIndex: 1, Total: 2})

	select {
	case ev := <-ch:
		assert.Equal(t, RunProgress, ev.Name)
		p, err := DecodeAs[RunProgressEvent](ev)
		require.NoError(t, err)
		assert.Equal(t, 50, p.Percent)
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestHubNilIsSafe(t *testing.T) {
	var h *EventHub
	h.Publish(RunError, RunErrorEvent{Message: "x"})
	assert.Equal(t, 0, h.Subscribers())
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(RunCountdown, RunCountdownEvent{RemainingSeconds: i})
	}
	assert.Len(t, ch, subscriberBuffer)

	h.Close()
	assert.Equal(t, 0, h.Subscribers())
}

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakeMQTT struct {
	mqtt.Client

	mu           sync.Mutex
	topics       []string
	disconnected bool
}

func (c *fakeMQTT) Publish(topic string, _ byte, _ bool, _ interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return fakeToken{}
}

func (c *fakeMQTT) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeMQTT) snapshot() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...), c.disconnected
}

func TestMQTTBridgeForwardsEvents(t *testing.T) {
	client := &fakeMQTT{}
	b := newMQTTBridge(client, "lab/ircal/")
	assert.Equal(t, "lab/ircal/run/state", b.Topic(RunState))

	hub := NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, hub)
		close(done)
	}()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, time.Millisecond)
	hub.Publish(RunCountdown, RunCountdownEvent{RemainingSeconds: 3})
	hub.Publish(RunState, RunStateEvent{From: "Idle", To: "Running"})

	require.Eventually(t, func() bool {
		topics, _ := client.snapshot()
		return len(topics) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	topics, disconnected := client.snapshot()
	assert.Equal(t, []string{"lab/ircal/run/state"}, topics)
	assert.True(t, disconnected)
}
