package sink

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexsec/apexhub/pkg/alert"
)

type inlineMessage struct {
	topic   string
	payload []byte
}

// startTestBroker runs an embedded MQTT broker on a loopback port.
func startTestBroker(t *testing.T) (string, *mochi.Server) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	server := mochi.New(&mochi.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "sink-test",
		Address: addr,
	})))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() { _ = server.Close() })

	time.Sleep(100 * time.Millisecond)
	return addr, server
}

func TestMQTTPublisherDeliver(t *testing.T) {
	addr, server := startTestBroker(t)

	received := make(chan inlineMessage, 1)
	require.NoError(t, server.Subscribe("apexhub/alerts/+", 1,
		func(cl *mochi.Client, sub packets.Subscription, pk packets.Packet) {
			received <- inlineMessage{topic: pk.TopicName, payload: pk.Payload}
		}))

	pub := NewMQTTPublisher("tcp://"+addr, "apexhub-test", "apexhub/alerts", 1)
	require.NoError(t, pub.Start(context.Background()))
	defer pub.Close()

	a := testAlert("mq-1")
	a.CameraID = "cam-42"
	require.NoError(t, pub.Deliver(context.Background(), a))

	select {
	case msg := <-received:
		assert.Equal(t, "apexhub/alerts/cam-42", msg.topic)
		var got alert.Alert
		require.NoError(t, json.Unmarshal(msg.payload, &got))
		assert.Equal(t, "mq-1", got.ID)
		assert.Equal(t, alert.SeverityHigh, got.Severity)
	case <-time.After(3 * time.Second):
		t.Fatal("no alert arrived on the broker")
	}
}

func TestMQTTPublisherNotConnected(t *testing.T) {
	pub := NewMQTTPublisher("tcp://127.0.0.1:1", "apexhub-test", "apexhub/alerts", 0)
	err := pub.Deliver(context.Background(), testAlert("mq-2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}
