package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/perti/swim/internal/broker"
	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	var ignore bytes.Buffer
	log.SetOutput(bufio.NewWriter(&ignore))
}

var fast = RetryConfig{Factor: 2, Min: 10 * time.Millisecond, Max: 50 * time.Millisecond}

func startBroker(t *testing.T, auth bool) (*broker.Broker, string) {

	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	config := broker.NewDefaultConfig().
		WithListen(addr).
		WithAuthEnabled(auth).
		WithHeartbeatEvery(time.Hour)

	b, err := broker.New(*config, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go b.Run(ctx)

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			c.Close()
		}
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return b, "ws://" + addr
}

// next returns the type of the next frame
func next(t *testing.T, c *Client) map[string]interface{} {
	select {
	case data := <-c.In:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	return nil
}

func TestResubscribeAfterReconnect(t *testing.T) {

	b, url := startBroker(t, false)

	c, err := New(url, "").WithSubscription([]string{"flight.*"}, json.RawMessage(`{"callsign_prefix":["UAL"]}`))
	require.NoError(t, err)
	c.WithRetry(fast)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, "connected", next(t, c)["type"])
	assert.Equal(t, "subscribed", next(t, c)["type"])

	b.Publish("flight.position", []byte(`{"callsign":"UAL12"}`))
	b.Publish("flight.position", []byte(`{"callsign":"DAL12"}`))
	b.Publish("flight.arrived", []byte(`{"callsign":"UAL13"}`))

	assert.Equal(t, "flight.position", next(t, c)["type"])
	assert.Equal(t, "flight.arrived", next(t, c)["type"])

	// going-away is not terminal
	b.Shutdown()

	assert.Equal(t, "connected", next(t, c)["type"])
	m := next(t, c)
	assert.Equal(t, "subscribed", m["type"])
	assert.Equal(t, []interface{}{"flight.*"}, m["channels"])

	assert.Eventually(t, func() bool { return b.Count() == 1 }, time.Second, 10*time.Millisecond)

	b.Publish("flight.departed", []byte(`{"callsign":"UAL14"}`))
	assert.Equal(t, "flight.departed", next(t, c)["type"])

	// requests can be sent
	c.Out <- []byte(`{"action":"ping"}`)
	assert.Equal(t, "pong", next(t, c)["type"])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestStopsOnAuthFailure(t *testing.T) {

	_, url := startBroker(t, true)

	c := New(url, "").WithRetry(fast)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Run(ctx)

	require.True(t, IsTerminal(err), err)
	var te *TerminalError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 4001, te.Code)
}

func TestDialURL(t *testing.T) {

	ctx := context.Background()

	assert.Error(t, New("", "").Dial(ctx))
	assert.Error(t, New("http://127.0.0.1:1", "").Dial(ctx))
	assert.Error(t, New("ws://user:pass@127.0.0.1:1", "").Dial(ctx))

	u, err := New("ws://127.0.0.1:8090/ws?x=1", "k e y").dialURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8090/ws?api_key=k+e+y&x=1", u)
}
