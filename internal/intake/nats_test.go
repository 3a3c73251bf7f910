package intake

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/perti/swim/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runNATS(t *testing.T) string {

	opts := &server.Options{
		ServerName: "swim-test",
		Host:       "127.0.0.1",
		Port:       -1,
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}

	t.Cleanup(ns.Shutdown)

	return ns.ClientURL()
}

func TestNATSBridge(t *testing.T) {

	url := runNATS(t)

	producer, err := ConnectNATS(url)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := ConnectNATS(url)
	require.NoError(t, err)
	defer consumer.Close()

	q := NewQueue(10)

	source := NewNATSSource(consumer, DefaultSubject, q)
	require.NoError(t, source.Start())
	assert.Error(t, source.Start())
	defer source.Close()
	require.NoError(t, consumer.Flush())

	sink := NewNATSSink(producer, DefaultSubject)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	evs := []*event.Event{
		{Type: "flight.departed", Timestamp: ts, Data: []byte(`{"callsign":"DAL9"}`)},
		{Type: "", Timestamp: ts},
		{Type: "tmi.issued", Timestamp: ts},
	}

	queued, pending, err := sink.Enqueue(evs)
	require.NoError(t, err)
	assert.Equal(t, 3, queued)
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, sink.Pending())

	// events without a type are discarded by the source
	assert.Eventually(t, func() bool { return q.Pending() == 2 }, 2*time.Second, 10*time.Millisecond)

	items := q.take()
	assert.Equal(t, "flight.departed", items[0].Type)
	assert.True(t, ts.Equal(items[0].Timestamp))
	assert.JSONEq(t, `{"callsign":"DAL9"}`, string(items[0].Data))
	assert.Equal(t, "tmi.issued", items[1].Type)
}
