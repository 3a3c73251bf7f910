package broker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/perti/swim/internal/credential"
	"github.com/perti/swim/internal/event"
	"github.com/perti/swim/internal/session"
	"github.com/perti/swim/internal/subscription"
	"github.com/perti/swim/internal/tier"
	"github.com/phayes/freeport"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	var ignore bytes.Buffer
	log.SetOutput(bufio.NewWriter(&ignore))
}

var timeout = time.Second

// testConfig keeps the public connection ceiling but lifts its rate limit
func testConfig() *Config {
	tiers := tier.DefaultTable()
	tiers[tier.Public] = tier.Limits{MaxConnections: 5, MaxMessagesPerSecond: 1000}
	return NewDefaultConfig().
		WithAuthEnabled(false).
		WithHeartbeatEvery(time.Hour).
		WithTiers(tiers).
		WithVersion("test")
}

// serve starts the broker on a free port and returns its websocket url
func serve(t *testing.T, b *Broker) string {

	port, err := freeport.GetFreePort()
	require.NoError(t, err)

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	b.config.Listen = addr

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return "ws://" + addr
}

func newBroker(t *testing.T, config *Config, resolver *credential.Resolver) *Broker {
	b, err := New(*config, resolver)
	require.NoError(t, err)
	return b
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and reads the connected acknowledgement
func connect(t *testing.T, url string) (*websocket.Conn, ConnectedFrame) {
	conn := dial(t, url)
	var cf ConnectedFrame
	readInto(t, conn, &cf)
	require.Equal(t, "connected", cf.Type)
	return conn, cf
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	var m map[string]interface{}
	readInto(t, conn, &m)
	return m
}

func readInto(t *testing.T, conn *websocket.Conn, v interface{}) {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v), string(data))
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func closeCode(t *testing.T, conn *websocket.Conn) int {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return ce.Code
		}
		t.Fatalf("expected close frame, got %v", err)
	}
}

func expectError(t *testing.T, conn *websocket.Conn, code ErrorCode) {
	var ef ErrorFrame
	readInto(t, conn, &ef)
	assert.Equal(t, "error", ef.Type)
	assert.Equal(t, code, ef.Code, ef.Message)
	assert.NotEmpty(t, ef.Message)
}

func newResolver(t *testing.T) *credential.Resolver {

	ctx := context.Background()

	s, err := credential.Open("sqlite", filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Put(ctx, "dev-key", credential.Record{Tier: "developer", IsActive: true}))
	require.NoError(t, s.Put(ctx, "off-key", credential.Record{Tier: "partner", IsActive: false}))

	r := credential.NewResolver(s, time.Minute)
	t.Cleanup(r.Close)

	return r
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, NewDefaultConfig().Validate())
	assert.Error(t, NewDefaultConfig().WithMaxFrameSize(0).Validate())
	assert.Error(t, NewDefaultConfig().WithListen("").Validate())
	assert.Error(t, NewDefaultConfig().WithTiers(tier.Table{tier.Public: {MaxConnections: -1}}).Validate())

	_, err := New(*NewDefaultConfig().WithSendBuffer(0), nil)
	assert.Error(t, err)
}

func TestConnectAnonymous(t *testing.T) {

	b := newBroker(t, testConfig(), nil)
	url := serve(t, b)

	_, cf := connect(t, url)

	assert.NotEmpty(t, cf.ClientID)
	assert.Equal(t, "test", cf.Version)
	assert.Equal(t, tier.Public, cf.Tier)

	_, err := time.Parse(time.RFC3339Nano, cf.ServerTime)
	assert.NoError(t, err)

	assert.Eventually(t, func() bool { return b.Count() == 1 }, timeout, 10*time.Millisecond)
	assert.Equal(t, 1, b.Counts()[tier.Public])
}

func TestAuthentication(t *testing.T) {

	b := newBroker(t, testConfig().WithAuthEnabled(true), newResolver(t))
	url := serve(t, b)

	// no credential
	assert.Equal(t, CloseAuthFailed, closeCode(t, dial(t, url)))

	// unknown and inactive credentials
	assert.Equal(t, CloseAuthFailed, closeCode(t, dial(t, url+"?api_key=nope")))
	assert.Equal(t, CloseAuthFailed, closeCode(t, dial(t, url+"?api_key=off-key")))

	// query parameter
	_, cf := connect(t, url+"?api_key=dev-key")
	assert.Equal(t, tier.Developer, cf.Tier)

	// header
	conn, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{CredentialHeader: {"dev-key"}})
	require.NoError(t, err)
	defer conn.Close()
	var hf ConnectedFrame
	readInto(t, conn, &hf)
	assert.Equal(t, tier.Developer, hf.Tier)

	assert.Eventually(t, func() bool { return b.Counts()[tier.Developer] == 2 }, timeout, 10*time.Millisecond)
	assert.Equal(t, 0, b.Counts()[tier.Public])
}

func TestCredentialResolvedWhenAuthDisabled(t *testing.T) {

	b := newBroker(t, testConfig(), newResolver(t))
	url := serve(t, b)

	assert.Equal(t, CloseAuthFailed, closeCode(t, dial(t, url+"?api_key=nope")))

	_, cf := connect(t, url+"?api_key=dev-key")
	assert.Equal(t, tier.Developer, cf.Tier)
}

func TestTierCeiling(t *testing.T) {

	b := newBroker(t, testConfig(), nil)
	url := serve(t, b)

	conns := []*websocket.Conn{}
	for i := 0; i < 5; i++ {
		conn, _ := connect(t, url)
		conns = append(conns, conn)
	}

	assert.Equal(t, CloseRateLimited, closeCode(t, dial(t, url)))
	assert.Equal(t, 5, b.Counts()[tier.Public])
	assert.Equal(t, 5, b.Count())

	// a slot is released on disconnect
	conns[0].Close()
	assert.Eventually(t, func() bool { return b.Counts()[tier.Public] == 4 }, timeout, 10*time.Millisecond)

	connect(t, url)
	assert.Equal(t, 5, b.Counts()[tier.Public])
}

func TestProtocol(t *testing.T) {

	b := newBroker(t, testConfig().WithMaxFrameSize(1024), nil)
	url := serve(t, b)

	conn, cf := connect(t, url)

	send(t, conn, `{"action":"ping"}`)
	var pf PongFrame
	readInto(t, conn, &pf)
	assert.Equal(t, "pong", pf.Type)
	_, err := time.Parse(time.RFC3339Nano, pf.Timestamp)
	assert.NoError(t, err)

	send(t, conn, `not json`)
	expectError(t, conn, InvalidJSON)

	send(t, conn, `{"channels":["tmi.issued"]}`)
	expectError(t, conn, InvalidRequest)

	send(t, conn, `{"action":"teleport"}`)
	expectError(t, conn, UnknownAction)

	send(t, conn, `{"action":"ping","pad":"`+strings.Repeat("x", 2000)+`"}`)
	expectError(t, conn, MessageTooLarge)

	// partially invalid subscribes install nothing
	send(t, conn, `{"action":"subscribe","channels":["tmi.issued","weather.metar"]}`)
	expectError(t, conn, InvalidChannel)

	send(t, conn, `{"action":"subscribe","channels":["tmi.issued"],"filters":{"bbox":{"north":40,"south":41,"east":-73,"west":-75}}}`)
	expectError(t, conn, InvalidFilter)

	send(t, conn, `{"action":"subscribe","channels":[]}`)
	expectError(t, conn, InvalidChannel)

	send(t, conn, `{"action":"subscribe","channels":"tmi.issued"}`)
	expectError(t, conn, InvalidRequest)

	send(t, conn, `{"action":"status"}`)
	var sf StatusFrame
	readInto(t, conn, &sf)
	assert.Equal(t, "status", sf.Type)
	assert.Equal(t, cf.ClientID, sf.ClientID)
	assert.Empty(t, sf.Subscriptions)
	assert.Equal(t, 0, b.Index().SessionCount())

	// round trip
	send(t, conn, `{"action":"subscribe","channels":["flight.position","tmi.*"],"filters":{"airports":["kjfk"]}}`)
	var sub SubscribedFrame
	readInto(t, conn, &sub)
	assert.Equal(t, "subscribed", sub.Type)
	assert.Equal(t, []string{"flight.position", "tmi.*"}, sub.Channels)
	assert.Equal(t, []string{"KJFK"}, sub.Filters.Airports)

	send(t, conn, `{"action":"unsubscribe","channels":["flight.position"]}`)
	var unsub UnsubscribedFrame
	readInto(t, conn, &unsub)
	assert.Equal(t, "unsubscribed", unsub.Type)
	assert.Equal(t, []string{"flight.position"}, unsub.Channels)

	send(t, conn, `{"action":"status"}`)
	readInto(t, conn, &sf)
	assert.Equal(t, []string{"tmi.*"}, sf.Subscriptions)
	assert.True(t, sf.MessagesReceived > 0)

	send(t, conn, `{"action":"unsubscribe"}`)
	readInto(t, conn, &unsub)
	assert.Equal(t, []string{"tmi.*"}, unsub.Channels)
	assert.Equal(t, 0, b.Index().SubscriberCount("tmi.*"))

	// still connected after all those errors
	send(t, conn, `{"action":"ping"}`)
	readInto(t, conn, &pf)
	assert.Equal(t, "pong", pf.Type)
}

func TestRateLimit(t *testing.T) {

	b := newBroker(t, testConfig().WithTiers(tier.DefaultTable()), nil)

	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	b.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	url := serve(t, b)
	conn, _ := connect(t, url)

	for i := 0; i < 10; i++ {
		send(t, conn, `{"action":"ping"}`)
		m := readFrame(t, conn)
		assert.Equal(t, "pong", m["type"], i)
	}

	send(t, conn, `{"action":"ping"}`)
	expectError(t, conn, RateLimited)

	mu.Lock()
	now = now.Add(time.Second)
	mu.Unlock()

	send(t, conn, `{"action":"ping"}`)
	m := readFrame(t, conn)
	assert.Equal(t, "pong", m["type"])
}

func TestPublish(t *testing.T) {

	b := newBroker(t, testConfig(), nil)
	url := serve(t, b)

	box, _ := connect(t, url)
	send(t, box, `{"action":"subscribe","channels":["flight.*"],"filters":{"bbox":{"north":41,"south":40,"east":-73,"west":-75}}}`)
	readFrame(t, box)

	all, _ := connect(t, url)
	send(t, all, `{"action":"subscribe","channels":["flight.position","flight.*"]}`)
	readFrame(t, all)

	// outside the box, no position, and another namespace
	assert.Equal(t, 1, b.Publish("flight.position", []byte(`{"callsign":"AAL1","lat":42,"lon":-74}`)))
	assert.Equal(t, 1, b.Publish("flight.position", []byte(`{"callsign":"AAL2"}`)))
	assert.Equal(t, 0, b.Publish("tmi.issued", []byte(`{"airport":"KJFK"}`)))

	// inside the box
	assert.Equal(t, 2, b.Publish("flight.position", []byte(`{"callsign":"AAL3","lat":40.5,"lon":-74}`)))

	m := readFrame(t, box)
	assert.Equal(t, "flight.position", m["type"])
	assert.Equal(t, "AAL3", m["data"].(map[string]interface{})["callsign"])
	assert.NotEmpty(t, m["timestamp"])

	// the wildcard and exact subscriptions give one copy, in publish order
	for _, cs := range []string{"AAL1", "AAL2", "AAL3"} {
		m := readFrame(t, all)
		assert.Equal(t, cs, m["data"].(map[string]interface{})["callsign"])
	}

	assert.Equal(t, 0, b.Publish("", []byte(`{}`)))
}

func TestDisconnectCleanup(t *testing.T) {

	b := newBroker(t, testConfig(), nil)
	url := serve(t, b)

	conn, cf := connect(t, url)
	send(t, conn, `{"action":"subscribe","channels":["flight.position","tmi.*"]}`)
	readFrame(t, conn)

	assert.Equal(t, []string{cf.ClientID}, b.Index().MatchingSessions("tmi.issued", event.Fields{}))
	assert.Equal(t, 1, b.Counts()[tier.Public])

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	assert.Eventually(t, func() bool { return b.Count() == 0 }, timeout, 10*time.Millisecond)
	assert.Empty(t, b.Index().MatchingSessions("tmi.issued", event.Fields{}))
	assert.Empty(t, b.Index().MatchingSessions("flight.position", event.Fields{}))
	assert.Equal(t, 0, b.Index().SubscriberCount("tmi.*"))
	assert.Equal(t, 0, b.Counts()[tier.Public])
	assert.Equal(t, 0, b.Publish("tmi.issued", nil))
}

func TestHeartbeat(t *testing.T) {

	b := newBroker(t, testConfig().WithHeartbeatEvery(50*time.Millisecond), nil)
	url := serve(t, b)

	conn, _ := connect(t, url)

	m := readFrame(t, conn)
	assert.Equal(t, HeartbeatType, m["type"])

	data := m["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["connected_clients"])
	assert.Contains(t, data, "uptime_seconds")
}

func TestConnectedIsFirstFrame(t *testing.T) {

	tiers := tier.DefaultTable()
	tiers[tier.Public] = tier.Limits{MaxConnections: 100, MaxMessagesPerSecond: 1000}

	b := newBroker(t, testConfig().WithTiers(tiers), nil)
	url := serve(t, b)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Heartbeat()
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		conn, cf := connect(t, url)
		assert.NotEmpty(t, cf.ClientID)
		conn.Close()
	}

	close(stop)
	wg.Wait()
}

func TestRemoteAddrIgnoresForwardingHeaders(t *testing.T) {

	b := newBroker(t, testConfig(), nil)
	url := serve(t, b)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Forwarded-For": []string{"198.51.100.9, 10.0.0.1"}})
	require.NoError(t, err)
	defer conn.Close()

	var cf ConnectedFrame
	readInto(t, conn, &cf)

	reports := b.Report()
	require.Len(t, reports, 1)
	assert.Equal(t, "127.0.0.1", reports[0].RemoteAddr)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "[::1]:4000"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	assert.Equal(t, "::1", remoteAddr(r))
}

func TestShutdownClosesSessions(t *testing.T) {

	b := newBroker(t, testConfig(), nil)
	url := serve(t, b)

	conn, _ := connect(t, url)
	b.Shutdown()

	assert.Equal(t, CloseGoingAway, closeCode(t, conn))
}

func TestBinaryFrameClosed(t *testing.T) {

	b := newBroker(t, testConfig(), nil)
	url := serve(t, b)

	conn, _ := connect(t, url)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))

	assert.Equal(t, CloseUnsupported, closeCode(t, conn))
	assert.Eventually(t, func() bool { return b.Count() == 0 }, timeout, 10*time.Millisecond)
}

func TestInvalidUTF8Closed(t *testing.T) {

	b := newBroker(t, testConfig(), nil)
	url := serve(t, b)

	conn, _ := connect(t, url)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte{0xff, 0xfe, 0xfd}))

	assert.Equal(t, CloseInvalidPayload, closeCode(t, conn))
}

func TestSlowConsumer(t *testing.T) {

	b := newBroker(t, testConfig(), nil)

	c := &Client{Session: session.New("", "", 1), broker: b}
	b.register(c)
	_, err := b.index.Subscribe(c.ID, []string{"flight.position"}, subscription.Filters{})
	require.NoError(t, err)

	other := &Client{Session: session.New("", "", 10), broker: b}
	b.register(other)
	_, err = b.index.Subscribe(other.ID, []string{"flight.*"}, subscription.Filters{})
	require.NoError(t, err)

	// nothing drains the queues, so the first client overflows on the
	// second event without affecting the other
	assert.Equal(t, 2, b.Publish("flight.position", []byte(`{}`)))
	assert.Equal(t, 1, b.Publish("flight.position", []byte(`{}`)))

	assert.True(t, c.Closed())
	code, _ := c.CloseCode()
	assert.Equal(t, CloseGoingAway, code)
	assert.False(t, other.Closed())
	assert.Equal(t, int64(2), other.MessagesSent())

	// closed sessions are not sent to again
	assert.Equal(t, 1, b.Publish("flight.position", []byte(`{}`)))
	assert.Equal(t, int64(1), c.MessagesSent())
}

func TestParseRequest(t *testing.T) {

	req, rerr := ParseRequest([]byte(`{"action":"subscribe","channels":["tmi.issued"],"filters":{"artccs":["zny"],"callsign_prefix":["aal"]}}`))
	require.Nil(t, rerr)
	sr, ok := req.(SubscribeRequest)
	require.True(t, ok)
	assert.Equal(t, []string{"tmi.issued"}, sr.Channels)
	assert.Equal(t, []string{"ZNY"}, sr.Filters.ARTCCs)
	assert.Equal(t, []string{"AAL"}, sr.Filters.CallsignPrefix)

	req, rerr = ParseRequest([]byte(`{"action":"unsubscribe","channels":null}`))
	require.Nil(t, rerr)
	assert.Equal(t, UnsubscribeRequest{Channels: []string{}}, req)

	req, rerr = ParseRequest([]byte(`{"action":"ping"}`))
	require.Nil(t, rerr)
	assert.Equal(t, PingRequest{}, req)

	req, rerr = ParseRequest([]byte(`{"action":"status"}`))
	require.Nil(t, rerr)
	assert.Equal(t, StatusRequest{}, req)

	req, rerr = ParseRequest([]byte(`{"action":"replay"}`))
	require.Nil(t, rerr)
	assert.Equal(t, UnknownRequest{Action: "replay"}, req)

	bad := map[string]ErrorCode{
		`[1,2]`: InvalidJSON,
		`{`:     InvalidJSON,
		`{}`:    InvalidRequest,
		`null`:  InvalidRequest,
		`{"action":"subscribe","channels":["flight.*.*"]}`:                   InvalidChannel,
		`{"action":"subscribe","channels":["tmi.issued"],"filters":[]}`:      InvalidFilter,
		`{"action":"subscribe","channels":["tmi.issued"],"filters":{"x":1}}`: InvalidFilter,
		`{"action":"unsubscribe","channels":{"a":1}}`:                        InvalidRequest,
	}

	for frame, code := range bad {
		_, rerr := ParseRequest([]byte(frame))
		if assert.NotNil(t, rerr, frame) {
			assert.Equal(t, code, rerr.Code, frame)
		}
	}
}
