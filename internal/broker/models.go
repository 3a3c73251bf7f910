package broker

import (
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/perti/swim/internal/credential"
	"github.com/perti/swim/internal/limit"
	"github.com/perti/swim/internal/session"
	"github.com/perti/swim/internal/subscription"
	"github.com/perti/swim/internal/tier"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// frames larger than MaxFrameSize * hardLimitFactor are refused by the transport
	hardLimitFactor = 16
)

// Close codes sent when the server ends a connection
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseGoingAway      = websocket.CloseGoingAway
	CloseProtocolError  = websocket.CloseProtocolError
	CloseUnsupported    = websocket.CloseUnsupportedData
	CloseInternalError  = websocket.CloseInternalServerErr
	CloseAuthFailed     = 4001
	CloseRateLimited    = 4002
	CloseInvalidPayload = 4003
)

// ErrorCode is a stable, machine readable reason carried in error frames
type ErrorCode string

// ErrorCode values
const (
	MessageTooLarge ErrorCode = "MESSAGE_TOO_LARGE"
	RateLimited     ErrorCode = "RATE_LIMITED"
	InvalidJSON     ErrorCode = "INVALID_JSON"
	InvalidChannel  ErrorCode = "INVALID_CHANNEL"
	InvalidFilter   ErrorCode = "INVALID_FILTER"
	UnknownAction   ErrorCode = "UNKNOWN_ACTION"
	InvalidRequest  ErrorCode = "INVALID_REQUEST"
)

// Config represents configuration options for a broker instance
// Use this struct to pass configuration as argument during testing
type Config struct {

	// Listen is the address the websocket server listens on, e.g. :8090
	Listen string `validate:"required"`

	// AuthEnabled requires every connection to present a credential
	AuthEnabled bool

	// AuthTimeout bounds the credential lookup during the handshake
	AuthTimeout time.Duration `validate:"gt=0"`

	// HeartbeatEvery is the interval between system.heartbeat broadcasts
	HeartbeatEvery time.Duration `validate:"gt=0"`

	// MaxFrameSize is the largest client frame that is processed
	MaxFrameSize int `validate:"gt=0"`

	// SendBuffer is the length of each session's outbound queue
	SendBuffer int `validate:"gt=0"`

	// Tiers holds the connection and rate limits per tier
	Tiers tier.Table `validate:"required,dive"`

	// Version is reported to clients on connect
	Version string
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		Listen:         ":8090",
		AuthEnabled:    true,
		AuthTimeout:    5 * time.Second,
		HeartbeatEvery: 30 * time.Second,
		MaxFrameSize:   65536,
		SendBuffer:     session.DefaultBufferSize,
		Tiers:          tier.DefaultTable(),
		Version:        "dev",
	}
}

// WithListen sets the listening address
func (c *Config) WithListen(listen string) *Config {
	c.Listen = listen
	return c
}

// WithAuthEnabled sets whether a credential is required
func (c *Config) WithAuthEnabled(enabled bool) *Config {
	c.AuthEnabled = enabled
	return c
}

// WithAuthTimeout sets the bound on credential lookups
func (c *Config) WithAuthTimeout(timeout time.Duration) *Config {
	c.AuthTimeout = timeout
	return c
}

// WithHeartbeatEvery sets the heartbeat interval
func (c *Config) WithHeartbeatEvery(every time.Duration) *Config {
	c.HeartbeatEvery = every
	return c
}

// WithMaxFrameSize sets the largest client frame that is processed
func (c *Config) WithMaxFrameSize(size int) *Config {
	c.MaxFrameSize = size
	return c
}

// WithSendBuffer sets the outbound queue length
func (c *Config) WithSendBuffer(size int) *Config {
	c.SendBuffer = size
	return c
}

// WithTiers sets the tier limits
func (c *Config) WithTiers(t tier.Table) *Config {
	c.Tiers = t.Copy()
	return c
}

// WithVersion sets the version reported to clients
func (c *Config) WithVersion(version string) *Config {
	c.Version = version
	return c
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// Broker owns the live sessions and routes events to them
type Broker struct {
	config Config

	resolver *credential.Resolver

	limit *limit.Limit

	index *subscription.Index

	// live sessions by id
	clients map[string]*Client

	mu *sync.RWMutex

	// publishing is serialised so each session sees events in publish order
	publishMu *sync.Mutex

	started time.Time

	Now func() time.Time
}

// Client is a middleperson between the websocket connection and the broker
type Client struct {
	*session.Session

	broker *Broker

	// The websocket connection.
	conn *websocket.Conn
}

// ConnectedFrame acknowledges a successful handshake
type ConnectedFrame struct {
	Type       string    `json:"type"`
	ClientID   string    `json:"client_id"`
	ServerTime string    `json:"server_time"`
	Version    string    `json:"version"`
	Tier       tier.Tier `json:"tier"`
}

// ErrorFrame reports a non-terminal fault
type ErrorFrame struct {
	Type    string    `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// SubscribedFrame echoes the session's channels and filters after a subscribe
type SubscribedFrame struct {
	Type     string               `json:"type"`
	Channels []string             `json:"channels"`
	Filters  subscription.Filters `json:"filters"`
}

// UnsubscribedFrame lists the channels removed
type UnsubscribedFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// PongFrame answers a ping
type PongFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// StatusFrame describes the session to itself
type StatusFrame struct {
	Type             string               `json:"type"`
	ClientID         string               `json:"client_id"`
	Tier             tier.Tier            `json:"tier"`
	ConnectedAt      string               `json:"connected_at"`
	Subscriptions    []string             `json:"subscriptions"`
	Filters          subscription.Filters `json:"filters"`
	MessagesSent     int64                `json:"messages_sent"`
	MessagesReceived int64                `json:"messages_received"`
}

// HeartbeatData is the payload of system.heartbeat events
type HeartbeatData struct {
	ConnectedClients int   `json:"connected_clients"`
	UptimeSeconds    int64 `json:"uptime_seconds"`
}

// RxTx represents statistics for both receive and transmit
type RxTx struct {
	Tx session.ReportStats `json:"tx"`
	Rx session.ReportStats `json:"rx"`
}

// ClientReport represents information about a client's connection, subscriptions, and statistics
type ClientReport struct {
	ClientID string `json:"client_id"`

	Tier tier.Tier `json:"tier"`

	Connected string `json:"connected"`

	RemoteAddr string `json:"remote_addr"`

	UserAgent string `json:"user_agent"`

	Subscriptions []string `json:"subscriptions"`

	Filters subscription.Filters `json:"filters"`

	MessagesSent int64 `json:"messages_sent"`

	MessagesReceived int64 `json:"messages_received"`

	Stats RxTx `json:"stats"`
}
