/*
   client is a swim websocket client that automatically reconnects
   Copyright (C) 2026 The swim authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// close codes after which reconnecting cannot succeed
const (
	closeAuthFailed  = 4001
	closeRateLimited = 4002
)

// TerminalError is returned when the server refuses the connection in
// a way that retrying will not fix
type TerminalError struct {
	Code int
	Text string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("connection refused with close code %d: %s", e.Code, e.Text)
}

// IsTerminal reports whether err means the client should stop retrying
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}

// Client represents a websocket client that will reconnect if the connection is closed,
// and re-send its subscription each time it connects
type Client struct {
	Credential  string
	ConnectedAt time.Time
	In          chan []byte
	Out         chan []byte
	Retry       RetryConfig
	URL         string
	ID          string

	// subscribe is sent after every (re)connect
	subscribe []byte
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor float64
	Jitter bool
	Min    time.Duration
	Max    time.Duration
}

type subscribeRequest struct {
	Action   string          `json:"action"`
	Channels []string        `json:"channels"`
	Filters  json.RawMessage `json:"filters,omitempty"`
}

// New returns a pointer to a new reconnecting client for the broker at
// urlStr. The credential may be empty for anonymous connections.
func New(urlStr, credential string) *Client {
	return &Client{
		Credential: credential,
		In:         make(chan []byte, 64),
		Out:        make(chan []byte, 64),
		Retry: RetryConfig{Factor: 2,
			Min:    1 * time.Second,
			Max:    10 * time.Second,
			Jitter: false},
		URL: urlStr,
		ID:  uuid.New().String()[0:6],
	}
}

// WithSubscription sets the channels and (optional, raw JSON) filters
// to subscribe to on every connection
func (c *Client) WithSubscription(channels []string, filters json.RawMessage) (*Client, error) {
	data, err := json.Marshal(subscribeRequest{Action: "subscribe", Channels: channels, Filters: filters})
	if err != nil {
		return c, err
	}
	c.subscribe = data
	return c, nil
}

// WithRetry sets the backoff between connection attempts
func (c *Client) WithRetry(retry RetryConfig) *Client {
	c.Retry = retry
	return c
}

// Run connects, and reconnects with backoff, until the context is
// cancelled or the server refuses the connection terminally
func (c *Client) Run(ctx context.Context) error {

	id := "client.Run(" + c.ID + ")"

	boff := &backoff.Backoff{
		Min:    c.Retry.Min,
		Max:    c.Retry.Max,
		Factor: c.Retry.Factor,
		Jitter: c.Retry.Jitter,
	}

	for {

		err := c.Dial(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if IsTerminal(err) {
			log.WithField("error", err.Error()).Errorf("%s: not retrying", id)
			return err
		}

		if err == nil {
			boff.Reset()
		}

		wait := boff.Duration()

		log.WithFields(log.Fields{"error": err, "wait": wait.String()}).Debugf("%s: reconnecting", id)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// dialURL adds the credential to the query
func (c *Client) dialURL() (string, error) {

	if c.URL == "" {
		return "", errors.New("can't dial an empty url")
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return "", err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.New("url needs to start with ws or wss")
	}

	if u.User != nil {
		return "", errors.New("url can't contain user name and password")
	}

	if c.Credential != "" {
		q := u.Query()
		q.Set("api_key", c.Credential)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// Dial the broker once.
// If dial fails then return immediately
// If dial succeeds then handle message traffic until
// the connection closes or the context is cancelled
func (c *Client) Dial(ctx context.Context) error {

	id := "client.Dial(" + c.ID + ")"

	urlStr, err := c.dialURL()
	if err != nil {
		log.WithField("error", err.Error()).Errorf("%s: bad url", id)
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)
	if err != nil {
		log.WithField("error", err.Error()).Debugf("%s: dialing error", id)
		return err
	}
	defer conn.Close()

	c.ConnectedAt = time.Now()

	log.Tracef("%s: connected", id)

	if c.subscribe != nil {
		if err := conn.WriteMessage(websocket.TextMessage, c.subscribe); err != nil {
			return err
		}
	}

	readErr := make(chan error, 1)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case c.In <- data:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	for {
		select {

		case err := <-readErr:
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				if ce.Code == closeAuthFailed || ce.Code == closeRateLimited {
					return &TerminalError{Code: ce.Code, Text: ce.Text}
				}
				log.WithFields(log.Fields{"code": ce.Code, "text": ce.Text}).Infof("%s: closed by server", id)
				return nil // nil error resets the backoff
			}
			return err

		case msg := <-c.Out:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithField("error", err.Error()).Infof("%s: error writing to conn; closing", id)
				return err
			}

		case <-ctx.Done():
			err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			if err != nil {
				log.WithField("error", err.Error()).Debugf("%s: error sending close message", id)
			}
			return nil
		}
	}
}
