package broker

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// onTransportError logs a fault on one connection and forces it closed
func (c *Client) onTransportError(err error) {
	log.WithFields(log.Fields{"client_id": c.ID, "error": err.Error()}).Error("transport error")
	c.Close(CloseInternalError, "internal error")
}

// recoverPump converts a panic in a pump into a forced close of that connection
func (c *Client) recoverPump(pump string) {
	if r := recover(); r != nil {
		c.onTransportError(fmt.Errorf("%s panic: %v", pump, r))
	}
}

// readPump pumps messages from the websocket connection to the broker.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {

	defer func() {
		c.broker.unregister(c)
		log.WithField("client_id", c.ID).Trace("readpump closed")
	}()

	defer c.recoverPump("readPump")

	c.conn.SetReadLimit(int64(c.broker.config.MaxFrameSize) * hardLimitFactor)

	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if err != nil {
		log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return err
	})

	for {

		mt, data, err := c.conn.ReadMessage()

		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				log.WithField("client_id", c.ID).Warn("frame over hard read limit")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.WithFields(log.Fields{"client_id": c.ID, "error": err.Error()}).Error("unexpected close")
			}
			break
		}

		if mt != websocket.TextMessage {
			c.Close(CloseUnsupported, "only text frames are supported")
			break
		}

		c.broker.handleMessage(c, data)

		if c.Closed() {
			break
		}
	}
}

// writePump pumps messages from the broker to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {

	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
		log.WithField("client_id", c.ID).Trace("write pump dead")
	}()

	defer c.recoverPump("writePump")

	for {
		select {

		case frame := <-c.Outbound():

			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump deadline error: %s", err.Error())
				c.Close(CloseGoingAway, "")
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithFields(log.Fields{"client_id": c.ID, "error": err.Error()}).Debug("writePump writing error")
				c.Close(CloseGoingAway, "")
				return
			}

			c.Written(len(frame))

		case <-ticker.C:

			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump ping deadline error: %v", err)
				c.Close(CloseGoingAway, "")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(CloseGoingAway, "")
				return
			}

		case <-c.Done():

			code, reason := c.CloseCode()
			msg := websocket.FormatCloseMessage(code, reason)
			if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				log.WithField("error", err.Error()).Trace("writePump close frame not sent")
			}
			return
		}
	}
}
