package broker

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/perti/swim/internal/metrics"
	"github.com/perti/swim/internal/session"
	log "github.com/sirupsen/logrus"
)

// CredentialHeader is the header that may carry the credential
const CredentialHeader = "X-API-Key"

// CredentialParam is the query parameter that may carry the credential
const CredentialParam = "api_key"

// credentialFromRequest prefers the query parameter over the header
func credentialFromRequest(r *http.Request) string {
	if k := strings.TrimSpace(r.URL.Query().Get(CredentialParam)); k != "" {
		return k
	}
	return strings.TrimSpace(r.Header.Get(CredentialHeader))
}

// remoteAddr returns the peer address. Forwarding headers are set by
// the caller and are not trusted.
func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// mask shows only the ends of a secret
func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// rejectConn closes a connection that never became a session
func rejectConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.WithField("error", err.Error()).Debug("could not write close frame")
	}
	conn.Close()
}

// sendFrame serialises v and queues it for the client. A full queue
// means the client is not keeping up, so it is disconnected.
func (c *Client) sendFrame(v interface{}) bool {

	data, err := json.Marshal(v)
	if err != nil {
		log.WithFields(log.Fields{"client_id": c.ID, "error": err.Error()}).Error("could not marshal frame")
		return false
	}

	return c.send(data)
}

func (c *Client) send(data []byte) bool {

	err := c.Send(data)

	switch err {
	case nil:
		return true
	case session.ErrBufferFull:
		metrics.SlowConsumers.Inc()
		log.WithFields(log.Fields{"client_id": c.ID, "tier": c.Tier()}).Warn("slow consumer disconnected")
		c.Close(CloseGoingAway, "slow consumer")
	}

	return false
}

func (c *Client) sendError(code ErrorCode, message string) {
	metrics.FramesRejected.WithLabelValues(string(code)).Inc()
	log.WithFields(log.Fields{"client_id": c.ID, "code": code}).Debug(message)
	c.sendFrame(ErrorFrame{Type: "error", Code: code, Message: message})
}
