package broker

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/perti/swim/internal/credential"
	"github.com/perti/swim/internal/event"
	"github.com/perti/swim/internal/metrics"
	"github.com/perti/swim/internal/session"
	"github.com/perti/swim/internal/tier"
	log "github.com/sirupsen/logrus"
)

// 4096 Bytes is the approx average message size
// this number does not limit message size
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWs handles websocket requests from clients.
func (b *Broker) serveWs(w http.ResponseWriter, r *http.Request) {

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("serveWs failed to upgrade to websocket")
		return
	}

	log.Trace("upgraded to ws") //Cannot return any http responses from here on

	s := session.New(remoteAddr(r), r.UserAgent(), b.config.SendBuffer).WithNow(b.Now)

	lf := log.WithFields(log.Fields{"client_id": s.ID, "remote_addr": s.RemoteAddr})

	cred := credentialFromRequest(r)

	t, err := b.authenticate(r.Context(), cred)

	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("auth_failed").Inc()
		lf.WithFields(log.Fields{"credential": mask(cred), "error": err.Error()}).Info("Unauthorized")
		rejectConn(conn, CloseAuthFailed, "authentication failed")
		return
	}

	// the slot is reserved before the session is visible to anyone
	if err := b.limit.Request(t, s.ID); err != nil {
		metrics.ConnectionsRejected.WithLabelValues("connection_limit").Inc()
		lf.WithFields(log.Fields{"tier": t, "max": b.limit.Max(t)}).Warn("connection limit reached")
		rejectConn(conn, CloseRateLimited, "connection limit reached for tier "+t.String())
		return
	}

	s.Authenticate(cred, t)

	c := &Client{
		Session: s,
		broker:  b,
		conn:    conn,
	}

	// connected is queued before the client is visible to broadcasts,
	// so it is always the first frame
	c.sendFrame(ConnectedFrame{
		Type:       "connected",
		ClientID:   s.ID,
		ServerTime: b.Now().UTC().Format(event.TimeFormat),
		Version:    b.config.Version,
		Tier:       t,
	})

	b.register(c)

	lf.WithFields(log.Fields{"tier": t, "user_agent": s.UserAgent}).Info("client connected")

	go c.writePump()
	go c.readPump()
}

// authenticate resolves the tier for a credential. No broker lock is
// held while the store is queried.
func (b *Broker) authenticate(ctx context.Context, cred string) (tier.Tier, error) {

	if cred == "" {
		if b.config.AuthEnabled {
			return tier.Public, credential.ErrNoCredential
		}
		return tier.Public, nil
	}

	if b.resolver == nil {
		return tier.Public, errors.New("no credential resolver configured")
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.AuthTimeout)
	defer cancel()

	return b.resolver.Resolve(ctx, cred)
}

// register adds a client to the live set
func (b *Broker) register(c *Client) {
	b.mu.Lock()
	b.clients[c.ID] = c
	b.mu.Unlock()
	metrics.Connections.WithLabelValues(c.Tier().String()).Inc()
}

// unregister tears down a client. It is safe to call more than once;
// only the first call releases the tier slot and purges subscriptions.
func (b *Broker) unregister(c *Client) {

	c.Close(CloseNormal, "")

	b.mu.Lock()
	_, ok := b.clients[c.ID]
	if ok {
		delete(b.clients, c.ID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	b.index.UnsubscribeAll(c.ID)
	b.limit.Release(c.Tier(), c.ID)
	metrics.Connections.WithLabelValues(c.Tier().String()).Dec()

	log.WithFields(log.Fields{"client_id": c.ID, "tier": c.Tier()}).Info("client disconnected")
}
