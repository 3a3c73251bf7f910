// Package broker accepts websocket sessions, lets them subscribe to
// event channels with filters, and fans out published events to the
// sessions whose subscriptions match
package broker

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/perti/swim/internal/credential"
	"github.com/perti/swim/internal/event"
	"github.com/perti/swim/internal/limit"
	"github.com/perti/swim/internal/metrics"
	"github.com/perti/swim/internal/subscription"
	"github.com/perti/swim/internal/tier"
	log "github.com/sirupsen/logrus"
)

// HeartbeatType is the event type of the periodic liveness broadcast
const HeartbeatType = "system.heartbeat"

// New returns a broker. The resolver may be nil if every connection
// is anonymous, i.e. auth is disabled and no credentials are presented.
func New(config Config, resolver *credential.Resolver) (*Broker, error) {

	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.Tiers = config.Tiers.Copy()

	return &Broker{
		config:    config,
		resolver:  resolver,
		limit:     limit.New(config.Tiers),
		index:     subscription.New(),
		clients:   make(map[string]*Client),
		mu:        &sync.RWMutex{},
		publishMu: &sync.Mutex{},
		started:   time.Now(),
		Now:       time.Now,
	}, nil
}

// Handler returns the websocket handler, served at / and /ws
func (b *Broker) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", b.serveWs)
	r.HandleFunc("/ws", b.serveWs)
	return r
}

// Run serves websocket connections and sends heartbeats until the
// context is cancelled, then closes every session with going-away
func (b *Broker) Run(ctx context.Context) error {

	h := &http.Server{Addr: b.config.Listen, Handler: b.Handler()}

	errs := make(chan error, 1)

	go func() {
		log.WithField("listen", b.config.Listen).Info("broker listening")
		if err := h.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	ticker := time.NewTicker(b.config.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Heartbeat()
		case err := <-errs:
			log.WithField("error", err.Error()).Error("broker stopped")
			b.Shutdown()
			return err
		case <-ctx.Done():
			log.Info("broker shutting down")
			b.Shutdown()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return h.Shutdown(sctx)
		}
	}
}

// Shutdown closes every live session with going-away
func (b *Broker) Shutdown() {
	for _, c := range b.snapshot() {
		c.Close(CloseGoingAway, "server shutting down")
	}
}

// snapshot returns the live clients without holding the lock afterwards
func (b *Broker) snapshot() []*Client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	return clients
}

func (b *Broker) client(id string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[id]
	return c, ok
}

// Publish sends an event of the given type to every matching session,
// returning how many sessions it was queued for
func (b *Broker) Publish(eventType string, data json.RawMessage) int {
	return b.PublishEvent(event.New(eventType, data))
}

// PublishEvent sends the event to every session subscribed to its type
// (exactly or by wildcard) whose filters accept it. A failure to queue
// for one session does not affect the others.
func (b *Broker) PublishEvent(ev *event.Event) int {

	if err := ev.Validate(); err != nil {
		log.WithField("error", err.Error()).Warn("event not published")
		return 0
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.Now()
	}

	frame, err := ev.Marshal()
	if err != nil {
		log.WithFields(log.Fields{"type": ev.Type, "error": err.Error()}).Error("could not marshal event")
		return 0
	}

	fields := ev.Fields()

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	metrics.EventsPublished.WithLabelValues(ev.Namespace()).Inc()

	delivered := 0

	for _, id := range b.index.MatchingSessions(ev.Type, fields) {
		c, ok := b.client(id)
		if !ok {
			continue
		}
		if c.send(frame) {
			delivered++
		}
	}

	metrics.FramesDelivered.Add(float64(delivered))

	log.WithFields(log.Fields{"type": ev.Type, "delivered": delivered}).Trace("published")

	return delivered
}

// Broadcast sends a frame to every live session regardless of subscriptions
func (b *Broker) Broadcast(frame []byte) int {

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	delivered := 0

	for _, c := range b.snapshot() {
		if c.send(frame) {
			delivered++
		}
	}

	metrics.FramesDelivered.Add(float64(delivered))

	return delivered
}

// Heartbeat broadcasts a system.heartbeat event
func (b *Broker) Heartbeat() int {

	data, err := json.Marshal(HeartbeatData{
		ConnectedClients: b.Count(),
		UptimeSeconds:    int64(b.Uptime().Seconds()),
	})
	if err != nil {
		log.WithField("error", err.Error()).Error("could not marshal heartbeat")
		return 0
	}

	ev := event.New(HeartbeatType, data)
	ev.Timestamp = b.Now()

	frame, err := ev.Marshal()
	if err != nil {
		log.WithField("error", err.Error()).Error("could not marshal heartbeat")
		return 0
	}

	n := b.Broadcast(frame)

	log.WithField("clients", n).Trace("heartbeat")

	return n
}

// Count returns the number of live sessions
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Counts returns the number of live sessions per tier
func (b *Broker) Counts() map[tier.Tier]int {
	return b.limit.Counts()
}

// Uptime returns the time since the broker was created
func (b *Broker) Uptime() time.Duration {
	return time.Since(b.started)
}

// Index returns the subscription index
func (b *Broker) Index() *subscription.Index {
	return b.index
}

// Report describes every live session, ordered by connection time
func (b *Broker) Report() []ClientReport {

	clients := b.snapshot()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})

	reports := make([]ClientReport, 0, len(clients))

	for _, c := range clients {
		reports = append(reports, ClientReport{
			ClientID:         c.ID,
			Tier:             c.Tier(),
			Connected:        c.ConnectedAt.UTC().Format(event.TimeFormat),
			RemoteAddr:       c.RemoteAddr,
			UserAgent:        c.UserAgent,
			Subscriptions:    b.index.Channels(c.ID),
			Filters:          b.index.Filters(c.ID),
			MessagesSent:     c.MessagesSent(),
			MessagesReceived: c.MessagesReceived(),
			Stats: RxTx{
				Tx: c.Stats().Tx.Report(),
				Rx: c.Stats().Rx.Report(),
			},
		})
	}

	return reports
}
