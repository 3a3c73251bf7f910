package intake

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/perti/swim/internal/event"
	log "github.com/sirupsen/logrus"
)

// DefaultSubject is the NATS subject carrying event batches
const DefaultSubject = "swim.events"

// Batch is the NATS message body
type Batch struct {
	ID     string      `json:"id"`
	Events []wireEvent `json:"events"`
}

type wireEvent struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConnectNATS connects to a NATS server, retrying indefinitely after a disconnect
func ConnectNATS(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("swim"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithField("error", err.Error()).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
}

// NATSSink forwards accepted batches to a NATS subject for a broker in
// another process. It holds no events itself.
type NATSSink struct {
	nc      *nats.Conn
	subject string
}

// NewNATSSink returns a sink publishing to subject
func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	return &NATSSink{nc: nc, subject: subject}
}

// Enqueue publishes the events as one batch
func (s *NATSSink) Enqueue(events []*event.Event) (int, int, error) {

	b := Batch{
		ID:     uuid.New().String(),
		Events: make([]wireEvent, 0, len(events)),
	}

	for _, ev := range events {
		b.Events = append(b.Events, wireEvent{Type: ev.Type, Timestamp: ev.Timestamp, Data: ev.Data})
	}

	data, err := json.Marshal(b)
	if err != nil {
		return 0, 0, err
	}

	if err := s.nc.Publish(s.subject, data); err != nil {
		return 0, 0, err
	}

	log.WithFields(log.Fields{"batch": b.ID, "events": len(events)}).Trace("batch sent to nats")

	return len(events), 0, nil
}

// Pending is always zero
func (s *NATSSink) Pending() int {
	return 0
}

// NATSSource receives batches from NATS and enqueues them locally
type NATSSource struct {
	nc      *nats.Conn
	subject string
	sink    Sink
	sub     *nats.Subscription
}

// NewNATSSource returns a source feeding sink from subject
func NewNATSSource(nc *nats.Conn, subject string, sink Sink) *NATSSource {
	return &NATSSource{nc: nc, subject: subject, sink: sink}
}

// Start subscribes to the subject
func (s *NATSSource) Start() error {

	if s.sub != nil {
		return errors.New("already started")
	}

	sub, err := s.nc.Subscribe(s.subject, s.handle)
	if err != nil {
		return err
	}

	s.sub = sub

	log.WithField("subject", s.subject).Info("receiving events from nats")

	return nil
}

func (s *NATSSource) handle(m *nats.Msg) {

	var b Batch

	if err := json.Unmarshal(m.Data, &b); err != nil {
		log.WithField("error", err.Error()).Warn("nats batch ignored")
		return
	}

	events := make([]*event.Event, 0, len(b.Events))

	for _, w := range b.Events {
		ev := &event.Event{Type: w.Type, Timestamp: w.Timestamp, Data: w.Data}
		if err := ev.Validate(); err != nil {
			continue
		}
		events = append(events, ev)
	}

	if _, _, err := s.sink.Enqueue(events); err != nil {
		log.WithFields(log.Fields{"batch": b.ID, "error": err.Error()}).Error("nats batch not enqueued")
	}
}

// Close unsubscribes
func (s *NATSSource) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}
