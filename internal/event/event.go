// Package event represents the operational events that are
// distributed to subscribers, and the fields that filters inspect
package event

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// TimeFormat is used for every timestamp sent to clients
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ErrNoType is returned when an event has an empty type
var ErrNoType = errors.New("event type is required")

// Event represents a single published event. Data is passed
// through to subscribers untouched; only Fields are inspected.
type Event struct {
	Type      string          `json:"type" validate:"required"`
	Timestamp time.Time       `json:"-"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Fields holds the filterable parts of an event's data
type Fields struct {
	Callsign  string
	Departure string
	Arrival   string
	Airport   string
	ARTCC     string
	Latitude  *float64
	Longitude *float64
}

// New returns an event stamped with the current time
func New(eventType string, data json.RawMessage) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Validate checks the event can be routed
func (e *Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return ErrNoType
	}
	return nil
}

// Namespace returns the part of the type before the first dot
func (e *Event) Namespace() string {
	return Namespace(e.Type)
}

// Namespace returns the part of a channel-shaped string before the first dot
func Namespace(s string) string {
	if i := strings.Index(s, "."); i >= 0 {
		return s[:i]
	}
	return s
}

// Fields extracts the filterable fields from the event data.
// Data that is not a JSON object yields empty fields.
func (e *Event) Fields() Fields {
	return ParseFields(e.Data)
}

// ParseFields extracts filterable fields from raw event data. Each
// field is decoded on its own, so a value of the wrong type loses only
// that field. Where a field has more than one name, the first name
// carrying a usable value wins.
func ParseFields(data []byte) Fields {

	if len(data) == 0 {
		return Fields{}
	}

	var parts map[string]json.RawMessage

	if err := json.Unmarshal(data, &parts); err != nil {
		return Fields{}
	}

	return Fields{
		Callsign:  code(parts, "callsign"),
		Departure: code(parts, "departure", "dep_airport"),
		Arrival:   code(parts, "arrival", "arr_airport"),
		Airport:   code(parts, "airport"),
		ARTCC:     code(parts, "current_artcc", "artcc"),
		Latitude:  coordinate(parts, "latitude", "lat"),
		Longitude: coordinate(parts, "longitude", "lon"),
	}
}

// code returns the first non-empty string value, upper cased
func code(parts map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		raw, ok := parts[k]
		if !ok {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		v = strings.ToUpper(strings.TrimSpace(v))
		if v != "" {
			return v
		}
	}
	return ""
}

// coordinate returns the first numeric value, accepting numbers sent as strings
func coordinate(parts map[string]json.RawMessage, keys ...string) *float64 {
	for _, k := range keys {
		raw, ok := parts[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		return &f
	}
	return nil
}

// Frame is the message written to subscribers for each event
type Frame struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Frame returns the wire representation of the event
func (e *Event) Frame() Frame {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Frame{
		Type:      e.Type,
		Timestamp: ts.UTC().Format(TimeFormat),
		Data:      data,
	}
}

// Marshal returns the serialised frame for the event
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e.Frame())
}
