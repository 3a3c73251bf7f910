package event

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
)

func TestParseFields(t *testing.T) {

	f := ParseFields([]byte(`{"callsign":"aal123","dep_airport":"kjfk","arrival":"KLAX","current_artcc":"ZNY","latitude":40.5,"longitude":-74}`))

	assert.Equal(t, "AAL123", f.Callsign)
	assert.Equal(t, "KJFK", f.Departure)
	assert.Equal(t, "KLAX", f.Arrival)
	assert.Equal(t, "ZNY", f.ARTCC)
	if assert.NotNil(t, f.Latitude) && assert.NotNil(t, f.Longitude) {
		assert.Equal(t, 40.5, *f.Latitude)
		assert.Equal(t, -74.0, *f.Longitude)
	}

	// short coordinate names
	f = ParseFields([]byte(`{"lat":1.5,"lon":2.5,"airport":"KBOS","artcc":"ZBW"}`))
	assert.Equal(t, 1.5, *f.Latitude)
	assert.Equal(t, 2.5, *f.Longitude)
	assert.Equal(t, "KBOS", f.Airport)
	assert.Equal(t, "ZBW", f.ARTCC)

	// not an object
	assert.Equal(t, Fields{}, ParseFields([]byte(`[1,2,3]`)))
	assert.Equal(t, Fields{}, ParseFields(nil))
}

func TestParseFieldsKeepsValidFieldsBesideMistypedOnes(t *testing.T) {

	f := ParseFields([]byte(`{"airport":"KJFK","lat":"40.5","lon":"-74.25","departure":123,"dep_airport":"kbos","artcc":["ZNY"],"callsign":null}`))

	assert.Equal(t, "KJFK", f.Airport)
	assert.Equal(t, "KBOS", f.Departure)
	assert.Equal(t, "", f.ARTCC)
	assert.Equal(t, "", f.Callsign)
	if assert.NotNil(t, f.Latitude) && assert.NotNil(t, f.Longitude) {
		assert.Equal(t, 40.5, *f.Latitude)
		assert.Equal(t, -74.25, *f.Longitude)
	}

	// an unusable long name falls back to the short one
	f = ParseFields([]byte(`{"latitude":"north","lat":41,"longitude":true}`))
	if assert.NotNil(t, f.Latitude) {
		assert.Equal(t, 41.0, *f.Latitude)
	}
	assert.Nil(t, f.Longitude)

	f = ParseFields([]byte(`{"lat":"NaN","lon":""}`))
	assert.Nil(t, f.Latitude)
	assert.Nil(t, f.Longitude)
}

func TestFrame(t *testing.T) {

	e := New("flight.position", json.RawMessage(`{"callsign":"UAL1"}`))
	e.Timestamp = time.Date(2026, 1, 2, 3, 4, 5, 6000000, time.UTC)

	assert.NoError(t, e.Validate())
	assert.Equal(t, "flight", e.Namespace())
	assert.Equal(t, "UAL1", e.Fields().Callsign)

	b, err := e.Marshal()
	assert.NoError(t, err)
	assert.JSONEq(t, `{"type":"flight.position","timestamp":"2026-01-02T03:04:05.006Z","data":{"callsign":"UAL1"}}`, string(b))

	empty := &Event{Type: "system.heartbeat"}
	assert.Equal(t, json.RawMessage("null"), empty.Frame().Data)

	assert.ErrorIs(t, (&Event{Type: " "}).Validate(), ErrNoType)
}
