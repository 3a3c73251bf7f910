package subscription

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/perti/swim/internal/event"
)

// ErrInvalidFilter is returned when a filter object has the wrong shape
var ErrInvalidFilter = errors.New("invalid filter")

// BoundingBox is an inclusive lat/lon box
type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Contains reports whether the point lies within the box, edges included
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat <= b.North && lat >= b.South && lon <= b.East && lon >= b.West
}

// Validate checks north > south and east > west
func (b BoundingBox) Validate() error {
	if !(b.North > b.South) {
		return fmt.Errorf("%w: bbox north must be greater than south", ErrInvalidFilter)
	}
	if !(b.East > b.West) {
		return fmt.Errorf("%w: bbox east must be greater than west", ErrInvalidFilter)
	}
	if b.North > 90 || b.South < -90 || b.East > 180 || b.West < -180 {
		return fmt.Errorf("%w: bbox out of range", ErrInvalidFilter)
	}
	return nil
}

// Filters constrains which events a session receives. An empty
// category places no constraint on that dimension.
type Filters struct {
	Airports       []string     `json:"airports,omitempty"`
	ARTCCs         []string     `json:"artccs,omitempty"`
	CallsignPrefix []string     `json:"callsign_prefix,omitempty"`
	BBox           *BoundingBox `json:"bbox,omitempty"`
}

// IsEmpty reports whether no category is set
func (f Filters) IsEmpty() bool {
	return len(f.Airports) == 0 && len(f.ARTCCs) == 0 && len(f.CallsignPrefix) == 0 && f.BBox == nil
}

// ParseFilters decodes and validates a filter object. A missing or
// null object yields empty filters.
func ParseFilters(raw []byte) (Filters, error) {

	f := Filters{}

	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return f, nil
	}

	var parts map[string]json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return f, fmt.Errorf("%w: filters must be an object", ErrInvalidFilter)
	}

	var err error

	for key, value := range parts {
		switch key {
		case "airports":
			f.Airports, err = parseCodes(key, value)
		case "artccs":
			f.ARTCCs, err = parseCodes(key, value)
		case "callsign_prefix":
			f.CallsignPrefix, err = parseCodes(key, value)
		case "bbox":
			f.BBox, err = parseBBox(value)
		default:
			err = fmt.Errorf("%w: unknown filter %q", ErrInvalidFilter, key)
		}
		if err != nil {
			return Filters{}, err
		}
	}

	return f, nil
}

func parseCodes(key string, raw json.RawMessage) ([]string, error) {

	if strings.TrimSpace(string(raw)) == "null" {
		return nil, nil
	}

	var codes []string
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, fmt.Errorf("%w: %s must be an array of strings", ErrInvalidFilter, key)
	}

	return normalise(codes), nil
}

func parseBBox(raw json.RawMessage) (*BoundingBox, error) {

	if strings.TrimSpace(string(raw)) == "null" {
		return nil, nil
	}

	var parts map[string]*float64
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("%w: bbox must be an object of numbers", ErrInvalidFilter)
	}

	for _, k := range []string{"north", "south", "east", "west"} {
		if parts[k] == nil {
			return nil, fmt.Errorf("%w: bbox requires %s", ErrInvalidFilter, k)
		}
	}

	b := &BoundingBox{
		North: *parts["north"],
		South: *parts["south"],
		East:  *parts["east"],
		West:  *parts["west"],
	}

	if err := b.Validate(); err != nil {
		return nil, err
	}

	return b, nil
}

// normalise upper-cases, trims and removes empty and duplicate codes
func normalise(codes []string) []string {
	seen := make(map[string]bool)
	n := []string{}
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		n = append(n, c)
	}
	sort.Strings(n)
	return n
}

// Merge returns the union of f and other. A bounding box in other
// replaces any box in f, since two boxes have no single-box union.
func (f Filters) Merge(other Filters) Filters {
	m := Filters{
		Airports:       normalise(append(append([]string{}, f.Airports...), other.Airports...)),
		ARTCCs:         normalise(append(append([]string{}, f.ARTCCs...), other.ARTCCs...)),
		CallsignPrefix: normalise(append(append([]string{}, f.CallsignPrefix...), other.CallsignPrefix...)),
		BBox:           f.BBox,
	}
	if other.BBox != nil {
		b := *other.BBox
		m.BBox = &b
	}
	if len(m.Airports) == 0 {
		m.Airports = nil
	}
	if len(m.ARTCCs) == 0 {
		m.ARTCCs = nil
	}
	if len(m.CallsignPrefix) == 0 {
		m.CallsignPrefix = nil
	}
	return m
}

// Matches applies every configured category (logical AND). An event
// missing a field that an active category needs fails that category.
func (f Filters) Matches(ev event.Fields) bool {

	if len(f.Airports) > 0 {
		if !containsAny(f.Airports, ev.Departure, ev.Arrival, ev.Airport) {
			return false
		}
	}

	if len(f.ARTCCs) > 0 {
		if !containsAny(f.ARTCCs, ev.ARTCC) {
			return false
		}
	}

	if len(f.CallsignPrefix) > 0 {
		if ev.Callsign == "" {
			return false
		}
		ok := false
		for _, p := range f.CallsignPrefix {
			if strings.HasPrefix(ev.Callsign, p) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if f.BBox != nil {
		if ev.Latitude == nil || ev.Longitude == nil {
			return false
		}
		if !f.BBox.Contains(*ev.Latitude, *ev.Longitude) {
			return false
		}
	}

	return true
}

func containsAny(list []string, values ...string) bool {
	for _, v := range values {
		if v == "" {
			continue
		}
		for _, l := range list {
			if l == v {
				return true
			}
		}
	}
	return false
}
