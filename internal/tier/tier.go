// Package tier defines the service classes that bound how many
// connections a credential may hold and how fast it may send
package tier

import (
	"errors"
	"math"
	"strings"
)

// Tier represents a named service class
type Tier string

// Known tiers, from most to least restricted
const (
	Public    Tier = "public"
	Developer Tier = "developer"
	Partner   Tier = "partner"
	System    Tier = "system"
)

// Unlimited is used for limits that are effectively unbounded
const Unlimited = math.MaxInt32

// ErrUnknownTier is returned when parsing an unrecognised tier name
var ErrUnknownTier = errors.New("unknown tier")

// All returns every known tier
func All() []Tier {
	return []Tier{Public, Developer, Partner, System}
}

// Parse converts a name (case insensitive) to a Tier
func Parse(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return Public, ErrUnknownTier
	}
	return t, nil
}

// Valid reports whether t is one of the known tiers
func (t Tier) Valid() bool {
	switch t {
	case Public, Developer, Partner, System:
		return true
	}
	return false
}

func (t Tier) String() string {
	return string(t)
}

// Limits represents the budget for a single tier
type Limits struct {
	// MaxConnections is the maximum number of simultaneous sessions
	MaxConnections int `json:"max_connections" mapstructure:"max_connections" validate:"gte=0"`

	// MaxMessagesPerSecond is the maximum number of inbound frames per wall-clock second
	MaxMessagesPerSecond int `json:"max_messages_per_second" mapstructure:"max_messages_per_second" validate:"gte=0"`
}

// Table maps each tier to its limits
type Table map[Tier]Limits

// DefaultTable returns the reference configuration
func DefaultTable() Table {
	return Table{
		Public:    {MaxConnections: 5, MaxMessagesPerSecond: 10},
		Developer: {MaxConnections: 50, MaxMessagesPerSecond: 100},
		Partner:   {MaxConnections: 500, MaxMessagesPerSecond: 1000},
		System:    {MaxConnections: Unlimited, MaxMessagesPerSecond: Unlimited},
	}
}

// Get returns the limits for a tier, falling back to the public
// limits if the tier is not in the table
func (t Table) Get(tr Tier) Limits {
	if l, ok := t[tr]; ok {
		return l
	}
	if l, ok := t[Public]; ok {
		return l
	}
	return DefaultTable()[Public]
}

// Copy returns an independent copy of the table
func (t Table) Copy() Table {
	c := make(Table, len(t))
	for k, v := range t {
		c[k] = v
	}
	return c
}
