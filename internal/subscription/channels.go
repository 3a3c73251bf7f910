package subscription

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/perti/swim/internal/event"
)

// ErrInvalidChannel is returned for channel names outside the allow-list
var ErrInvalidChannel = errors.New("invalid channel")

// WildcardSuffix marks a one-level wildcard subscription, e.g. flight.*
const WildcardSuffix = ".*"

// Channels that clients may subscribe to
var literalChannels = map[string]bool{
	"flight.created":   true,
	"flight.departed":  true,
	"flight.arrived":   true,
	"flight.deleted":   true,
	"flight.position":  true,
	"flight.positions": true,
	"tmi.issued":       true,
	"tmi.modified":     true,
	"tmi.released":     true,
	"system.heartbeat": true,
}

// namespaces which support a one-level wildcard
var wildcardNamespaces = map[string]bool{
	"flight": true,
	"tmi":    true,
	"system": true,
}

// ValidChannels returns the sorted allow-list, including wildcards
func ValidChannels() []string {
	c := []string{}
	for k := range literalChannels {
		c = append(c, k)
	}
	for k := range wildcardNamespaces {
		c = append(c, k+WildcardSuffix)
	}
	sort.Strings(c)
	return c
}

// ValidateChannel checks a single channel name against the allow-list.
// Only single-level wildcards of a supported namespace are accepted.
func ValidateChannel(channel string) error {

	if literalChannels[channel] {
		return nil
	}

	if strings.HasSuffix(channel, WildcardSuffix) {
		ns := strings.TrimSuffix(channel, WildcardSuffix)
		if wildcardNamespaces[ns] {
			return nil
		}
	}

	return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
}

// ValidateChannels checks every channel, returning the first failure
func ValidateChannels(channels []string) error {

	if len(channels) == 0 {
		return fmt.Errorf("%w: channels must be a non-empty array", ErrInvalidChannel)
	}

	for _, c := range channels {
		if err := ValidateChannel(c); err != nil {
			return err
		}
	}

	return nil
}

// Wildcard returns the one-level wildcard channel that covers an event type,
// e.g. flight.position -> flight.*
func Wildcard(eventType string) string {
	return event.Namespace(eventType) + WildcardSuffix
}
