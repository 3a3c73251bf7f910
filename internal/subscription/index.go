// Package subscription maintains which sessions are subscribed to which
// channels, and the filters each session applies to the events it receives
package subscription

import (
	"errors"
	"sort"
	"sync"

	"github.com/perti/swim/internal/event"
)

// entry holds one session's subscriptions
type entry struct {
	channels map[string]bool
	filters  Filters
}

// Index maps channels to session IDs, and session IDs to their channels
// and filters. Both directions are updated together under one lock so
// a matcher never sees one side without the other.
type Index struct {
	*sync.RWMutex

	// sessionsByChannel holds the set of session IDs per channel (wildcards stored literally)
	sessionsByChannel map[string]map[string]bool

	// entries holds the channels and filters per session ID
	entries map[string]*entry
}

// New returns an empty Index
func New() *Index {
	return &Index{
		&sync.RWMutex{},
		make(map[string]map[string]bool),
		make(map[string]*entry),
	}
}

// Subscribe adds the channels to the session's subscriptions and merges
// the filters into any it already has. Channels are validated first and
// nothing is changed if any is invalid. Returns the session's channels.
func (x *Index) Subscribe(id string, channels []string, filters Filters) ([]string, error) {

	if id == "" {
		return nil, errors.New("no session id")
	}

	if err := ValidateChannels(channels); err != nil {
		return nil, err
	}

	if filters.BBox != nil {
		if err := filters.BBox.Validate(); err != nil {
			return nil, err
		}
	}

	x.Lock()
	defer x.Unlock()

	e, ok := x.entries[id]
	if !ok {
		e = &entry{channels: make(map[string]bool)}
		x.entries[id] = e
	}

	for _, c := range channels {

		if e.channels[c] {
			continue // already subscribed
		}

		if _, ok := x.sessionsByChannel[c]; !ok {
			x.sessionsByChannel[c] = make(map[string]bool)
		}

		x.sessionsByChannel[c][id] = true
		e.channels[c] = true
	}

	e.filters = e.filters.Merge(filters)

	return sortedKeys(e.channels), nil
}

// Unsubscribe removes the listed channels from the session, returning the
// channels that were removed. An empty list removes every subscription.
func (x *Index) Unsubscribe(id string, channels []string) []string {

	if len(channels) == 0 {
		return x.UnsubscribeAll(id)
	}

	x.Lock()
	defer x.Unlock()

	e, ok := x.entries[id]
	if !ok {
		return []string{}
	}

	removed := []string{}

	for _, c := range channels {
		if !e.channels[c] {
			continue
		}
		x.removeFromBucket(c, id)
		delete(e.channels, c)
		removed = append(removed, c)
	}

	// drop filters along with the last channel
	if len(e.channels) == 0 {
		delete(x.entries, id)
	}

	sort.Strings(removed)

	return removed
}

// UnsubscribeAll removes the session from every channel, and forgets its filters
func (x *Index) UnsubscribeAll(id string) []string {

	x.Lock()
	defer x.Unlock()

	e, ok := x.entries[id]
	if !ok {
		return []string{}
	}

	removed := sortedKeys(e.channels)

	for _, c := range removed {
		x.removeFromBucket(c, id)
	}

	delete(x.entries, id)

	return removed
}

// removeFromBucket is for internal use by functions already holding the lock
func (x *Index) removeFromBucket(channel, id string) {
	bucket, ok := x.sessionsByChannel[channel]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(x.sessionsByChannel, channel)
	}
}

// MatchingSessions returns the sorted IDs of sessions subscribed to the
// event type (directly or by its one-level wildcard) whose filters accept
// the event fields
func (x *Index) MatchingSessions(eventType string, fields event.Fields) []string {

	x.RLock()
	defer x.RUnlock()

	candidates := make(map[string]bool)

	for id := range x.sessionsByChannel[eventType] {
		candidates[id] = true
	}

	for id := range x.sessionsByChannel[Wildcard(eventType)] {
		candidates[id] = true
	}

	matched := []string{}

	for id := range candidates {
		if x.matchesFilters(id, fields) {
			matched = append(matched, id)
		}
	}

	sort.Strings(matched)

	return matched
}

// MatchesFilters reports whether the session's filters accept the event
// fields. A session with no filters matches everything.
func (x *Index) MatchesFilters(id string, fields event.Fields) bool {
	x.RLock()
	defer x.RUnlock()
	return x.matchesFilters(id, fields)
}

func (x *Index) matchesFilters(id string, fields event.Fields) bool {
	e, ok := x.entries[id]
	if !ok {
		return true
	}
	return e.filters.Matches(fields)
}

// Channels returns the sorted channels a session is subscribed to
func (x *Index) Channels(id string) []string {
	x.RLock()
	defer x.RUnlock()
	e, ok := x.entries[id]
	if !ok {
		return []string{}
	}
	return sortedKeys(e.channels)
}

// Filters returns the merged filters for a session
func (x *Index) Filters(id string) Filters {
	x.RLock()
	defer x.RUnlock()
	e, ok := x.entries[id]
	if !ok {
		return Filters{}
	}
	return e.filters
}

// SubscriberCount returns the number of sessions in a channel bucket
func (x *Index) SubscriberCount(channel string) int {
	x.RLock()
	defer x.RUnlock()
	return len(x.sessionsByChannel[channel])
}

// SessionCount returns the number of sessions with at least one subscription
func (x *Index) SessionCount() int {
	x.RLock()
	defer x.RUnlock()
	return len(x.entries)
}

func sortedKeys(m map[string]bool) []string {
	k := make([]string, 0, len(m))
	for c := range m {
		k = append(k, c)
	}
	sort.Strings(k)
	return k
}
