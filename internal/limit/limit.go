// Package limit supports enforcing the maximum number of
// simultaneous connections held by each tier
package limit

import (
	"errors"
	"sync"
	"time"

	"github.com/perti/swim/internal/tier"
	log "github.com/sirupsen/logrus"
)

// ErrOverLimit is returned when a tier has no spare connections
var ErrOverLimit = errors.New("denied - over limit")

// Limit represents a connection limit store
type Limit struct {
	*sync.Mutex

	// sessions maps tier to session id to the time the slot was granted
	sessions map[tier.Tier]map[string]int64

	// max maps tier to the maximum number of live sessions
	max map[tier.Tier]int

	Now func() int64
}

// New creates a new Limit using the limits in table
func New(table tier.Table) *Limit {
	l := &Limit{
		&sync.Mutex{},
		make(map[tier.Tier]map[string]int64),
		make(map[tier.Tier]int),
		func() int64 { return time.Now().Unix() },
	}

	for tr, lim := range table {
		l.max[tr] = lim.MaxConnections
	}

	return l
}

// WithMax sets the maximum number of connections for a tier
func (l *Limit) WithMax(tr tier.Tier, max int) *Limit {
	l.Lock()
	defer l.Unlock()
	l.max[tr] = max
	return l
}

// WithNow sets the function used to obtain the current time (required for testing)
func (l *Limit) WithNow(now func() int64) *Limit {
	l.Lock()
	defer l.Unlock()
	l.Now = now
	return l
}

// Max returns the connection ceiling for a tier; tiers without
// an explicit ceiling are given none
func (l *Limit) Max(tr tier.Tier) int {
	l.Lock()
	defer l.Unlock()
	return l.max[tr]
}

// Request reserves a connection slot for session id in tier tr,
// returning ErrOverLimit if the tier is already at its ceiling.
// Requesting a slot that is already held is granted without
// consuming another slot.
func (l *Limit) Request(tr tier.Tier, id string) error {
	l.Lock()
	defer l.Unlock()

	s, ok := l.sessions[tr]

	if !ok {
		s = make(map[string]int64)
		l.sessions[tr] = s
	}

	if _, held := s[id]; held {
		return nil
	}

	if len(s) >= l.max[tr] {
		log.WithFields(log.Fields{"tier": tr, "id": id, "live": len(s), "max": l.max[tr]}).Debug("limit.Request(): denied")
		return ErrOverLimit
	}

	s[id] = l.Now()

	log.WithFields(log.Fields{"tier": tr, "id": id, "live": len(s), "max": l.max[tr]}).Trace("limit.Request(): granted")

	return nil
}

// Release frees the slot held by session id, returning false if
// no slot was held (so a double release cannot decrement twice)
func (l *Limit) Release(tr tier.Tier, id string) bool {
	l.Lock()
	defer l.Unlock()

	s, ok := l.sessions[tr]
	if !ok {
		return false
	}

	if _, held := s[id]; !held {
		return false
	}

	delete(s, id)

	if len(s) == 0 {
		delete(l.sessions, tr)
	}

	return true
}

// Count returns the number of live sessions in a tier
func (l *Limit) Count(tr tier.Tier) int {
	l.Lock()
	defer l.Unlock()
	return len(l.sessions[tr])
}

// Counts returns the number of live sessions for every known tier
func (l *Limit) Counts() map[tier.Tier]int {
	l.Lock()
	defer l.Unlock()

	c := make(map[tier.Tier]int)
	for _, tr := range tier.All() {
		c[tr] = len(l.sessions[tr])
	}
	return c
}
