// Package session holds the state of one client connection: identity,
// tier, counters, the inbound rate window and the outbound queue
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/perti/swim/internal/tier"
)

var (
	// ErrClosed is returned when sending to a session that is closing
	ErrClosed = errors.New("session closed")

	// ErrBufferFull is returned when the outbound queue has no space
	ErrBufferFull = errors.New("outbound buffer full")
)

// DefaultBufferSize is the default length of the outbound queue
const DefaultBufferSize = 256

// Session represents one live client connection
type Session struct {
	ID string

	RemoteAddr string

	UserAgent string

	ConnectedAt time.Time

	mu sync.Mutex

	credential string

	tier tier.Tier

	authenticated bool

	// window counts inbound messages keyed by unix second
	window map[int64]int

	sent atomic.Int64

	received atomic.Int64

	// outbound frames, drained by the connection's write pump
	send chan []byte

	done chan struct{}

	closeOnce sync.Once

	closeCode int

	closeReason string

	stats *Stats

	Now func() time.Time
}

// NewID returns an unguessable session id
func NewID() string {
	return uuid.New().String()
}

// New returns a public-tier session with a fresh id and an outbound
// queue of bufferSize frames
func New(remoteAddr, userAgent string, bufferSize int) *Session {

	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}

	now := time.Now()

	return &Session{
		ID:          NewID(),
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: now,
		tier:        tier.Public,
		window:      make(map[int64]int),
		send:        make(chan []byte, bufferSize),
		done:        make(chan struct{}),
		stats:       NewStats(now),
		Now:         time.Now,
	}
}

// WithNow sets the clock used by the rate window (required for testing)
func (s *Session) WithNow(now func() time.Time) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Now = now
	return s
}

// Authenticate sets the credential and tier. It only takes effect once.
func (s *Session) Authenticate(credential string, t tier.Tier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authenticated {
		return false
	}
	s.credential = credential
	s.tier = t
	s.authenticated = true
	return true
}

// Tier returns the session's tier
func (s *Session) Tier() tier.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// Credential returns the credential presented, if any
func (s *Session) Credential() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credential
}

// CheckRateLimit counts messages per wall-clock second. It returns
// false, without recording, if accepting one more message would
// exceed limit; otherwise it records the message and returns true.
func (s *Session) CheckRateLimit(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now().Unix()

	for second := range s.window {
		if second < now {
			delete(s.window, second)
		}
	}

	if s.window[now]+1 > limit {
		return false
	}

	s.window[now]++

	return true
}

// Send queues a frame for the write pump without blocking
func (s *Session) Send(frame []byte) error {

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.send <- frame:
		s.sent.Add(1)
		return nil
	default:
		return ErrBufferFull
	}
}

// Outbound returns the queue drained by the write pump
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Done is closed once the session starts closing
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close marks the session as closing with a close code and reason,
// returning false if it was already closing
func (s *Session) Close(code int, reason string) bool {
	first := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		close(s.done)
		first = true
	})
	return first
}

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CloseCode returns the code and reason given to Close
func (s *Session) CloseCode() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

// Received records an inbound frame of size bytes
func (s *Session) Received(size int) {
	s.received.Add(1)
	s.stats.Rx.Add(size)
}

// Written records that size bytes were written to the transport
func (s *Session) Written(size int) {
	s.stats.Tx.Add(size)
}

// MessagesSent returns the number of frames queued to the client
func (s *Session) MessagesSent() int64 {
	return s.sent.Load()
}

// MessagesReceived returns the number of frames received from the client
func (s *Session) MessagesReceived() int64 {
	return s.received.Load()
}

// Stats returns the session's traffic statistics
func (s *Session) Stats() *Stats {
	return s.stats
}
