package session

import (
	"math"
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// Stats represents traffic statistics for a session
type Stats struct {
	ConnectedAt time.Time

	Rx *Frames

	Tx *Frames
}

// Frames represents running statistics on frames in one direction
type Frames struct {
	mu sync.Mutex

	last time.Time

	size *welford.Stats
}

// ReportStats represents frame statistics in reportable form
type ReportStats struct {
	Last string `json:"last"`

	Count uint64 `json:"count"`

	Size float64 `json:"size"`
}

// NewStats returns empty statistics for a session connected at t
func NewStats(t time.Time) *Stats {
	return &Stats{
		ConnectedAt: t,
		Rx:          &Frames{size: welford.New()},
		Tx:          &Frames{size: welford.New()},
	}
}

// Add records a frame of size bytes
func (f *Frames) Add(size int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = time.Now()
	f.size.Add(float64(size))
}

// Report summarises the frames seen so far
func (f *Frames) Report() ReportStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.size.Count() == 0 {
		return ReportStats{Last: "Never"}
	}

	return ReportStats{
		Last:  time.Since(f.last).String(),
		Count: f.size.Count(),
		Size:  math.Round(f.size.Mean()),
	}
}
