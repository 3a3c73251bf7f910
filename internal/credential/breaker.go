package credential

import (
	"context"
	"errors"
	"time"

	"github.com/perti/swim/internal/metrics"
	log "github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerStore wraps a Store so that a failing database is not
// queried on every connection attempt. Unknown credentials are
// not counted as failures.
type BreakerStore struct {
	store Store
	cb    *gobreaker.CircuitBreaker[Record]
}

// NewBreakerStore opens the circuit after five consecutive failures and
// retries after timeout
func NewBreakerStore(store Store, timeout time.Duration) *BreakerStore {

	name := "credential-store"

	cb := gobreaker.NewCircuitBreaker[Record](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state change")
			metrics.BreakerOpen.Set(stateValue(to))
		},
	})

	return &BreakerStore{store: store, cb: cb}
}

func stateValue(s gobreaker.State) float64 {
	if s == gobreaker.StateOpen {
		return 1
	}
	return 0
}

// Lookup queries the wrapped store unless the circuit is open
func (b *BreakerStore) Lookup(ctx context.Context, key string) (Record, error) {
	return b.cb.Execute(func() (Record, error) {
		return b.store.Lookup(ctx, key)
	})
}

// Touch is passed straight through; failing to record use is not a fault
func (b *BreakerStore) Touch(ctx context.Context, key string, at time.Time) error {
	return b.store.Touch(ctx, key, at)
}

// State returns the breaker state name
func (b *BreakerStore) State() string {
	return b.cb.State().String()
}
