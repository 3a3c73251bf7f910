package session

import (
	"sync"
	"testing"
	"time"

	"github.com/perti/swim/internal/tier"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {

	s := New("127.0.0.1:5000", "test/1.0", 0)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, tier.Public, s.Tier())
	assert.Equal(t, DefaultBufferSize, cap(s.send))
	assert.NotEqual(t, s.ID, New("", "", 1).ID)

	assert.True(t, s.Authenticate("dev-key", tier.Developer))
	assert.False(t, s.Authenticate("other", tier.System))
	assert.Equal(t, tier.Developer, s.Tier())
	assert.Equal(t, "dev-key", s.Credential())
}

func TestCheckRateLimit(t *testing.T) {

	now := time.Unix(1700000000, 0)
	var mu sync.Mutex
	s := New("", "", 1).WithNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	for i := 0; i < 10; i++ {
		assert.True(t, s.CheckRateLimit(10), i)
	}

	// rejected messages are not recorded
	assert.False(t, s.CheckRateLimit(10))
	assert.False(t, s.CheckRateLimit(10))

	mu.Lock()
	now = now.Add(999 * time.Millisecond)
	mu.Unlock()
	assert.False(t, s.CheckRateLimit(10))

	// next second the window is empty again
	mu.Lock()
	now = now.Add(2 * time.Millisecond)
	mu.Unlock()
	assert.True(t, s.CheckRateLimit(10))

	s.mu.Lock()
	assert.Equal(t, 1, len(s.window))
	s.mu.Unlock()
}

func TestCheckRateLimitUnlimited(t *testing.T) {
	s := New("", "", 1)
	for i := 0; i < 5000; i++ {
		if !s.CheckRateLimit(tier.Unlimited) {
			t.Fatalf("message %d limited", i)
		}
	}
}

func TestSend(t *testing.T) {

	s := New("", "", 2)

	assert.NoError(t, s.Send([]byte("a")))
	assert.NoError(t, s.Send([]byte("b")))
	assert.ErrorIs(t, s.Send([]byte("c")), ErrBufferFull)
	assert.Equal(t, int64(2), s.MessagesSent())

	assert.Equal(t, []byte("a"), <-s.Outbound())

	assert.True(t, s.Close(1001, "going away"))
	assert.False(t, s.Close(1000, "again"))
	assert.True(t, s.Closed())

	code, reason := s.CloseCode()
	assert.Equal(t, 1001, code)
	assert.Equal(t, "going away", reason)

	assert.ErrorIs(t, s.Send([]byte("d")), ErrClosed)
	assert.Equal(t, int64(2), s.MessagesSent())
}

func TestSendConcurrent(t *testing.T) {

	s := New("", "", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Send([]byte("x"))
			}
		}()
	}

	// closing while senders are active must not panic
	go s.Close(1000, "")

	wg.Wait()
	assert.LessOrEqual(t, s.MessagesSent(), int64(1000))
}

func TestStats(t *testing.T) {

	s := New("", "", 1)

	assert.Equal(t, "Never", s.Stats().Rx.Report().Last)

	s.Received(10)
	s.Received(20)
	s.Written(5)

	assert.Equal(t, int64(2), s.MessagesReceived())

	rx := s.Stats().Rx.Report()
	assert.Equal(t, uint64(2), rx.Count)
	assert.Equal(t, float64(15), rx.Size)

	tx := s.Stats().Tx.Report()
	assert.Equal(t, uint64(1), tx.Count)
}
