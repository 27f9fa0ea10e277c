package whatsapp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() reconnectPolicy {
	return reconnectPolicy{Base: 2 * time.Second, Max: time.Minute, MaxAttempts: 8}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	r := newReconnector("acc", testPolicy(), func() error { return nil }, func(bool, string) {})

	expected := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, time.Minute, time.Minute, time.Minute,
	}
	for i, want := range expected {
		assert.Equal(t, want, r.backoffFor(i+1), "attempt %d", i+1)
	}
}

func TestReconnectRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	done := make(chan struct{})

	r := newReconnector("acc", reconnectPolicy{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: 8},
		func() error {
			mu.Lock()
			defer mu.Unlock()
			dials++
			if dials < 3 {
				return errors.New("socket refused")
			}
			close(done)
			return nil
		},
		func(bool, string) { t.Error("must not give up before the ceiling") },
	)

	r.OnDisconnected()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("never reconnected")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, dials)
}

func TestCeilingGivesUpNonTerminal(t *testing.T) {
	gaveUp := make(chan bool, 1)
	r := newReconnector("acc", reconnectPolicy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3},
		func() error { return errors.New("down") },
		func(terminal bool, _ string) { gaveUp <- terminal },
	)

	r.OnDisconnected()

	select {
	case terminal := <-gaveUp:
		assert.False(t, terminal, "exhausted retries are recoverable by a manual reconnect")
	case <-time.After(time.Second):
		t.Fatal("never gave up")
	}
}

func TestLoggedOutIsTerminalAndStopsRetrying(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	gaveUp := make(chan bool, 1)

	r := newReconnector("acc", reconnectPolicy{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 8},
		func() error {
			mu.Lock()
			dials++
			mu.Unlock()
			return errors.New("down")
		},
		func(terminal bool, _ string) { gaveUp <- terminal },
	)

	r.OnDisconnected()
	r.OnLoggedOut("device removed")

	select {
	case terminal := <-gaveUp:
		assert.True(t, terminal, "remote logout is terminal")
	case <-time.After(time.Second):
		t.Fatal("gave-up callback never fired")
	}

	mu.Lock()
	before := dials
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, before, dials, "no dial attempts after logout")
}

func TestSuccessResetsAttemptCounter(t *testing.T) {
	r := newReconnector("acc", testPolicy(), func() error { return nil }, func(bool, string) {})

	r.mu.Lock()
	r.attempts = 5
	r.mu.Unlock()

	r.OnConnected()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Zero(t, r.attempts, "a stable connection must reset backoff to base")
}

func TestConcurrentDisconnectsStartOneLoop(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	dials := 0

	r := newReconnector("acc", reconnectPolicy{Base: time.Millisecond, Max: time.Millisecond, MaxAttempts: 8},
		func() error {
			mu.Lock()
			dials++
			mu.Unlock()
			<-block
			return nil
		},
		func(bool, string) {},
	)

	for i := 0; i < 5; i++ {
		r.OnDisconnected()
	}
	time.Sleep(30 * time.Millisecond)
	close(block)
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, dials, "duplicate disconnect events must not stack loops")
}
