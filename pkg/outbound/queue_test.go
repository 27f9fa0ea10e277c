package outbound

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibridge/omnibridge/domain/channel"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

func TestQueue_SerializesPerAccount(t *testing.T) {
	var inFlight, maxInFlight int32

	q := NewQueue(func(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if current <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return channel.SendResult{MessageID: "ok"}, nil
	})
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), channel.SendParams{AccountID: "acc", ChatID: "c"}, PriorityNormal)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight),
		"at most one send per account may be in flight")
}

func TestQueue_PriorityBeforeFIFO(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex

	q := NewQueue(func(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
		if params.ChatID == "blocker" {
			<-release
		}
		mu.Lock()
		order = append(order, params.ChatID)
		mu.Unlock()
		return channel.SendResult{}, nil
	})
	defer q.Close()

	var wg sync.WaitGroup
	enqueue := func(chatID string, prio Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(context.Background(), channel.SendParams{AccountID: "acc", ChatID: chatID}, prio)
		}()
	}

	// First item occupies the consumer; the rest pile up and get reordered.
	enqueue("blocker", PriorityNormal)
	time.Sleep(20 * time.Millisecond)
	enqueue("bulk-1", PriorityBulk)
	time.Sleep(5 * time.Millisecond)
	enqueue("bulk-2", PriorityBulk)
	time.Sleep(5 * time.Millisecond)
	enqueue("reply-1", PriorityReply)
	time.Sleep(5 * time.Millisecond)
	enqueue("normal-1", PriorityNormal)
	time.Sleep(20 * time.Millisecond)

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"blocker", "reply-1", "normal-1", "bulk-1", "bulk-2"}, order)
}

func TestQueue_PropagatesResultAndError(t *testing.T) {
	q := NewQueue(func(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
		if params.ChatID == "bad" {
			return channel.SendResult{Retryable: false}, pkgError.PermanentError("recipient blocked sender")
		}
		return channel.SendResult{MessageID: "mid-1"}, nil
	})
	defer q.Close()

	res, err := q.Enqueue(context.Background(), channel.SendParams{AccountID: "a", ChatID: "good"}, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "mid-1", res.MessageID)

	res, err = q.Enqueue(context.Background(), channel.SendParams{AccountID: "a", ChatID: "bad"}, PriorityNormal)
	require.Error(t, err)
	assert.False(t, res.Retryable)
	assert.False(t, pkgError.IsRetryable(err))
}

func TestQueue_CallerCancellation(t *testing.T) {
	started := make(chan struct{})
	q := NewQueue(func(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return channel.SendResult{}, nil
	})
	defer q.Close()

	// Occupy the consumer.
	go q.Enqueue(context.Background(), channel.SendParams{AccountID: "a", ChatID: "slow"}, PriorityNormal)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Enqueue(ctx, channel.SendParams{AccountID: "a", ChatID: "waiting"}, PriorityNormal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseAccountFailsPending(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue(func(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
		<-block
		return channel.SendResult{}, nil
	})
	defer q.Close()

	go q.Enqueue(context.Background(), channel.SendParams{AccountID: "a", ChatID: "c1"}, PriorityNormal)
	time.Sleep(20 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), channel.SendParams{AccountID: "a", ChatID: "c2"}, PriorityNormal)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	q.CloseAccount("a")
	close(block)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, pkgError.IsRetryable(err))
	case <-time.After(time.Second):
		t.Fatal("pending item was not failed on CloseAccount")
	}
}

func TestQueue_CloseAccountStopsDispatchOfQueuedItems(t *testing.T) {
	block := make(chan struct{})
	var sent []string
	var mu sync.Mutex
	q := NewQueue(func(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
		mu.Lock()
		sent = append(sent, params.ChatID)
		mu.Unlock()
		if params.ChatID == "in-flight" {
			<-block
		}
		return channel.SendResult{}, nil
	})
	defer q.Close()

	go q.Enqueue(context.Background(), channel.SendParams{AccountID: "a", ChatID: "in-flight"}, PriorityNormal)
	time.Sleep(20 * time.Millisecond)

	errs := make(chan error, 2)
	for _, chat := range []string{"queued-1", "queued-2"} {
		go func(chat string) {
			_, err := q.Enqueue(context.Background(), channel.SendParams{AccountID: "a", ChatID: chat}, PriorityNormal)
			errs <- err
		}(chat)
	}
	time.Sleep(20 * time.Millisecond)

	// Close while the consumer is mid-send: the queued items must fail
	// instead of going out once the in-flight send returns.
	q.CloseAccount("a")
	close(block)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.Error(t, err)
			assert.True(t, pkgError.IsRetryable(err))
		case <-time.After(time.Second):
			t.Fatal("queued item was not failed on CloseAccount")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"in-flight"}, sent, "nothing queued behind the close may reach the network")
}

func TestQueue_AccountsDoNotBlockEachOther(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue(func(ctx context.Context, params channel.SendParams) (channel.SendResult, error) {
		if params.AccountID == "busy" {
			<-block
		}
		return channel.SendResult{}, nil
	})
	defer q.Close()
	defer close(block)

	go q.Enqueue(context.Background(), channel.SendParams{AccountID: "busy", ChatID: "c"}, PriorityNormal)
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	_, err := q.Enqueue(context.Background(), channel.SendParams{AccountID: "quiet", ChatID: "c"}, PriorityNormal)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
