package outbound

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/omnibridge/omnibridge/domain/channel"
	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

// Priority orders items within an account queue. Replies to live
// conversations outrank normal traffic, which outranks bulk/broadcast.
type Priority int

const (
	PriorityReply Priority = iota
	PriorityNormal
	PriorityBulk
)

// SendFunc is the adapter's direct-send primitive. It is expected to run the
// rate governor before touching the network.
type SendFunc func(ctx context.Context, params channel.SendParams) (channel.SendResult, error)

type sendOutcome struct {
	res channel.SendResult
	err error
}

type queueItem struct {
	ctx        context.Context
	params     channel.SendParams
	priority   Priority
	enqueuedAt time.Time
	seq        uint64
	attempts   int
	resultCh   chan sendOutcome
}

// itemHeap orders by priority, then FIFO by enqueue sequence.
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*queueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type accountQueue struct {
	mu     sync.Mutex
	items  itemHeap
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// Queue serializes outbound sends per account: one consumer goroutine per
// account guarantees at most one physical send in flight. It does not retry;
// retryable failures are reported back and retry policy stays with the
// caller.
type Queue struct {
	send SendFunc

	mu       sync.Mutex
	accounts map[string]*accountQueue
	closed   bool

	seq uint64
	wg  sync.WaitGroup
}

func NewQueue(send SendFunc) *Queue {
	return &Queue{
		send:     send,
		accounts: make(map[string]*accountQueue),
	}
}

func (q *Queue) account(accountID string) (*accountQueue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, pkgError.TransientError("outbound queue is shut down")
	}
	aq, ok := q.accounts[accountID]
	if !ok {
		aq = &accountQueue{
			notify: make(chan struct{}, 1),
			done:   make(chan struct{}),
		}
		q.accounts[accountID] = aq
		q.wg.Add(1)
		go q.consume(accountID, aq)
	}
	return aq, nil
}

// Enqueue queues one send and blocks until its result is available or ctx is
// cancelled. A cancelled caller abandons the item; the consumer notices the
// dead ctx and skips the network call.
func (q *Queue) Enqueue(ctx context.Context, params channel.SendParams, priority Priority) (channel.SendResult, error) {
	aq, err := q.account(params.AccountID)
	if err != nil {
		return channel.SendResult{Retryable: true}, err
	}

	it := &queueItem{
		ctx:        ctx,
		params:     params,
		priority:   priority,
		enqueuedAt: time.Now(),
		seq:        atomic.AddUint64(&q.seq, 1),
		resultCh:   make(chan sendOutcome, 1),
	}

	aq.mu.Lock()
	if aq.closed {
		aq.mu.Unlock()
		return channel.SendResult{Retryable: true}, pkgError.TransientError("account queue closed")
	}
	heap.Push(&aq.items, it)
	aq.mu.Unlock()

	select {
	case aq.notify <- struct{}{}:
	default:
	}

	select {
	case out := <-it.resultCh:
		return out.res, out.err
	case <-ctx.Done():
		return channel.SendResult{Retryable: true}, ctx.Err()
	}
}

func (q *Queue) consume(accountID string, aq *accountQueue) {
	defer q.wg.Done()

	for {
		aq.mu.Lock()
		closed := aq.closed
		var it *queueItem
		if !closed && aq.items.Len() > 0 {
			it = heap.Pop(&aq.items).(*queueItem)
			it.attempts++
		}
		aq.mu.Unlock()

		if closed {
			// Teardown wins over queued work: nothing popped after the
			// close reaches the network.
			q.failPending(aq)
			return
		}
		if it == nil {
			select {
			case <-aq.notify:
			case <-aq.done:
				// Drain whatever is still queued, then exit.
				q.failPending(aq)
				return
			}
			continue
		}

		if it.ctx.Err() != nil {
			// Caller already gave up; do not hit the network.
			it.resultCh <- sendOutcome{res: channel.SendResult{Retryable: true}, err: it.ctx.Err()}
			continue
		}

		res, err := q.send(it.ctx, it.params)
		if err != nil {
			logrus.WithError(err).Debugf("[OUTBOUND] Send failed for account %s (attempt %d)", accountID, it.attempts)
		}
		it.resultCh <- sendOutcome{res: res, err: err}
	}
}

func (q *Queue) failPending(aq *accountQueue) {
	aq.mu.Lock()
	pending := aq.items
	aq.items = nil
	aq.mu.Unlock()

	for _, it := range pending {
		it.resultCh <- sendOutcome{
			res: channel.SendResult{Retryable: true},
			err: pkgError.TransientError("account queue closed before send"),
		}
	}
}

// CloseAccount stops the account's consumer and fails pending items. Part of
// the deterministic release on disconnect.
func (q *Queue) CloseAccount(accountID string) {
	q.mu.Lock()
	aq, ok := q.accounts[accountID]
	if ok {
		delete(q.accounts, accountID)
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	aq.mu.Lock()
	already := aq.closed
	aq.closed = true
	aq.mu.Unlock()
	if !already {
		close(aq.done)
	}
}

// Close shuts down every account queue and waits for the consumers.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	accounts := make([]string, 0, len(q.accounts))
	for id := range q.accounts {
		accounts = append(accounts, id)
	}
	q.mu.Unlock()

	for _, id := range accounts {
		q.CloseAccount(id)
	}
	q.wg.Wait()
}
