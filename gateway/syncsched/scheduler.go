package syncsched

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/omnibridge/omnibridge/core/config"
	"github.com/omnibridge/omnibridge/domain/channel"
)

// Kind classifies a sync task. Each kind has its own concurrency limit
// because the networks throttle them differently.
type Kind string

const (
	KindGroupMetadata Kind = "group_metadata"
	KindAvatar        Kind = "avatar"
	KindContact       Kind = "contact"
)

// Task is one unit of background enrichment work. Fetch does the network
// call and hands its result to the persistence tier; an error marks the
// item failed but never aborts the run.
type Task struct {
	Kind     Kind
	TargetID string
	Fetch    func(ctx context.Context) error
}

// Scheduler runs enrichment work for a freshly connected account without
// starving live message traffic: concurrency is bounded per kind, writes
// are flushed in batches, and progress flows over a bounded channel.
type Scheduler struct {
	cfg config.SyncConfig
	bus *channel.EventBus
}

func NewScheduler(cfg config.SyncConfig, bus *channel.EventBus) *Scheduler {
	return &Scheduler{cfg: cfg, bus: bus}
}

func (s *Scheduler) limitFor(kind Kind) int {
	switch kind {
	case KindGroupMetadata:
		if s.cfg.GroupConcurrency > 0 {
			return s.cfg.GroupConcurrency
		}
		return 3
	case KindAvatar:
		if s.cfg.AvatarConcurrency > 0 {
			return s.cfg.AvatarConcurrency
		}
		return 8
	default:
		return 4
	}
}

// Run executes all tasks and returns a progress channel that closes when the
// run finishes. The channel is bounded; intermediate snapshots are dropped
// when the consumer lags, the final snapshot is always delivered. flush, if
// non-nil, is called after every batch of completions and once at the end so
// the persistence tier can write in bulk.
func (s *Scheduler) Run(ctx context.Context, accountID string, tasks []Task, flush func(ctx context.Context)) <-chan channel.SyncProgress {
	buf := s.cfg.ProgressBuffer
	if buf <= 0 {
		buf = 16
	}
	progress := make(chan channel.SyncProgress, buf)

	go func() {
		defer close(progress)
		s.run(ctx, accountID, tasks, flush, progress)
	}()

	return progress
}

func (s *Scheduler) run(ctx context.Context, accountID string, tasks []Task, flush func(ctx context.Context), progress chan<- channel.SyncProgress) {
	total := len(tasks)
	if total == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"tasks":      humanize.Comma(int64(total)),
	}).Info("[SYNC] Starting background sync")

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	sems := make(map[Kind]chan struct{})
	var processed, failed atomic.Int64
	var wg sync.WaitGroup

	for _, task := range tasks {
		sem, ok := sems[task.Kind]
		if !ok {
			sem = make(chan struct{}, s.limitFor(task.Kind))
			sems[task.Kind] = sem
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			logrus.WithField("account_id", accountID).Warn("[SYNC] Background sync cancelled")
			return
		}

		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := t.Fetch(ctx); err != nil {
				failed.Add(1)
				logrus.WithError(err).WithFields(logrus.Fields{
					"account_id": accountID,
					"kind":       t.Kind,
					"target":     t.TargetID,
				}).Debug("[SYNC] Item failed, continuing")
			}

			n := processed.Add(1)
			snap := channel.SyncProgress{
				AccountID: accountID,
				Kind:      string(t.Kind),
				Processed: int(n),
				Total:     total,
				Percent:   float64(n) / float64(total) * 100,
			}

			if int(n) == total {
				// Final snapshot must not be lost.
				select {
				case progress <- snap:
				case <-ctx.Done():
				}
			} else {
				select {
				case progress <- snap:
				default:
				}
			}

			if int(n)%batchSize == 0 && flush != nil {
				flush(ctx)
			}
			s.bus.EmitSyncProgress(snap)
		}(task)
	}

	wg.Wait()
	if flush != nil {
		flush(ctx)
	}

	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"processed":  humanize.Comma(processed.Load()),
		"failed":     failed.Load(),
	}).Info("[SYNC] Background sync finished")
}
