package whatsapp

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// reconnectPolicy carries the backoff tuning, from channel configuration.
type reconnectPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func (p reconnectPolicy) withDefaults() reconnectPolicy {
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.Max <= 0 {
		p.Max = time.Minute
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 8
	}
	return p
}

// reconnector drives reconnection for one session. The library's own
// auto-reconnect is disabled; socket drops flow through here so that a
// remote logout is never retried and backoff is observable. Dial is the
// only thing rebuilt on reconnect, warm session state survives.
type reconnector struct {
	accountID string
	policy    reconnectPolicy
	dial      func() error

	// onGaveUp runs when the attempt ceiling is hit or the session is
	// logged out remotely. terminal=true means no retry will ever help.
	onGaveUp func(terminal bool, reason string)

	mu       sync.Mutex
	attempts int
	running  bool
	stopCh   chan struct{}
	stopped  bool

	sleep func(time.Duration) // test hook
}

func newReconnector(accountID string, policy reconnectPolicy, dial func() error, onGaveUp func(bool, string)) *reconnector {
	return &reconnector{
		accountID: accountID,
		policy:    policy.withDefaults(),
		dial:      dial,
		onGaveUp:  onGaveUp,
		stopCh:    make(chan struct{}),
		sleep:     nil,
	}
}

// OnConnected resets the failure counter. Called from the Connected event.
func (r *reconnector) OnConnected() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}

// OnLoggedOut marks the session terminally dead. No reconnect is attempted;
// the account has to pair again.
func (r *reconnector) OnLoggedOut(reason string) {
	r.Stop()
	logrus.WithFields(logrus.Fields{
		"account_id": r.accountID,
		"reason":     reason,
	}).Warn("[WHATSAPP] Session logged out remotely, not reconnecting")
	r.onGaveUp(true, reason)
}

// OnDisconnected schedules a reconnect attempt unless one is already in
// flight. Safe to call from the event-handler goroutine.
func (r *reconnector) OnDisconnected() {
	r.mu.Lock()
	if r.running || r.stopped {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.loop()
}

// Stop cancels any pending reconnect loop. Used on deliberate disconnects
// so a user-initiated teardown is not fought by the controller.
func (r *reconnector) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
	r.mu.Unlock()
}

// backoffFor returns the delay before the given 1-based attempt.
func (r *reconnector) backoffFor(attempt int) time.Duration {
	d := r.policy.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.policy.Max {
			return r.policy.Max
		}
	}
	if d > r.policy.Max {
		return r.policy.Max
	}
	return d
}

func (r *reconnector) loop() {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	for {
		r.mu.Lock()
		r.attempts++
		attempt := r.attempts
		r.mu.Unlock()

		if attempt > r.policy.MaxAttempts {
			logrus.WithFields(logrus.Fields{
				"account_id": r.accountID,
				"attempts":   attempt - 1,
			}).Error("[WHATSAPP] Reconnect ceiling reached, giving up")
			r.onGaveUp(false, "reconnect attempts exhausted")
			return
		}

		delay := r.backoffFor(attempt)
		logrus.WithFields(logrus.Fields{
			"account_id": r.accountID,
			"attempt":    attempt,
			"delay":      delay,
		}).Info("[WHATSAPP] Scheduling reconnect")

		if r.sleep != nil {
			r.sleep(delay)
			select {
			case <-r.stopCh:
				return
			default:
			}
		} else {
			select {
			case <-time.After(delay):
			case <-r.stopCh:
				return
			}
		}

		if err := r.dial(); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"account_id": r.accountID,
				"attempt":    attempt,
			}).Warn("[WHATSAPP] Reconnect attempt failed")
			continue
		}
		// Success resets the counter via OnConnected when the Connected
		// event arrives; the loop's job is done either way.
		return
	}
}
