package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy holds the pacing constants for one channel. These are policy, not
// algorithm: every network tunes them differently, so they come from
// configuration rather than code.
type Policy struct {
	// WindowLimit is the maximum sends per rolling Window per account.
	// Zero disables the global cap.
	WindowLimit int
	Window      time.Duration
	// PerRecipientDelay is the minimum spacing between two sends to the
	// same recipient. Zero disables spacing.
	PerRecipientDelay time.Duration
	// SafetyMargin is added to every computed wait so we land just past
	// the boundary instead of exactly on it.
	SafetyMargin time.Duration
}

type accountState struct {
	mu       sync.Mutex
	window   []time.Time
	lastSend map[string]time.Time
}

// Governor enforces a global sliding-window cap plus per-recipient spacing,
// independently per account. Accounts never block each other: each owns its
// own state and lock, and the registry lock is only held for map access.
type Governor struct {
	policy Policy

	mu       sync.Mutex
	accounts map[string]*accountState
}

func NewGovernor(policy Policy) *Governor {
	return &Governor{
		policy:   policy,
		accounts: make(map[string]*accountState),
	}
}

func (g *Governor) state(accountID string) *accountState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.accounts[accountID]
	if !ok {
		st = &accountState{lastSend: make(map[string]time.Time)}
		g.accounts[accountID] = st
	}
	return st
}

// Acquire blocks until a send to recipientID is allowed under both limits,
// then records the send timestamp. The account lock is never held across a
// wait, so concurrent callers for the same account stay re-entrant and the
// ctx can cancel a pending wait.
func (g *Governor) Acquire(ctx context.Context, accountID, recipientID string) error {
	st := g.state(accountID)

	for {
		st.mu.Lock()
		now := time.Now()
		wait := g.nextWait(st, now, recipientID)
		if wait <= 0 {
			if g.policy.WindowLimit > 0 {
				st.window = append(st.window, now)
			}
			if g.policy.PerRecipientDelay > 0 {
				st.lastSend[recipientID] = now
			}
			st.mu.Unlock()
			return nil
		}
		st.mu.Unlock()

		logrus.Debugf("[RATE] Account %s waiting %v before send to %s", accountID, wait, recipientID)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextWait prunes the window and returns how long the caller must wait, or
// zero when the send may proceed now. Caller holds st.mu.
func (g *Governor) nextWait(st *accountState, now time.Time, recipientID string) time.Duration {
	if g.policy.WindowLimit > 0 {
		cutoff := now.Add(-g.policy.Window)
		kept := st.window[:0]
		for _, ts := range st.window {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		st.window = kept

		if len(st.window) >= g.policy.WindowLimit {
			oldest := st.window[0]
			return g.policy.Window - now.Sub(oldest) + g.policy.SafetyMargin
		}
	}

	if g.policy.PerRecipientDelay > 0 {
		if last, ok := st.lastSend[recipientID]; ok {
			if elapsed := now.Sub(last); elapsed < g.policy.PerRecipientDelay {
				return g.policy.PerRecipientDelay - elapsed + g.policy.SafetyMargin
			}
		}
	}

	return 0
}

// ReleaseAccount drops all rate state for an account on disconnect.
func (g *Governor) ReleaseAccount(accountID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.accounts, accountID)
}
