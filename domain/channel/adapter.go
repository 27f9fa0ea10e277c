package channel

import "context"

// Adapter is the contract every network implementation satisfies. Sessions
// are owned exclusively by their adapter: Connect creates one per accountID,
// Disconnect and Shutdown destroy them deterministically.
//
// Contract rules:
//   - Connect on an already-connected accountID is idempotent and never
//     creates a duplicate session.
//   - Connect validates credentials before any network call and fails fast
//     with a ValidationError distinct from network errors.
//   - Send failures carry retryable=true for transient causes (network,
//     rate limit, session warming up) and retryable=false for permanent
//     rejections.
//   - Shutdown disconnects all active accounts and is safe with zero
//     sessions.
type Adapter interface {
	Type() ChannelType

	Connect(ctx context.Context, accountID string, creds Credentials) (ConnectionResult, error)
	Disconnect(ctx context.Context, accountID string) error
	Shutdown(ctx context.Context) error

	SendMessage(ctx context.Context, params SendParams) (SendResult, error)
	SendMedia(ctx context.Context, params SendParams) (SendResult, error)

	GetStatus(accountID string) Status
	IsConnected(accountID string) bool
	GetActiveAccounts() []string
}
