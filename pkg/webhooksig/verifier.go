package webhooksig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

// Registry maps accountID to its webhook signing secret. It is populated at
// connect time and emptied on disconnect; an unknown account fails closed.
type Registry struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewRegistry() *Registry {
	return &Registry{secrets: make(map[string]string)}
}

func (r *Registry) Register(accountID, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets[accountID] = secret
}

func (r *Registry) Unregister(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.secrets, accountID)
}

func (r *Registry) secret(accountID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.secrets[accountID]
	return s, ok
}

// Verifier authenticates inbound webhook payloads before any parsing.
type Verifier struct {
	registry *Registry
	// Freshness bounds how far a timestamped signature may deviate from
	// current time before it is treated as a replay.
	Freshness time.Duration
	// AllowUnsigned skips verification for requests carrying no signature.
	// Never enable outside local development.
	AllowUnsigned bool

	now func() time.Time
}

func NewVerifier(registry *Registry, freshness time.Duration) *Verifier {
	if freshness <= 0 {
		freshness = 300 * time.Second
	}
	return &Verifier{
		registry:  registry,
		Freshness: freshness,
		now:       time.Now,
	}
}

// VerifySharedSecret checks a signature of the form "sha256=<hex>" computed
// as HMAC-SHA256 over the exact received body bytes.
func (v *Verifier) VerifySharedSecret(accountID, signatureHeader string, body []byte) error {
	if signatureHeader == "" {
		if v.AllowUnsigned {
			logrus.Warnf("[WEBHOOK] Accepting unsigned payload for account %s (AllowUnsigned)", accountID)
			return nil
		}
		return pkgError.SecurityError("missing webhook signature")
	}

	secret, ok := v.registry.secret(accountID)
	if !ok || secret == "" {
		return pkgError.SecurityError(fmt.Sprintf("no signing secret registered for account %s", accountID))
	}

	hexSig, ok := strings.CutPrefix(signatureHeader, "sha256=")
	if !ok {
		return pkgError.SecurityError("malformed signature header")
	}

	return v.compare(secret, body, hexSig)
}

// VerifyTimestamped checks a header of the form "t=<unix-seconds>,s=<hex>":
// the timestamp must be within Freshness of now, and the HMAC covers
// timestamp + "." + body.
func (v *Verifier) VerifyTimestamped(accountID, header string, body []byte) error {
	if header == "" {
		if v.AllowUnsigned {
			logrus.Warnf("[WEBHOOK] Accepting unsigned payload for account %s (AllowUnsigned)", accountID)
			return nil
		}
		return pkgError.SecurityError("missing webhook signature")
	}

	var tsPart, sigPart string
	for _, field := range strings.Split(header, ",") {
		key, val, found := strings.Cut(strings.TrimSpace(field), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			tsPart = val
		case "s":
			sigPart = val
		}
	}
	if tsPart == "" || sigPart == "" {
		return pkgError.SecurityError("malformed timestamped signature header")
	}

	return v.VerifyTimestampedParts(accountID, tsPart, sigPart, body)
}

// VerifyTimestampedParts is the bare-argument variant for channels that send
// the timestamp outside the signature header.
func (v *Verifier) VerifyTimestampedParts(accountID, timestamp, hexSig string, body []byte) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return pkgError.SecurityError("non-numeric signature timestamp")
	}

	drift := v.now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.Freshness {
		return pkgError.SecurityError(fmt.Sprintf("signature timestamp outside freshness window (%v)", drift))
	}

	secret, ok := v.registry.secret(accountID)
	if !ok || secret == "" {
		return pkgError.SecurityError(fmt.Sprintf("no signing secret registered for account %s", accountID))
	}

	signed := make([]byte, 0, len(timestamp)+1+len(body))
	signed = append(signed, timestamp...)
	signed = append(signed, '.')
	signed = append(signed, body...)

	return v.compare(secret, signed, hexSig)
}

func (v *Verifier) compare(secret string, payload []byte, hexSig string) error {
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return pkgError.SecurityError("signature is not valid hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := mac.Sum(nil)

	// Length mismatch is decided before the timing-safe comparison.
	if len(got) != len(want) {
		return pkgError.SecurityError("signature length mismatch")
	}
	if !hmac.Equal(got, want) {
		return pkgError.SecurityError("signature mismatch")
	}
	return nil
}

// Sign computes the shared-secret signature for a body. Used by outbound
// webhook forwarding and by tests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignTimestamped computes the timestamp-qualified signature.
func SignTimestamped(secret string, ts time.Time, body []byte) string {
	stamp := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(stamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
