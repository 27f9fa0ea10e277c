package webhooksig

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgError "github.com/omnibridge/omnibridge/pkg/error"
)

func newTestVerifier(t *testing.T) (*Verifier, *Registry) {
	t.Helper()
	reg := NewRegistry()
	reg.Register("acc1", "topsecret")
	return NewVerifier(reg, 300*time.Second), reg
}

func TestVerifySharedSecret_RoundTrip(t *testing.T) {
	v, _ := newTestVerifier(t)
	body := []byte(`{"event":"message","text":"hola"}`)

	header := "sha256=" + Sign("topsecret", body)
	assert.NoError(t, v.VerifySharedSecret("acc1", header, body))
}

func TestVerifySharedSecret_FlippedByte(t *testing.T) {
	v, _ := newTestVerifier(t)
	body := []byte(`{"event":"message"}`)

	sig := []byte(Sign("topsecret", body))
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}

	err := v.VerifySharedSecret("acc1", "sha256="+string(sig), body)
	require.Error(t, err)
	assert.IsType(t, pkgError.SecurityError(""), err)
}

func TestVerifySharedSecret_WrongSecret(t *testing.T) {
	v, _ := newTestVerifier(t)
	body := []byte("payload")

	header := "sha256=" + Sign("othersecret", body)
	assert.Error(t, v.VerifySharedSecret("acc1", header, body))
}

func TestVerifySharedSecret_MissingSignature(t *testing.T) {
	v, _ := newTestVerifier(t)

	err := v.VerifySharedSecret("acc1", "", []byte("x"))
	require.Error(t, err)

	v.AllowUnsigned = true
	assert.NoError(t, v.VerifySharedSecret("acc1", "", []byte("x")),
		"explicit non-production override accepts unsigned payloads")
}

func TestVerifySharedSecret_UnknownAccountFailsClosed(t *testing.T) {
	v, _ := newTestVerifier(t)
	body := []byte("x")

	err := v.VerifySharedSecret("ghost", "sha256="+Sign("topsecret", body), body)
	require.Error(t, err)
}

func TestVerifySharedSecret_LengthMismatch(t *testing.T) {
	v, _ := newTestVerifier(t)

	// Valid hex, wrong length: rejected before the timing-safe compare.
	err := v.VerifySharedSecret("acc1", "sha256=deadbeef", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "length mismatch")
}

func TestVerifyTimestamped_RoundTrip(t *testing.T) {
	v, _ := newTestVerifier(t)
	body := []byte(`{"order":"42"}`)
	now := time.Now()

	header := fmt.Sprintf("t=%d,s=%s", now.Unix(), SignTimestamped("topsecret", now, body))
	assert.NoError(t, v.VerifyTimestamped("acc1", header, body))
}

func TestVerifyTimestamped_StaleTimestamp(t *testing.T) {
	v, _ := newTestVerifier(t)
	body := []byte(`{"order":"42"}`)
	old := time.Now().Add(-10 * time.Minute)

	header := fmt.Sprintf("t=%d,s=%s", old.Unix(), SignTimestamped("topsecret", old, body))
	err := v.VerifyTimestamped("acc1", header, body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "freshness")
}

func TestVerifyTimestamped_FutureSkewWithinWindow(t *testing.T) {
	v, _ := newTestVerifier(t)
	body := []byte("b")
	future := time.Now().Add(2 * time.Minute)

	header := fmt.Sprintf("t=%d,s=%s", future.Unix(), SignTimestamped("topsecret", future, body))
	assert.NoError(t, v.VerifyTimestamped("acc1", header, body),
		"small clock skew inside the freshness window is tolerated")
}

func TestVerifyTimestamped_MalformedHeader(t *testing.T) {
	v, _ := newTestVerifier(t)

	for _, header := range []string{"t=123", "s=abcd", "garbage", "t=notanumber,s=abcd"} {
		assert.Error(t, v.VerifyTimestamped("acc1", header, []byte("x")), "header %q", header)
	}
}

func TestVerifyTimestampedParts_BareArguments(t *testing.T) {
	v, _ := newTestVerifier(t)
	body := []byte("payload")
	now := time.Now()

	sig := SignTimestamped("topsecret", now, body)
	assert.NoError(t, v.VerifyTimestampedParts("acc1", fmt.Sprintf("%d", now.Unix()), sig, body))
}

func TestRegistry_UnregisterFailsClosed(t *testing.T) {
	v, reg := newTestVerifier(t)
	body := []byte("x")
	header := "sha256=" + Sign("topsecret", body)

	require.NoError(t, v.VerifySharedSecret("acc1", header, body))

	reg.Unregister("acc1")
	assert.Error(t, v.VerifySharedSecret("acc1", header, body))
}
