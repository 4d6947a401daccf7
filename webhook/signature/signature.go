package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Header carries the signature on every outgoing delivery.
	Header = "X-Consoul-Signature"

	// SecretPrefix marks generated signing secrets.
	SecretPrefix = "whsec_"

	// DefaultMaxAge is the replay window: signatures older than this are
	// rejected as expired.
	DefaultMaxAge = 5 * time.Minute

	// FutureSkew tolerates subscriber clocks running ahead of ours.
	FutureSkew = time.Minute

	secretBytes = 32
)

/* Verification failure modes are split into two channels: structured
 * errors for malformed or replayed input (attack-shaped, worth alerting
 * on) and a plain false for well-formed signatures that simply do not
 * match (the ordinary negative case).
 */
var (
	ErrMalformedSignature = fmt.Errorf("malformed signature header")
	ErrExpiredSignature   = fmt.Errorf("signature timestamp outside replay window")
	ErrFutureTimestamp    = fmt.Errorf("signature timestamp too far in the future")
)

// GenerateSecret creates a new opaque signing secret. The whole string,
// prefix included, is the HMAC key.
func GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return SecretPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Sign computes the signature header value for payload at the given time:
// t=<unix>,v1=<hex(HMAC-SHA256(secret, "{t}.{payload}"))>
func Sign(payload []byte, secret string, at time.Time) string {
	t := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", t, digest(payload, secret, t))
}

/* SignAll signs with every secret, producing one v1 element per secret:
 * t=<unix>,v1=<current>,v1=<previous>. Senders include the pre-rotation
 * secret during the grace window so subscribers can verify with either.
 */
func SignAll(payload []byte, secrets []string, at time.Time) string {
	t := at.Unix()
	parts := make([]string, 0, len(secrets)+1)
	parts = append(parts, fmt.Sprintf("t=%d", t))
	for _, secret := range secrets {
		parts = append(parts, "v1="+digest(payload, secret, t))
	}
	return strings.Join(parts, ",")
}

/* Verify checks a signature header against the raw payload bytes.
 * It fails with ErrMalformedSignature, ErrExpiredSignature or
 * ErrFutureTimestamp for input that is not a well-formed, timely
 * signature, and returns (false, nil) when the header is well-formed but
 * no (secret, v1) pair matches. Every secret is tried against every v1
 * element, in order, with constant-time comparison.
 */
func Verify(payload []byte, header string, secrets []string, maxAge time.Duration) (bool, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	t, sigs, err := parseHeader(header)
	if err != nil {
		return false, err
	}

	now := time.Now()
	issued := time.Unix(t, 0)
	if now.Sub(issued) > maxAge {
		return false, ErrExpiredSignature
	}
	if issued.Sub(now) > FutureSkew {
		return false, ErrFutureTimestamp
	}

	for _, secret := range secrets {
		expected := digest(payload, secret, t)
		for _, sig := range sigs {
			if hmac.Equal([]byte(expected), []byte(sig)) {
				return true, nil
			}
		}
	}
	return false, nil
}

// digest computes hex(HMAC-SHA256(secret, "{t}.{payload}")).
func digest(payload []byte, secret string, t int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(t, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseHeader splits "t=<unix>,v1=<hex>[,v1=<hex>...]" into its parts.
func parseHeader(header string) (int64, []string, error) {
	parts := strings.Split(header, ",")
	if len(parts) < 2 {
		return 0, nil, ErrMalformedSignature
	}

	tPart, ok := strings.CutPrefix(parts[0], "t=")
	if !ok {
		return 0, nil, ErrMalformedSignature
	}
	t, err := strconv.ParseInt(tPart, 10, 64)
	if err != nil {
		return 0, nil, ErrMalformedSignature
	}

	sigs := make([]string, 0, len(parts)-1)
	for _, part := range parts[1:] {
		sig, ok := strings.CutPrefix(part, "v1=")
		if !ok || sig == "" {
			return 0, nil, ErrMalformedSignature
		}
		if _, err := hex.DecodeString(sig); err != nil {
			return 0, nil, ErrMalformedSignature
		}
		sigs = append(sigs, sig)
	}
	return t, sigs, nil
}
