package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxTimestampSkew bounds the accepted clock skew between the provider and
// this service; older deliveries are treated as replays.
const MaxTimestampSkew = 5 * time.Minute

// Transport-level rejection errors. These map to 4xx responses and are the
// only webhook failures the provider ever sees.
var (
	ErrBadSignature     = errors.New("bad signature")
	ErrStaleTimestamp   = errors.New("stale timestamp")
	ErrMalformedPayload = errors.New("malformed payload")
)

// ComputeSignature computes HMAC-SHA256 over "<timestamp>.<body>".
func ComputeSignature(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifySignature constant-time-compares the provided signature against the
// expected HMAC. Hex and base64 encodings are both accepted.
func VerifySignature(secret []byte, timestamp string, body []byte, signature string) error {
	if signature == "" {
		return ErrBadSignature
	}
	expected := ComputeSignature(secret, timestamp, body)
	for _, decoded := range decodeSignature(signature) {
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrBadSignature
}

// CheckTimestamp rejects deliveries outside the skew window.
func CheckTimestamp(timestamp string, now time.Time) error {
	parsed, err := parseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	skew := now.Sub(parsed)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return ErrStaleTimestamp
	}
	return nil
}

func parseTimestamp(timestamp string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(timestamp, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", timestamp)
	}
	return parsed.UTC(), nil
}

func decodeSignature(signature string) [][]byte {
	candidates := make([][]byte, 0, 2)
	if decoded, err := hex.DecodeString(signature); err == nil {
		candidates = append(candidates, decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(signature); err == nil {
		candidates = append(candidates, decoded)
	}
	return candidates
}
