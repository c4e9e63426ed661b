package webhook

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("whsec_test")

func TestVerifySignatureAcceptsHexEncoding(test *testing.T) {
	test.Parallel()
	body := []byte(`{"id":"evt-1"}`)
	signature := hex.EncodeToString(ComputeSignature(testSecret, "1700000000", body))

	if err := VerifySignature(testSecret, "1700000000", body, signature); err != nil {
		test.Fatalf("hex signature rejected: %v", err)
	}
}

func TestVerifySignatureAcceptsBase64Encoding(test *testing.T) {
	test.Parallel()
	body := []byte(`{"id":"evt-2"}`)
	signature := base64.StdEncoding.EncodeToString(ComputeSignature(testSecret, "1700000000", body))

	if err := VerifySignature(testSecret, "1700000000", body, signature); err != nil {
		test.Fatalf("base64 signature rejected: %v", err)
	}
}

func TestVerifySignatureRejectsTamperedBody(test *testing.T) {
	test.Parallel()
	body := []byte(`{"id":"evt-3","points":100}`)
	signature := hex.EncodeToString(ComputeSignature(testSecret, "1700000000", body))
	tampered := []byte(`{"id":"evt-3","points":10000}`)

	if err := VerifySignature(testSecret, "1700000000", tampered, signature); !errors.Is(err, ErrBadSignature) {
		test.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifySignatureRejectsWrongTimestamp(test *testing.T) {
	test.Parallel()
	body := []byte(`{"id":"evt-4"}`)
	signature := hex.EncodeToString(ComputeSignature(testSecret, "1700000000", body))

	if err := VerifySignature(testSecret, "1700000999", body, signature); !errors.Is(err, ErrBadSignature) {
		test.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifySignatureRejectsMissingSignature(test *testing.T) {
	test.Parallel()
	if err := VerifySignature(testSecret, "1700000000", []byte("{}"), ""); !errors.Is(err, ErrBadSignature) {
		test.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestCheckTimestampWindow(test *testing.T) {
	test.Parallel()
	now := time.Unix(1_700_000_000, 0).UTC()
	const (
		caseFresh      = "fresh delivery"
		caseEdge       = "at the window edge"
		caseStale      = "past the window"
		caseFuture     = "too far in the future"
		caseRFC3339    = "rfc3339 timestamp"
		caseUnparsable = "unparseable timestamp"
	)
	cases := []struct {
		name      string
		timestamp string
		wantStale bool
	}{
		{name: caseFresh, timestamp: "1699999990"},
		{name: caseEdge, timestamp: "1699999700"},
		{name: caseStale, timestamp: "1699999600", wantStale: true},
		{name: caseFuture, timestamp: "1700000400", wantStale: true},
		{name: caseRFC3339, timestamp: now.Add(-time.Minute).Format(time.RFC3339)},
		{name: caseUnparsable, timestamp: "yesterday", wantStale: true},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			err := CheckTimestamp(testCase.timestamp, now)
			if testCase.wantStale {
				if !errors.Is(err, ErrStaleTimestamp) {
					test.Fatalf("expected ErrStaleTimestamp, got %v", err)
				}
				return
			}
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseEnvelopeRequiresEventID(test *testing.T) {
	test.Parallel()
	if _, err := ParseEnvelope([]byte(`{"event_type":"order.completed","data":{}}`)); !errors.Is(err, ErrMalformedPayload) {
		test.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if _, err := ParseEnvelope([]byte(`not json`)); !errors.Is(err, ErrMalformedPayload) {
		test.Fatalf("expected ErrMalformedPayload for invalid json, got %v", err)
	}
}

func TestDecodeEventMapsKnownTypes(test *testing.T) {
	test.Parallel()
	envelope, err := ParseEnvelope([]byte(`{"id":"evt-5","event_type":"order.completed","data":{"order_id":"ord-5","uid":"user-5","points":120}}`))
	if err != nil {
		test.Fatalf("parse envelope: %v", err)
	}
	event, err := DecodeEvent(envelope)
	if err != nil {
		test.Fatalf("decode event: %v", err)
	}
	completed, ok := event.(OrderCompleted)
	if !ok {
		test.Fatalf("expected OrderCompleted, got %T", event)
	}
	if completed.OrderID != "ord-5" || completed.UserID != "user-5" || completed.Points != 120 {
		test.Fatalf("unexpected decode %+v", completed)
	}
}

func TestDecodeEventUnknownTypeIsNotAnError(test *testing.T) {
	test.Parallel()
	envelope := Envelope{ID: "evt-6", EventType: "subscription.renewed", Data: []byte(`{}`)}
	event, err := DecodeEvent(envelope)
	if err != nil {
		test.Fatalf("decode event: %v", err)
	}
	if _, ok := event.(UnknownEvent); !ok {
		test.Fatalf("expected UnknownEvent, got %T", event)
	}
}
