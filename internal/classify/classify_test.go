package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/shaiso/Freight/internal/breaker"
	"github.com/shaiso/Freight/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		kind       domain.ErrorKind
		retryAfter time.Duration
		unknown    bool
	}{
		{"nil", nil, domain.ErrorKindNone, 0, false},
		{"deadline", context.DeadlineExceeded, domain.ErrorKindTransient, 0, false},
		{"wrapped deadline", fmt.Errorf("post record: %w", context.DeadlineExceeded), domain.ErrorKindTransient, 0, false},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, domain.ErrorKindTransient, 0, false},
		{"http 429 with retry-after", HTTPError(429, 30*time.Second, "slow down"), domain.ErrorKindRateLimited, 30 * time.Second, false},
		{"http 429 without retry-after", HTTPError(429, 0, ""), domain.ErrorKindRateLimited, DefaultRetryAfter, false},
		{"http 500", HTTPError(500, 0, "boom"), domain.ErrorKindTransient, 0, false},
		{"http 503", HTTPError(503, 0, "unavailable"), domain.ErrorKindTransient, 0, false},
		{"http 401", HTTPError(401, 0, ""), domain.ErrorKindPermanent, 0, false},
		{"http 403", HTTPError(403, 0, ""), domain.ErrorKindPermanent, 0, false},
		{"http 404", HTTPError(404, 0, ""), domain.ErrorKindPermanent, 0, false},
		{"http 422", HTTPError(422, 0, "bad field"), domain.ErrorKindPermanent, 0, false},
		{"http 418", HTTPError(418, 0, ""), domain.ErrorKindTransient, 0, true},
		{"validation", fmt.Errorf("record r1: %w", ErrValidation), domain.ErrorKindPermanent, 0, false},
		{"schema", ErrSchema, domain.ErrorKindPermanent, 0, false},
		{"explicit rate limit", RateLimited(10*time.Second, "quota"), domain.ErrorKindRateLimited, 10 * time.Second, false},
		{"explicit permanent", Permanent("duplicate"), domain.ErrorKindPermanent, 0, false},
		{"explicit transient", Transient("flaky"), domain.ErrorKindTransient, 0, false},
		{"circuit open", &breaker.OpenError{Name: "t/attio", RetryAfter: 15 * time.Second}, domain.ErrorKindTransient, 15 * time.Second, false},
		{"message rate limit", errors.New("API rate limit exceeded"), domain.ErrorKindRateLimited, DefaultRetryAfter, false},
		{"message timeout", errors.New("i/o timeout while reading"), domain.ErrorKindTransient, 0, false},
		{"message not found", errors.New("attio: record not found"), domain.ErrorKindPermanent, 0, false},
		{"message validation", errors.New("Validation failed: email is blank"), domain.ErrorKindPermanent, 0, false},
		{"html instead of json", errors.New("decode response: invalid character '<' looking for beginning of value"), domain.ErrorKindTransient, 0, true},
		{"dns lookup", errors.New("dial: lookup api.attio.test: host not found"), domain.ErrorKindTransient, 0, true},
		{"unknown", errors.New("something odd happened"), domain.ErrorKindTransient, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.kind {
				t.Errorf("kind: expected %q, got %q", tt.kind, got.Kind)
			}
			if got.RetryAfter != tt.retryAfter {
				t.Errorf("retry after: expected %v, got %v", tt.retryAfter, got.RetryAfter)
			}
			if got.Unknown != tt.unknown {
				t.Errorf("unknown: expected %v, got %v", tt.unknown, got.Unknown)
			}
		})
	}
}

func TestClassification_Retryable(t *testing.T) {
	if !Classify(HTTPError(500, 0, "")).Retryable() {
		t.Error("transient must be retryable")
	}
	if !Classify(HTTPError(429, 0, "")).Retryable() {
		t.Error("rate limited must be retryable")
	}
	if Classify(HTTPError(404, 0, "")).Retryable() {
		t.Error("permanent must not be retryable")
	}
}

func TestTransferError_Message(t *testing.T) {
	err := HTTPError(503, 0, "maintenance")
	if err.Error() != "transfer failed: HTTP 503: maintenance" {
		t.Errorf("unexpected message: %s", err.Error())
	}

	wrapped := &TransferError{Kind: domain.ErrorKindTransient, Err: context.DeadlineExceeded}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("TransferError must unwrap to its cause")
	}
}
