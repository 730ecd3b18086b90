package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableConnectError(t *testing.T) {
	if IsRetryableConnectError(nil) {
		t.Fatalf("nil error should not be retryable")
	}
	if IsRetryableConnectError(context.Canceled) {
		t.Fatalf("cancellation should not be retryable")
	}
	if IsRetryableConnectError(fmt.Errorf("dial room: %w", context.Canceled)) {
		t.Fatalf("wrapped cancellation should not be retryable")
	}
	if !IsRetryableConnectError(context.DeadlineExceeded) {
		t.Fatalf("deadline exceeded should be retryable")
	}
	if !IsRetryableConnectError(errors.New("connection refused")) {
		t.Fatalf("transport errors should be retryable")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
