package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"syscall"
	"testing"
	"time"
)

func TestIsMatchesByCode(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"not connected", NotConnected("call"), ErrNotConnected, true},
		{"timeout", Timeout("ping", time.Second), ErrTimeout, true},
		{"remote", RemoteRejected("battles.join", "403", "full"), ErrRemoteRejected, true},
		{"in progress", MutationInProgress("battle-1"), ErrMutationInProgress, true},
		{"exhausted", ReconnectExhausted(5, fmt.Errorf("refused")), ErrReconnectExhausted, true},
		{"wrapped", fmt.Errorf("outer: %w", Timeout("x", time.Second)), ErrTimeout, true},
		{"different code", Timeout("x", time.Second), ErrNotConnected, false},
		{"plain error", fmt.Errorf("boom"), ErrTimeout, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stderrors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemoteRejectedCarriesReason(t *testing.T) {
	err := RemoteRejected("marketplace.placeBid", "bid-too-low", "Bid must exceed 150")
	if err.Details != "bid-too-low: Bid must exceed 150" {
		t.Errorf("Details = %q", err.Details)
	}
	if got := UserMessageOf(err); got != "Bid must exceed 150" {
		t.Errorf("UserMessageOf = %q", got)
	}

	bare := RemoteRejected("x", "", "")
	if bare.Details != "" {
		t.Errorf("expected no details, got %q", bare.Details)
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NotConnected("call"), true},
		{Timeout("x", time.Second), true},
		{ReconnectExhausted(5, nil), false},
		{RemoteRejected("x", "", "nope"), false},
		{MutationInProgress("k"), true},
		{fmt.Errorf("plain"), false},
	}
	for _, tt := range tests {
		if got := IsRecoverable(tt.err); got != tt.want {
			t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if ShouldRetry(Timeout("x", time.Second), 3, 3) {
		t.Error("ShouldRetry should stop at max attempts")
	}
}

func TestConnectionErrorCodes(t *testing.T) {
	tests := []struct {
		cause error
		code  string
	}{
		{syscall.ECONNREFUSED, "CONNECTION_REFUSED"},
		{fmt.Errorf("dial: %w", context.DeadlineExceeded), "NETWORK_TIMEOUT"},
		{fmt.Errorf("something else"), "NETWORK_ERROR"},
	}
	for _, tt := range tests {
		if got := ConnectionError("dial", tt.cause).Code; got != tt.code {
			t.Errorf("ConnectionError(%v).Code = %s, want %s", tt.cause, got, tt.code)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("wrap: %w", MutationInProgress("k"))); got != CodeMutationInProgress {
		t.Errorf("CodeOf = %q", got)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q", got)
	}
}
