package apierrors

import (
	"errors"
	"testing"
)

func TestOperationErrorString(t *testing.T) {
	err := FailedToWithDetails(NotFound, "session", "get session", "sess-1", errors.New("missing key"))
	want := "session: failed to get session (sess-1): missing key"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestOperationErrorNoResource(t *testing.T) {
	err := FailedTo(Internal, "pool", "replenish", errors.New("boom"))
	want := "pool: failed to replenish: boom"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{Unavailable, true},
		{DeadlineExceeded, true},
		{NotFound, false},
		{Internal, false},
		{ResourceExhausted, false},
	}
	for _, c := range cases {
		err := FailedTo(c.code, "kv", "get", errors.New("x"))
		if got := IsRetryable(err); got != c.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestIsRetryableNonOperationError(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Error("expected plain errors to be non-retryable")
	}
}

func TestChainPreservesCode(t *testing.T) {
	inner := FailedTo(Unavailable, "kv", "get", errors.New("conn refused"))
	outer := Chain("session", "load session", inner)
	if outer.Code != Unavailable {
		t.Errorf("expected code to propagate, got %s", outer.Code)
	}
	if !errors.Is(outer, outer) {
		t.Error("expected error identity")
	}
}

func TestChainDefaultsToInternal(t *testing.T) {
	outer := Chain("runner", "execute", errors.New("plain failure"))
	if outer.Code != Internal {
		t.Errorf("expected Internal default, got %s", outer.Code)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := FailedTo(Internal, "x", "y", cause)
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(errors.New("plain")) != Internal {
		t.Error("expected plain error to map to Internal")
	}
	if CodeOf(FailedTo(NotFound, "x", "y", nil)) != NotFound {
		t.Error("expected NotFound to round-trip")
	}
}
