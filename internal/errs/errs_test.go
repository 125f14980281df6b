package errs

import (
	"errors"
	"testing"
)

func TestClassify_EachWrapperMapsToItsClass(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"transient", Transient(errors.New("x")), ClassTransient},
		{"rate_limited", RateLimited(errors.New("x"), 0), ClassRateLimited},
		{"schema_invalid", SchemaInvalid(errors.New("x"), ""), ClassSchemaInvalid},
		{"not_found", NotFound(errors.New("x")), ClassNotFound},
		{"quota_exceeded", QuotaExceeded("acme", errors.New("x")), ClassQuotaExceeded},
		{"conflict", Conflict(errors.New("x")), ClassConflict},
		{"terminal_failure", TerminalFailure(errors.New("x")), ClassTerminalFailure},
		{"fatal", Fatal(errors.New("x")), ClassFatal},
		{"unknown", errors.New("plain"), ClassUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%s) = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestIsRetryable_OnlyTransientRateLimitedUnknown(t *testing.T) {
	retryable := []error{Transient(errors.New("x")), RateLimited(errors.New("x"), 0), errors.New("plain")}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = false, want true", err)
		}
	}
	notRetryable := []error{SchemaInvalid(errors.New("x"), ""), NotFound(errors.New("x")), QuotaExceeded("t", errors.New("x")), Conflict(errors.New("x")), TerminalFailure(errors.New("x")), Fatal(errors.New("x"))}
	for _, err := range notRetryable {
		if IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = true, want false", err)
		}
	}
}

func TestIsTerminalSkip_IncludesTerminalFailure(t *testing.T) {
	skip := []error{NotFound(errors.New("x")), QuotaExceeded("t", errors.New("x")), Conflict(errors.New("x")), TerminalFailure(errors.New("x"))}
	for _, err := range skip {
		if !IsTerminalSkip(err) {
			t.Errorf("IsTerminalSkip(%v) = false, want true", err)
		}
	}
	notSkip := []error{Transient(errors.New("x")), RateLimited(errors.New("x"), 0), Fatal(errors.New("x")), SchemaInvalid(errors.New("x"), "")}
	for _, err := range notSkip {
		if IsTerminalSkip(err) {
			t.Errorf("IsTerminalSkip(%v) = true, want false", err)
		}
	}
}

func TestRetryAfter_OnlyRateLimitedCarriesInterval(t *testing.T) {
	if _, ok := RetryAfter(Transient(errors.New("x"))); ok {
		t.Error("RetryAfter(Transient) ok = true, want false")
	}
	if d, ok := RetryAfter(RateLimited(errors.New("x"), 5)); !ok || d != 5 {
		t.Errorf("RetryAfter(RateLimited) = (%v, %v), want (5, true)", d, ok)
	}
}
