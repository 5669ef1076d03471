package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := Wrap(CodeProviderError, cause, "call provider", WithRetryable(true))

	if CodeOf(err) != CodeProviderError {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if !RetryableError(err) {
		t.Fatalf("instance retryable override should win")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	if !stdErrors.Is(wrapped, New(CodeProviderError, "")) {
		t.Fatalf("errors.Is should match by code through wrapping")
	}
}

func TestRegistryDefaults(t *testing.T) {
	cases := []struct {
		code      Code
		retryable bool
		status    int
	}{
		{CodeToolNotFound, false, http.StatusNotFound},
		{CodeToolInvocation, false, http.StatusBadGateway},
		{CodeStreamTimeout, true, http.StatusGatewayTimeout},
		{CodeProviderError, false, http.StatusBadGateway},
		{CodeMaxRoundsExceeded, false, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		if err.Retryable() != tc.retryable {
			t.Fatalf("%s: retryable = %v, want %v", tc.code, err.Retryable(), tc.retryable)
		}
		if got := HTTPStatus(err); got != tc.status {
			t.Fatalf("%s: status = %d, want %d", tc.code, got, tc.status)
		}
		if err.Message() == "" {
			t.Fatalf("%s: default message missing", tc.code)
		}
	}
}

func TestUnknownErrorsFallBack(t *testing.T) {
	plain := stdErrors.New("boom")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
	if RetryableError(plain) {
		t.Fatalf("plain errors are never retryable")
	}
	if HTTPStatus(plain) != http.StatusInternalServerError {
		t.Fatalf("plain errors should map to 500")
	}
	if AttributesOf("NOT_REGISTERED").Severity != SeverityCritical {
		t.Fatalf("unregistered codes should fall back to UNKNOWN attributes")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Retryable: true, HTTPStatus: http.StatusTooManyRequests})
	err := New(code, "", WithMetadata("user", "u1"))
	if !err.Retryable() || HTTPStatus(err) != http.StatusTooManyRequests {
		t.Fatalf("registered attributes not applied: %+v", AttributesOf(code))
	}
	if err.Metadata()["user"] != "u1" {
		t.Fatalf("metadata lost: %v", err.Metadata())
	}
}
