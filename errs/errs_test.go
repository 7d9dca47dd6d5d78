package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesReferenceAndMetadata(t *testing.T) {
	err := New(
		"delivery",
		CodeServer,
		WithHTTP(503),
		WithMessage("collector unavailable"),
		WithReference("key-3"),
		WithField("attempt", "2"),
		WithField("endpoint", "/v1/batch"),
		WithCause(errors.New("upstream reset")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=delivery") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=server") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=503") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "reference=\"key-3\"") {
		t.Fatalf("expected reference in error string: %s", out)
	}
	expectedMeta := "meta=attempt=\"2\",endpoint=\"/v1/batch\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"upstream reset\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("unexpected nil rendering: %q", e.Error())
	}
	if e.Retryable() {
		t.Fatalf("nil envelope must not be retryable")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("store/disk", CodeStorage, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause")
	}
}

func TestFromStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		code      Code
		retryable bool
	}{
		{400, CodeInvalid, false},
		{401, CodeAuth, false},
		{403, CodeAuth, false},
		{404, CodeNotFound, false},
		{408, CodeTimeout, true},
		{413, CodePayloadTooLarge, false},
		{422, CodeInvalid, false},
		{429, CodeRateLimited, true},
		{500, CodeServer, true},
		{503, CodeServer, true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			err := FromStatus("transport", tc.status)
			if err.Code != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, err.Code)
			}
			if err.Retryable() != tc.retryable {
				t.Fatalf("expected retryable=%v for %d", tc.retryable, tc.status)
			}
			if err.HTTP != tc.status {
				t.Fatalf("expected http %d, got %d", tc.status, err.HTTP)
			}
		})
	}
}

func TestRetryReason(t *testing.T) {
	if got := FromStatus("t", 500).RetryReason(); got != "server-500" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := FromStatus("t", 429).RetryReason(); got != "server-429" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := New("t", CodeNetwork).RetryReason(); got != "client-network" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := New("t", CodeTimeout).RetryReason(); got != "client-timeout" {
		t.Fatalf("unexpected reason %q", got)
	}
	if got := New("t", CodeMalformedResponse).RetryReason(); got != "client-unknown" {
		t.Fatalf("unexpected reason %q", got)
	}
}

func TestIsRetryableAndCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("upload: %w", New("transport", CodeAuth, WithHTTP(401)))
	if IsRetryable(wrapped) {
		t.Fatalf("auth failures must not be retryable")
	}
	if CodeOf(wrapped) != CodeAuth {
		t.Fatalf("expected auth code, got %s", CodeOf(wrapped))
	}
	if !IsRetryable(errors.New("opaque")) {
		t.Fatalf("unclassified errors must be retried")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil is not a failure")
	}
	if CodeOf(errors.New("opaque")) != CodeUnknown {
		t.Fatalf("expected unknown code")
	}
}
