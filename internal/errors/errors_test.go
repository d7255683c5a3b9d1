package errors

import (
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughFmtWrapping(t *testing.T) {
	base := Wrap(CodeNoRoute, "no viable route", fmt.Errorf("jupiter: 400"))
	wrapped := fmt.Errorf("resolve vault: %w", base)

	if got := CodeOf(wrapped); got != CodeNoRoute {
		t.Fatalf("expected no-route code, got %d", got)
	}
	if ExitCode(wrapped) != 20 {
		t.Fatalf("unexpected exit code %d", ExitCode(wrapped))
	}
	if base.Error() != "no viable route: jupiter: 400" {
		t.Fatalf("unexpected message %q", base.Error())
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := map[Code]bool{
		CodeUnavailable: true,
		CodeRateLimited: true,
		CodeTimeout:     true,
		CodeReverted:    true,
		CodeNoRoute:     false,
		CodeConfig:      false,
		CodeSigner:      false,
	}
	for code, want := range cases {
		if got := Retryable(New(code, "x")); got != want {
			t.Fatalf("Retryable(%s) = %v, want %v", TypeName(code), got, want)
		}
	}
	if Retryable(fmt.Errorf("plain")) {
		t.Fatal("untyped errors must not be retryable")
	}
	if CodeOf(nil) != CodeSuccess {
		t.Fatal("nil error should map to success")
	}
}
