package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesOpAndFields(t *testing.T) {
	err := New(
		"amazon",
		KindPermanent,
		WithOp("amazon/search"),
		WithHTTP(400),
		WithMessage("malformed query"),
		WithRawCode("InvalidParameterValue"),
		WithRawMessage("keyword must not be empty"),
		WithField("endpoint", "/products/search"),
		WithField("query", "   "),
		WithCause(errors.New("amazon http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "source=amazon") {
		t.Fatalf("expected source marker in error string: %s", out)
	}
	if !strings.Contains(out, "kind=permanent") {
		t.Fatalf("expected kind in error string: %s", out)
	}
	if !strings.Contains(out, "op=amazon/search") {
		t.Fatalf("expected op in error string: %s", out)
	}
	expectedFields := "fields=endpoint=\"/products/search\",query=\"\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "raw_code=\"InvalidParameterValue\"") {
		t.Fatalf("expected raw code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"amazon http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestKindOfClassifiesContextErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"envelope", New("ebay", KindThrottled), KindThrottled},
		{"wrapped envelope", fmt.Errorf("search: %w", New("ebay", KindPermanent)), KindPermanent},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", context.Canceled, KindCancelled},
		{"wrapped canceled", fmt.Errorf("fetch: %w", context.Canceled), KindCancelled},
		{"plain", errors.New("connection reset"), KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New("jd", KindThrottled)) {
		t.Fatal("throttled failures must be retryable")
	}
	if !IsRetryable(New("jd", KindTransient)) {
		t.Fatal("transient failures must be retryable")
	}
	if IsRetryable(New("jd", KindPermanent)) {
		t.Fatal("permanent failures must not be retryable")
	}
	if IsRetryable(New("jd", KindCancelled)) {
		t.Fatal("cancelled failures must not be retryable")
	}
}

func TestClassifyPreservesEnvelopeAndFillsGaps(t *testing.T) {
	base := New("", KindThrottled, WithMessage("slow down"))
	out := Classify("walmart", "walmart/search", base)
	if out.Source != "walmart" {
		t.Fatalf("expected source filled in, got %q", out.Source)
	}
	if out.Op != "walmart/search" {
		t.Fatalf("expected op filled in, got %q", out.Op)
	}
	if out.Kind != KindThrottled {
		t.Fatalf("expected kind preserved, got %q", out.Kind)
	}
	if base.Source != "" {
		t.Fatalf("classify must not mutate the original envelope, got source %q", base.Source)
	}

	wrapped := Classify("walmart", "walmart/fetch", context.DeadlineExceeded)
	if wrapped.Kind != KindTransient {
		t.Fatalf("expected deadline expiry to classify transient, got %q", wrapped.Kind)
	}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatal("expected wrapped cause to remain reachable via errors.Is")
	}
}
