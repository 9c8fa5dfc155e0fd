package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassSuccess},
		{"quota", QuotaError("openai", errors.New("429")), ClassQuotaExceeded},
		{"transient", TransientError("vertex", errors.New("503")), ClassTransient},
		{"validation", ValidationError("openai", "missing field", nil), ClassValidationFailed},
		{"fatal", FatalError("openai", "blocked", nil), ClassFatal},
		{"wrapped quota", fmt.Errorf("call failed: %w", QuotaError("", errors.New("429"))), ClassQuotaExceeded},
		{"context cancelled", context.Canceled, ClassFatal},
		{"deadline", context.DeadlineExceeded, ClassFatal},
		{"net error", timeoutErr{}, ClassTransient},
		{"unknown", errors.New("weird"), ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRootClassSeesThroughExhaustionWrapper(t *testing.T) {
	inner := QuotaError("openai", errors.New("429"))
	wrapped := FatalError("", "quota retries exhausted", fmt.Errorf("%w: %w", ErrRetriesExhausted, inner))

	if Classify(wrapped) != ClassFatal {
		t.Fatalf("outer classification should be fatal")
	}
	if RootClass(wrapped) != ClassQuotaExceeded {
		t.Fatalf("root classification should be quota, got %s", RootClass(wrapped))
	}
}

func TestRootClassPlainError(t *testing.T) {
	if RootClass(errors.New("boom")) != ClassFatal {
		t.Fatal("plain errors classify fatal")
	}
	if RootClass(nil) != ClassSuccess {
		t.Fatal("nil classifies success")
	}
}

func TestValidationDetail(t *testing.T) {
	err := ValidationError("openai", "sentimentScore out of range", errors.New("raw"))
	if got := ValidationDetail(err); got != "sentimentScore out of range" {
		t.Fatalf("unexpected detail: %q", got)
	}
	if got := ValidationDetail(errors.New("plain")); got != "plain" {
		t.Fatalf("unexpected fallback detail: %q", got)
	}
	if got := ValidationDetail(nil); got != "" {
		t.Fatalf("expected empty detail for nil, got %q", got)
	}
}

func TestCallErrorMessage(t *testing.T) {
	err := &CallError{Class: ClassQuotaExceeded, Provider: "openai", Err: errors.New("429 too many requests")}
	msg := err.Error()
	for _, want := range []string{"quota_exceeded", "openai", "429"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}
