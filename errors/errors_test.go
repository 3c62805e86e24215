package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"queue full", ErrQueueFull, true},
		{"delivery timeout", ErrDeliveryTimeout, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"rate limited", ErrRateLimited, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"invalid message", ErrInvalidMessage, false},
		{"resource exhausted", ErrResourceExhausted, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"busy in message", fmt.Errorf("subscriber busy"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"missing config", ErrMissingConfig, true},
		{"resource exhausted", ErrResourceExhausted, true},
		{"panic in message", fmt.Errorf("panic: index out of range"), true},
		{"corrupted in message", fmt.Errorf("store corrupted"), true},
		{"queue full", ErrQueueFull, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsFatal(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid message", ErrInvalidMessage, true},
		{"invalid filter", ErrInvalidFilter, true},
		{"unknown module", ErrUnknownModule, true},
		{"subscription not found", ErrSubscriptionNotFound, true},
		{"queue full", ErrQueueFull, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsInvalid(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil defaults transient", nil, ErrorTransient},
		{"transient sentinel", ErrDeliveryTimeout, ErrorTransient},
		{"fatal sentinel", ErrMissingConfig, ErrorFatal},
		{"invalid sentinel", ErrInvalidFilter, ErrorInvalid},
		{"unknown defaults transient", fmt.Errorf("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, "CoreBus", "Publish", "enqueue")
	if err == nil {
		t.Fatal("expected wrapped error")
	}
	if !strings.Contains(err.Error(), "CoreBus.Publish: enqueue failed") {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should match base via errors.Is")
	}
	if Wrap(nil, "CoreBus", "Publish", "enqueue") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	transient := WrapTransient(base, "Queue", "Add", "persist entry")
	if !IsTransient(transient) {
		t.Error("WrapTransient result should classify transient")
	}

	fatal := WrapFatal(base, "Store", "Open", "open database")
	if !IsFatal(fatal) {
		t.Error("WrapFatal result should classify fatal")
	}

	invalid := WrapInvalid(base, "Envelope", "Validate", "check payload")
	if !IsInvalid(invalid) {
		t.Error("WrapInvalid result should classify invalid")
	}

	var ce *ClassifiedError
	if !errors.As(transient, &ce) {
		t.Fatal("expected *ClassifiedError")
	}
	if ce.Component != "Queue" || ce.Operation != "Add" {
		t.Errorf("unexpected context: %s.%s", ce.Component, ce.Operation)
	}
	if !errors.Is(transient, base) {
		t.Error("classified error should unwrap to base")
	}
}

func TestRetryConfig_ShouldRetry(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.ShouldRetry(nil, 0) {
		t.Error("nil error should not retry")
	}
	if !cfg.ShouldRetry(ErrDeliveryTimeout, 0) {
		t.Error("transient error under budget should retry")
	}
	if cfg.ShouldRetry(ErrDeliveryTimeout, cfg.MaxRetries) {
		t.Error("exhausted budget should not retry")
	}
	if cfg.ShouldRetry(ErrInvalidMessage, 0) {
		t.Error("non-transient error should not retry")
	}

	scoped := cfg
	scoped.RetryableErrors = []error{ErrQueueFull}
	if !scoped.ShouldRetry(ErrQueueFull, 0) {
		t.Error("listed retryable error should retry")
	}
	if scoped.ShouldRetry(ErrDeliveryTimeout, 0) {
		t.Error("unlisted error should not retry when list is set")
	}
}

func TestRetryConfig_ToRetryConfig(t *testing.T) {
	rc := RetryConfig{
		MaxRetries:    3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
	got := rc.ToRetryConfig()
	if got.MaxAttempts != 4 {
		t.Errorf("expected 4 total attempts, got %d", got.MaxAttempts)
	}
	if got.InitialDelay != rc.InitialDelay || got.MaxDelay != rc.MaxDelay {
		t.Error("delays should carry over")
	}
	if !got.AddJitter {
		t.Error("jitter should be enabled")
	}
}
