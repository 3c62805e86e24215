// Package retry provides exponential backoff retry logic for transient failures.
//
// # Overview
//
// This package offers two layers. The free functions (Do, DoWithResult) give a
// minimal retry loop for one-off operations such as component startup. The
// Executor adds a pluggable retry policy, an overall time budget and aggregate
// statistics, and is the instrument the message bus wraps around every
// delivery attempt.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithResult: Execute function with retry, returns both result and error
//   - Executor.Execute: Policy-driven retry with attempt records and stats
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (component startup)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//
// # Usage Examples
//
// Basic retry with defaults:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return store.Open()
//	})
//
// Policy-driven executor:
//
//	exec, _ := retry.NewExecutor(retry.Config{
//	    MaxAttempts:  5,
//	    InitialDelay: 200 * time.Millisecond,
//	    MaxDelay:     10 * time.Second,
//	    Multiplier:   2.0,
//	    AddJitter:    true,
//	    TotalTimeout: 30 * time.Second,
//	}, retry.WithPolicy(myPolicy))
//	err := exec.Execute(ctx, func(ctx context.Context, a retry.Attempt) error {
//	    return deliver(ctx, msg)
//	})
//
// # Terminal Outcomes
//
// Executor failures wrap one of three sentinel errors so callers can
// distinguish why the loop gave up: ErrMaxAttempts, ErrTotalTimeout and
// ErrPermanent (policy refused retry).
//
// # Context Cancellation
//
// All retry operations respect context cancellation and will immediately stop
// retrying, either during operation execution or during backoff delay.
//
// # Thread Safety
//
// All functions are safe for concurrent use. The jitter mechanism uses a
// thread-safe random source to avoid contention.
package retry
