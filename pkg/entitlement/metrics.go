package entitlement

import "time"

// Metrics defines the interface for tracking gate decisions and storage performance.
type Metrics interface {
	// RecordGateDecision records the outcome of a CanPerform call.
	RecordGateDecision(feature string, plan Plan, allowed bool)

	// RecordGateError records a gate call that failed closed.
	RecordGateError(feature string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "profile").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordGateDecision(feature string, plan Plan, allowed bool)                 {}
func (n *NoopMetrics) RecordGateError(feature string)                                             {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
