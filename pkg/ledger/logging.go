package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	AccountID string
	Amount    int64
	RequestID string
	Source    string
	Replay    bool
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithTierPolicies overrides the shipped tier allowance table.
func WithTierPolicies(policies TierPolicies) ServiceOption {
	return func(service *Service) {
		if len(policies) > 0 {
			service.policies = policies
		}
	}
}

// WithApplyRetry tunes the optimistic-concurrency retry loop.
func WithApplyRetry(attempts int, backoffInitial, backoffMax time.Duration) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.applyAttempts = attempts
		}
		if backoffInitial >= 0 {
			service.backoffInitial = backoffInitial
		}
		if backoffMax >= 0 {
			service.backoffMax = backoffMax
		}
	}
}

// WithIdempotencyTTL sets how long replay snapshots are retained.
func WithIdempotencyTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		if ttl > 0 {
			service.idempotencyTTL = ttl
		}
	}
}

// WithBroadcaster wires the account snapshot stream.
func WithBroadcaster(broadcaster *Broadcaster) ServiceOption {
	return func(service *Service) {
		service.broadcaster = broadcaster
	}
}
