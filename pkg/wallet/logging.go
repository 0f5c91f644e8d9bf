package wallet

import (
	"context"
	"errors"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
// Fraud rejections are audited through this hook.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	Amount         CoinAmount
	IdempotencyKey IdempotencyKey
	Reason         RejectionReason
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithValidator overrides the default fraud validator thresholds.
func WithValidator(validator *Validator) ServiceOption {
	return func(service *Service) {
		if validator != nil {
			service.validator = validator
		}
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		switch {
		case entry.Error == nil:
			entry.Status = operationStatusOK
		case errors.Is(entry.Error, ErrFraudRejected):
			entry.Status = operationStatusRejected
			var fraudError *FraudError
			if errors.As(entry.Error, &fraudError) {
				entry.Reason = fraudError.Reason
			}
		default:
			entry.Status = operationStatusError
		}
	}
	service.logger.LogOperation(ctx, entry)
}
