package wallet

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	Kind           EntryKind
	Amount         Points
	IdempotencyKey string
	Duplicate      bool
	BalanceAfter   Balance
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides entry and lot id generation (used in tests).
func WithIDGenerator(idFn func() string) ServiceOption {
	return func(service *Service) {
		if idFn != nil {
			service.idFn = idFn
		}
	}
}
