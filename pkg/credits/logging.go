package credits

import (
	"context"

	"go.uber.org/zap"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation. Cohort, Chunk
// and UserCount are only set for distribution entries.
type OperationLog struct {
	Operation   string
	UserID      string
	Type        TransactionType
	Amount      int64
	Description string
	Cohort      string
	Chunk       int
	UserCount   int
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPlanResolver wires the pricing-plan lookup used by subscription grants
// and cohort partitioning.
func WithPlanResolver(plans PlanResolver) ServiceOption {
	return func(service *Service) {
		service.plans = plans
	}
}

// WithUserSource wires the population source used by the batch distributor.
func WithUserSource(users UserSource) ServiceOption {
	return func(service *Service) {
		service.users = users
	}
}

// ZapOperationLogger emits operation logs as structured zap entries.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps a zap logger as an OperationLogger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	return &ZapOperationLogger{logger: logger.Named("credits")}
}

// LogOperation writes one structured log line per ledger operation.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.Type != "" {
		fields = append(fields, zap.String("type", entry.Type.String()))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount))
	}
	if entry.Cohort != "" {
		fields = append(fields, zap.String("cohort", entry.Cohort), zap.Int("chunk", entry.Chunk), zap.Int("user_count", entry.UserCount))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Error("credit operation failed", fields...)
		return
	}
	operationLogger.logger.Info("credit operation", fields...)
}
