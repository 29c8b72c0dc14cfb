package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Operation types with their own deadline.
const (
	OpInstrumentDownload = "instrument_download"
	OpTablePrepare       = "table_prepare"
	OpHealthCheck        = "health_check"
)

// TimeoutConfig defines timeout settings for different operation types
type TimeoutConfig struct {
	InstrumentDownload time.Duration
	TablePrepare       time.Duration
	HealthCheck        time.Duration
}

// TimeoutManager bounds pipeline bootstrap operations and tracks the ones
// still in flight so they can be cancelled together.
type TimeoutManager struct {
	config         *TimeoutConfig
	logger         *logrus.Logger
	activeContexts map[string]context.CancelFunc
	mu             sync.RWMutex
	defaultTimeout time.Duration
}

// OperationContext wraps a context with timeout and cancellation
type OperationContext struct {
	Ctx         context.Context
	Cancel      context.CancelFunc
	OperationID string
	StartTime   time.Time
	Timeout     time.Duration
}

func NewTimeoutManager(config *TimeoutConfig, logger *logrus.Logger) *TimeoutManager {
	if config == nil {
		config = DefaultTimeoutConfig()
	}

	return &TimeoutManager{
		config:         config,
		logger:         logger,
		activeContexts: make(map[string]context.CancelFunc),
		defaultTimeout: 30 * time.Second,
	}
}

// DefaultTimeoutConfig returns default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		InstrumentDownload: 60 * time.Second,
		TablePrepare:       2 * time.Minute,
		HealthCheck:        3 * time.Second,
	}
}

// CreateOperationContext derives a context from parent bounded by the
// timeout of operationType.
func (tm *TimeoutManager) CreateOperationContext(parent context.Context, operationType, operationID string) *OperationContext {
	timeout := tm.timeoutFor(operationType)
	ctx, cancel := context.WithTimeout(parent, timeout)

	tm.mu.Lock()
	tm.activeContexts[operationID] = cancel
	tm.mu.Unlock()

	return &OperationContext{
		Ctx:         ctx,
		Cancel:      cancel,
		OperationID: operationID,
		StartTime:   time.Now(),
		Timeout:     timeout,
	}
}

func (tm *TimeoutManager) timeoutFor(operationType string) time.Duration {
	var d time.Duration
	switch operationType {
	case OpInstrumentDownload:
		d = tm.config.InstrumentDownload
	case OpTablePrepare:
		d = tm.config.TablePrepare
	case OpHealthCheck:
		d = tm.config.HealthCheck
	}
	if d <= 0 {
		return tm.defaultTimeout
	}
	return d
}

// CompleteOperation releases the context of operationID.
func (tm *TimeoutManager) CompleteOperation(operationID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if cancel, ok := tm.activeContexts[operationID]; ok {
		cancel()
		delete(tm.activeContexts, operationID)
	}
}

// CancelAllOperations cancels every operation still in flight.
func (tm *TimeoutManager) CancelAllOperations() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for id, cancel := range tm.activeContexts {
		cancel()
		delete(tm.activeContexts, id)
	}
}

func (tm *TimeoutManager) ActiveOperationCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.activeContexts)
}

// ExecuteWithTimeout runs operation under the deadline of operationType.
// The operation is expected to honour its context; the error it returns is
// passed through.
func (tm *TimeoutManager) ExecuteWithTimeout(
	parent context.Context,
	operationType string,
	operationID string,
	operation func(ctx context.Context) error,
) error {
	opCtx := tm.CreateOperationContext(parent, operationType, operationID)
	defer tm.CompleteOperation(operationID)

	err := operation(opCtx.Ctx)
	fields := logrus.Fields{
		"operation_type": operationType,
		"operation_id":   operationID,
		"duration":       time.Since(opCtx.StartTime),
	}
	if err != nil && opCtx.Ctx.Err() == context.DeadlineExceeded && parent.Err() == nil {
		fields["timeout"] = opCtx.Timeout
		tm.logger.WithFields(fields).Warn("Operation timed out")
		return err
	}
	fields["success"] = err == nil
	tm.logger.WithFields(fields).Debug("Operation completed")
	return err
}
