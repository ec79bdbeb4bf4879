package liquidation

import "context"

// FaultPoint names a place in the workflow where a crash can be simulated.
type FaultPoint string

const (
	FaultSagaBeforeSave      FaultPoint = "saga.before_save"
	FaultSagaAfterSave       FaultPoint = "saga.after_save"
	FaultStartAfterLock      FaultPoint = "start.after_lock"
	FaultLiquidateAfterClose FaultPoint = "liquidate.after_close"
)

// FaultInjector is called at each FaultPoint. A non-nil error aborts the
// handler there as if the process had crashed, and the message is
// redelivered.
type FaultInjector interface {
	Inject(ctx context.Context, point FaultPoint, operationID string) error
}

// NoFaults never injects.
type NoFaults struct{}

func (NoFaults) Inject(context.Context, FaultPoint, string) error { return nil }
