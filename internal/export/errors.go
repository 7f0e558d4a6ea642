package export

import (
	"errors"
	"fmt"
)

// ErrShutdown is returned by ExportSpans after Close has been called.
var ErrShutdown = errors.New("export: deliverer is shut down")

// DeliveryError is the terminal failure for one identity group's delivery.
// Other groups in the same export call are unaffected.
type DeliveryError struct {
	TenantID   string
	AgentID    string
	StatusCode int // last HTTP status observed; 0 for network-level failures
	Attempts   int
	Err        error // underlying transport error, if any
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export: delivery for tenant %s agent %s failed after %d attempt(s): %v",
			e.TenantID, e.AgentID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("export: delivery for tenant %s agent %s failed after %d attempt(s): status %d",
		e.TenantID, e.AgentID, e.Attempts, e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
