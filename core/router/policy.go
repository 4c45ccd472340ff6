package router

import (
	"context"
	"fmt"

	"github.com/relabs-tech/cloudio/core/logger"
)

// FailurePolicy decides the fate of a message whose processing failed
type FailurePolicy int

const (
	// DropOnError logs the error and acknowledges the message. A transient
	// backend outage loses the message.
	DropOnError FailurePolicy = iota
	// PropagateOnError returns the error to the router, which rejects the
	// delivery. Neither MemoryTransport nor KafkaTransport redelivers a
	// rejected message, with them the difference to DropOnError is the
	// error logged by the router. Use it with transports that redeliver.
	PropagateOnError
)

func (p FailurePolicy) String() string {
	switch p {
	case DropOnError:
		return "drop"
	case PropagateOnError:
		return "propagate"
	}
	return fmt.Sprintf("FailurePolicy(%d)", int(p))
}

// Apply returns the error the handler should return for err
func (p FailurePolicy) Apply(ctx context.Context, msg *Message, err error) error {
	if err == nil {
		return nil
	}
	if p == PropagateOnError {
		return err
	}
	logger.FromContext(ctx).WithError(err).Errorf("dropping %s", msg.RoutingKey)
	return nil
}
