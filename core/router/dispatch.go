package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/relabs-tech/cloudio/core/logger"
)

// slowHandlerWarning is the time after which a running handler is reported as slow
var slowHandlerWarning = 20 * time.Second

// Dispatch hands a delivery to the handler. If the handler returns a
// non-nil result and the message carries a reply address, the result is
// published to that address with the same correlation id. The delivery is
// acknowledged on success and rejected if the handler fails or panics.
func Dispatch(ctx context.Context, publisher Publisher, handler Handler, d *Delivery) error {
	msg := d.Message
	result, err := invoke(ctx, handler, &msg)
	if err != nil {
		d.Nack(err)
		return err
	}

	if result != nil && len(msg.ReplyTo) > 0 {
		reply := &Message{
			RoutingKey:    msg.ReplyTo,
			CorrelationID: msg.CorrelationID,
			Headers:       map[string]string{},
			Body:          result,
		}
		logger.InjectHeaders(ctx, reply.Headers)
		if err = publisher.Publish(ctx, reply); err != nil {
			err = fmt.Errorf("cannot reply to %s: %w", msg.ReplyTo, err)
			d.Nack(err)
			return err
		}
	}
	return d.Ack()
}

// invoke calls the handler in a panic/recover envelope
func invoke(ctx context.Context, handler Handler, msg *Message) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %v", r)
			logger.FromContext(ctx).Errorf("%s\n%s", err, debug.Stack())
		}
	}()
	timeout := time.AfterFunc(slowHandlerWarning, func() {
		logger.FromContext(ctx).Warnf("handling %s is taking a long time...", msg.RoutingKey)
	})
	defer timeout.Stop()
	return handler.HandleMessage(ctx, msg)
}
