package subscription

import (
	"context"
	"fmt"

	"topsql-collector/internal/model"
)

// Transport opens resource usage subscriptions against nodes. Subscribe
// covers dialing and opening the server stream; it must honour ctx.
type Transport interface {
	Subscribe(ctx context.Context, node model.NodeAddress) (Stream, error)
}

// Stream is one open subscription. Recv blocks for the next raw wire
// message. Close releases the connection and unblocks a pending Recv.
type Stream interface {
	Recv() ([]byte, error)
	Close() error
}

// TransportError marks dial, TLS and read failures. They are always
// recovered by backing off and reconnecting.
type TransportError struct {
	Node model.NodeAddress
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Node.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
