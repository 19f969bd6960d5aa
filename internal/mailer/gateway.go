package mailer

import "context"

// Gateway transmits a composed raw message envelope. Implementations either
// complete the delivery or return a fault describing why it failed; there is
// exactly one attempt per message.
type Gateway interface {
	Send(ctx context.Context, from string, to string, rawMessage string) error
}

type noopGateway struct{}

func (noopGateway) Send(ctx context.Context, from string, to string, rawMessage string) error {
	return nil
}

// NewNoopGateway returns a gateway that silently accepts every message.
func NewNoopGateway() Gateway {
	return noopGateway{}
}

// ResolveGateway substitutes a noop gateway for nil.
func ResolveGateway(gateway Gateway) Gateway {
	if gateway == nil {
		return noopGateway{}
	}
	return gateway
}
