package channel

import (
	"context"
	"fmt"
)

// Mux routes outbound messages to the sender registered for their
// channel.
type Mux map[string]Sender

func (m Mux) Send(ctx context.Context, msg OutboundMessage) error {
	s, ok := m[msg.Channel]
	if !ok {
		return fmt.Errorf("no sender registered for channel %q", msg.Channel)
	}
	return s.Send(ctx, msg)
}
