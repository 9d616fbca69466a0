// Package channel delivers outbound messages on the external messaging
// channels. Senders are addressed with the opaque provider payload the
// webhook captured at ingestion time.
package channel

import (
	"context"
)

type OutboundMessage struct {
	Channel         string
	ChannelUserID   string
	Text            string
	ProviderPayload map[string]string
}

type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}
