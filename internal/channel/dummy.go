package channel

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dummy simulates a channel provider for local runs: some latency,
// occasional failures.
type Dummy struct {
	mu   sync.Mutex
	Sent []string // ids of delivered messages, for inspection
}

func NewDummy() *Dummy { return &Dummy{} }

func (d *Dummy) Send(ctx context.Context, msg OutboundMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	if rand.Intn(100) < 3 { // ~3% failure
		return errors.New("provider_temporary_error")
	}
	d.mu.Lock()
	d.Sent = append(d.Sent, uuid.NewString())
	d.mu.Unlock()
	return nil
}
