package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tonycreatyv/dentalconnect-engine/internal/channel"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/core"
	database "github.com/Tonycreatyv/dentalconnect-engine/internal/db"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/dispatch"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/generate"
)

type scriptedGen struct {
	text string
	err  error
}

func (g scriptedGen) Generate(context.Context, generate.Request) (string, error) {
	return g.text, g.err
}

type fakeSender struct {
	mu   sync.Mutex
	sent []channel.OutboundMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg channel.OutboundMessage) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

func seedJobs(t *testing.T, s *core.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, created, err := s.RecordInbound(context.Background(), core.InboundEvent{
			OrganizationID: "org1",
			Channel:        "messenger",
			ChannelUserID:  fmt.Sprintf("u%d", i),
			ExternalID:     fmt.Sprintf("m%d", i),
			Text:           "Hola",
			Timestamp:      time.Now(),
		})
		require.NoError(t, err)
		require.True(t, created)
	}
}

func TestRunSweep_SendsClaimedJobs(t *testing.T) {
	pg := database.StartTestPostgres(t)
	store := &core.Store{DB: pg.Pool}
	seedJobs(t, store, 3)

	sender := &fakeSender{}
	d := dispatch.New(store, scriptedGen{text: "We can help with that."}, sender, nil, zap.NewNop())

	res, err := d.RunSweep(context.Background(), "org1", 10)
	require.NoError(t, err)
	require.Equal(t, 3, res.Claimed)
	for _, r := range res.Results {
		require.Equal(t, core.JobSent, r.Status)
		require.Empty(t, r.Error)
	}
	require.Len(t, sender.sent, 3)

	var sent, outbound int
	require.NoError(t, store.DB.QueryRow(context.Background(), `SELECT COUNT(*) FROM outbox_jobs WHERE status='sent'`).Scan(&sent))
	require.NoError(t, store.DB.QueryRow(context.Background(), `SELECT COUNT(*) FROM messages WHERE role='assistant'`).Scan(&outbound))
	require.Equal(t, 3, sent)
	require.Equal(t, 3, outbound)
}

func TestRunSweep_EmptyGenerationFailsJob(t *testing.T) {
	pg := database.StartTestPostgres(t)
	store := &core.Store{DB: pg.Pool}
	seedJobs(t, store, 1)

	sender := &fakeSender{}
	d := dispatch.New(store, scriptedGen{text: "   "}, sender, nil, zap.NewNop())

	res, err := d.RunSweep(context.Background(), "org1", 10)
	require.NoError(t, err)
	require.Equal(t, 1, res.Claimed)
	require.Equal(t, core.JobFailed, res.Results[0].Status)
	require.Equal(t, "generation", res.Results[0].Stage)
	require.Empty(t, sender.sent)

	var lastErr string
	require.NoError(t, store.DB.QueryRow(context.Background(),
		`SELECT last_error FROM outbox_jobs WHERE status='failed'`).Scan(&lastErr))
	require.NotEmpty(t, lastErr)

	// No outbound message for a job that never went out.
	var outbound int
	require.NoError(t, store.DB.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM messages WHERE role='assistant'`).Scan(&outbound))
	require.Zero(t, outbound)
}

func TestRunSweep_SendFailureRetainsText(t *testing.T) {
	pg := database.StartTestPostgres(t)
	store := &core.Store{DB: pg.Pool}
	seedJobs(t, store, 1)

	sender := &fakeSender{err: errors.New("provider down")}
	d := dispatch.New(store, scriptedGen{text: "Generated reply"}, sender, nil, zap.NewNop())

	res, err := d.RunSweep(context.Background(), "org1", 10)
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, res.Results[0].Status)
	require.Equal(t, "send", res.Results[0].Stage)

	var text, lastErr string
	require.NoError(t, store.DB.QueryRow(context.Background(),
		`SELECT message_text, last_error FROM outbox_jobs WHERE status='failed'`).Scan(&text, &lastErr))
	require.Equal(t, "Generated reply", text)
	require.Contains(t, lastErr, "provider down")
}

func TestRunSweep_FailureIsolatedPerJob(t *testing.T) {
	pg := database.StartTestPostgres(t)
	store := &core.Store{DB: pg.Pool}
	seedJobs(t, store, 4)

	// Sender fails for exactly one recipient.
	sender := &pickySender{failFor: "u2"}
	d := dispatch.New(store, scriptedGen{text: "hello"}, sender, nil, zap.NewNop())

	res, err := d.RunSweep(context.Background(), "org1", 10)
	require.NoError(t, err)
	require.Equal(t, 4, res.Claimed)

	failed := 0
	for _, r := range res.Results {
		if r.Status == core.JobFailed {
			failed++
		}
	}
	require.Equal(t, 1, failed)
}

type pickySender struct {
	mu      sync.Mutex
	failFor string
}

func (p *pickySender) Send(_ context.Context, msg channel.OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.ChannelUserID == p.failFor {
		return errors.New("recipient blocked")
	}
	return nil
}
