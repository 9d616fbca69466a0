package core_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tonycreatyv/dentalconnect-engine/internal/core"
)

func seedLead(t *testing.T, s *core.Store, policy string, due time.Time) core.Lead {
	t.Helper()
	intent := "implant pricing"
	id, err := s.CreateLead(context.Background(), core.Lead{
		OrganizationID:    "org1",
		Channel:           "messenger",
		ChannelUserID:     "u-" + policy,
		ConversationState: core.StateWaitingUser,
		FollowUpPolicy:    policy,
		NextFollowupDueAt: &due,
		LastIntent:        &intent,
	})
	require.NoError(t, err)
	lead, err := s.GetLead(context.Background(), id)
	require.NoError(t, err)
	return lead
}

func TestClaimDueLeads_ExclusiveAndDueOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	dueLead := seedLead(t, s, core.PolicyWarm, past)
	seedLead(t, s, core.PolicyHot, future) // not due

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leads, err := s.ClaimDueLeads(ctx, "org1", 10, time.Now())
			require.NoError(t, err)
			mu.Lock()
			for _, l := range leads {
				claimed[l.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[dueLead.ID])

	lead, err := s.GetLead(ctx, dueLead.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateInFollowup, lead.ConversationState)
}

func TestEnqueueFollowUpJob_ClaimedForScheduler(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	lead := seedLead(t, s, core.PolicyWarm, time.Now().Add(-time.Minute))
	leads, err := s.ClaimDueLeads(ctx, "org1", 1, time.Now())
	require.NoError(t, err)
	require.Len(t, leads, 1)

	job, claimed, err := s.EnqueueFollowUpJob(ctx, leads[0], "followup:"+lead.ID+":step-1:abc", map[string]string{"page_id": "p1"})
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, core.JobProcessing, job.Status)
	require.Equal(t, lead.ChannelUserID, job.ChannelUserID)

	// Same anchor again: the job exists and is no longer queued.
	_, claimed, err = s.EnqueueFollowUpJob(ctx, leads[0], "followup:"+lead.ID+":step-1:abc", nil)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestCompleteFollowUp_AdvancesCadence(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	seedLead(t, s, core.PolicyWarm, time.Now().Add(-time.Minute))
	leads, err := s.ClaimDueLeads(ctx, "org1", 1, time.Now())
	require.NoError(t, err)
	lead := leads[0]
	before := *lead.NextFollowupDueAt

	job, claimed, err := s.EnqueueFollowUpJob(ctx, lead, "followup:"+lead.ID+":step-1:xyz", nil)
	require.NoError(t, err)
	require.True(t, claimed)

	now := time.Now()
	require.NoError(t, s.CompleteFollowUp(ctx, lead, job.ID, "checking in!", now))

	got, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.FollowUpStep)
	require.Equal(t, core.StateWaitingUser, got.ConversationState)
	require.True(t, got.NextFollowupDueAt.After(before))
	require.True(t, got.NextFollowupDueAt.After(now))

	j, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobSent, j.Status)
	require.Equal(t, "checking in!", *j.MessageText)

	// The sent follow-up is on the message log.
	var count int
	require.NoError(t, s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE external_id=$1`, "out:"+job.ID).Scan(&count))
	require.Equal(t, 1, count)
}

func TestCompleteFollowUp_ExhaustsAtMaxStep(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	lead := seedLead(t, s, core.PolicyHot, time.Now().Add(-time.Minute))
	_, err := s.DB.Exec(ctx, `UPDATE leads SET follow_up_step=$2 WHERE id=$1`, lead.ID, core.MaxFollowUpStep-1)
	require.NoError(t, err)

	leads, err := s.ClaimDueLeads(ctx, "org1", 1, time.Now())
	require.NoError(t, err)
	job, claimed, err := s.EnqueueFollowUpJob(ctx, leads[0], "followup:"+lead.ID+":last:1", nil)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, s.CompleteFollowUp(ctx, leads[0], job.ID, "last one", time.Now()))

	got, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	require.Equal(t, core.MaxFollowUpStep, got.FollowUpStep)
	require.Equal(t, core.StateFollowupExhausted, got.ConversationState)

	more, err := s.ClaimDueLeads(ctx, "org1", 10, time.Now().Add(365*24*time.Hour))
	require.NoError(t, err)
	require.Empty(t, more)
}

func TestFailFollowUp_ResolvesLeadAndJob(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	lead := seedLead(t, s, core.PolicyCold, time.Now().Add(-time.Minute))
	leads, err := s.ClaimDueLeads(ctx, "org1", 1, time.Now())
	require.NoError(t, err)
	job, claimed, err := s.EnqueueFollowUpJob(ctx, leads[0], "followup:"+lead.ID+":step-1:f", nil)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, s.FailFollowUp(ctx, leads[0], job.ID, "generation: empty", 30*time.Minute))

	got, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateWaitingUser, got.ConversationState)
	require.Zero(t, got.FollowUpStep)
	require.True(t, got.NextFollowupDueAt.After(time.Now()))

	j, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, j.Status)
	require.Equal(t, "generation: empty", *j.LastError)
}

func TestReleaseLead_OnlyFromClaimed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	lead := seedLead(t, s, core.PolicyWarm, time.Now().Add(-time.Minute))
	leads, err := s.ClaimDueLeads(ctx, "org1", 1, time.Now())
	require.NoError(t, err)
	require.Len(t, leads, 1)

	require.NoError(t, s.ReleaseLead(ctx, lead.ID, time.Hour))
	got, err := s.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateWaitingUser, got.ConversationState)
	require.True(t, got.NextFollowupDueAt.After(time.Now().Add(30*time.Minute)))
}
