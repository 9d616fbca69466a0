// Package followup runs the timed sweep that chases leads who went
// quiet: claim due leads, enqueue a follow-up job per lead, generate
// policy-aware text, send it, and advance the lead's cadence.
package followup

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tonycreatyv/dentalconnect-engine/internal/channel"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/core"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/generate"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/metrics"
)

// Stages a per-lead failure can be attributed to.
const (
	StageEnqueue    = "enqueue"
	StageGeneration = "generation"
	StageMarkSent   = "mark_sent"
)

type Scheduler struct {
	Store  *core.Store
	Gen    generate.Generator
	Sender channel.Sender
	Log    *zap.Logger

	SendTimeout time.Duration
	// RetryDelay pushes a failed lead's due time forward so the next
	// sweep does not immediately spin on it.
	RetryDelay time.Duration
}

func New(store *core.Store, gen generate.Generator, sender channel.Sender, log *zap.Logger) *Scheduler {
	return &Scheduler{
		Store:       store,
		Gen:         gen,
		Sender:      sender,
		Log:         log,
		SendTimeout: 10 * time.Second,
		RetryDelay:  30 * time.Minute,
	}
}

type LeadResult struct {
	LeadID string `json:"lead_id"`
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status"`          // sent | failed
	Stage  string `json:"stage,omitempty"` // enqueue | generation | mark_sent, on failure
	Error  string `json:"error,omitempty"`
}

type SweepResult struct {
	Claimed int          `json:"claimed"`
	Results []LeadResult `json:"results"`
}

// RunSweep claims due leads in the given timezone and resolves every
// claimed lead before returning: either the follow-up is sent and the
// cadence advanced, or the lead is released with a diagnostic. No lead
// stays in in_followup past this call.
func (s *Scheduler) RunSweep(ctx context.Context, orgID string, limit int, tz string) (SweepResult, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return SweepResult{}, fmt.Errorf("timezone %q: %w", tz, err)
	}
	now := time.Now().In(loc)

	leads, err := s.Store.ClaimDueLeads(ctx, orgID, limit, now)
	if err != nil {
		return SweepResult{}, err
	}
	metrics.FollowupClaimed.Add(float64(len(leads)))

	res := SweepResult{Claimed: len(leads)}
	for _, lead := range leads {
		res.Results = append(res.Results, s.processLead(ctx, lead, now))
	}
	return res, nil
}

func (s *Scheduler) processLead(ctx context.Context, lead core.Lead, now time.Time) LeadResult {
	log := s.Log.With(zap.String("lead_id", lead.ID), zap.String("policy", lead.FollowUpPolicy), zap.Int("step", lead.FollowUpStep+1))

	payload, err := s.Store.LatestProviderPayload(ctx, lead.OrganizationID, lead.Channel, lead.ChannelUserID)
	if err != nil {
		return s.releaseLead(ctx, log, lead, StageEnqueue, err)
	}

	// A fresh anchor per attempt keeps the one-job-per-inbound-message
	// discipline while letting a later sweep retry a lead whose previous
	// attempt failed terminally.
	anchorExt := fmt.Sprintf("followup:%s:step-%d:%s", lead.ID, lead.FollowUpStep+1, uuid.NewString())
	job, claimed, err := s.Store.EnqueueFollowUpJob(ctx, lead, anchorExt, payload)
	if err != nil {
		return s.releaseLead(ctx, log, lead, StageEnqueue, err)
	}
	if !claimed {
		return s.releaseLead(ctx, log, lead, StageEnqueue, fmt.Errorf("job for anchor already taken"))
	}

	start := time.Now()
	intent := ""
	if lead.LastIntent != nil {
		intent = *lead.LastIntent
	}
	text, err := s.Gen.Generate(ctx, generate.Request{
		Kind:       "followup",
		Channel:    lead.Channel,
		Policy:     lead.FollowUpPolicy,
		Step:       lead.FollowUpStep + 1,
		LastIntent: intent,
	})
	metrics.GenerateDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerateTotal.WithLabelValues("followup", "error").Inc()
		return s.failJob(ctx, log, lead, job.ID, StageGeneration, err)
	}
	if err := generate.CheckPolicy(lead.FollowUpPolicy, text); err != nil {
		metrics.GenerateTotal.WithLabelValues("followup", "error").Inc()
		return s.failJob(ctx, log, lead, job.ID, StageGeneration, err)
	}
	metrics.GenerateTotal.WithLabelValues("followup", "ok").Inc()

	cctx, cancel := context.WithTimeout(ctx, s.SendTimeout)
	err = s.Sender.Send(cctx, channel.OutboundMessage{
		Channel:         lead.Channel,
		ChannelUserID:   lead.ChannelUserID,
		Text:            text,
		ProviderPayload: payload,
	})
	cancel()
	if err != nil {
		metrics.SendTotal.WithLabelValues(lead.Channel, "failed").Inc()
		return s.failJob(ctx, log, lead, job.ID, StageMarkSent, err)
	}
	metrics.SendTotal.WithLabelValues(lead.Channel, "sent").Inc()

	if err := s.Store.CompleteFollowUp(ctx, lead, job.ID, text, now); err != nil {
		return s.failJob(ctx, log, lead, job.ID, StageMarkSent, err)
	}

	metrics.FollowupResults.WithLabelValues("sent").Inc()
	log.Info("follow-up sent", zap.String("job_id", job.ID))
	return LeadResult{LeadID: lead.ID, JobID: job.ID, Status: core.JobSent}
}

// releaseLead resolves a claimed lead after a failure that happened
// before a job existed.
func (s *Scheduler) releaseLead(ctx context.Context, log *zap.Logger, lead core.Lead, stage string, cause error) LeadResult {
	if err := s.Store.ReleaseLead(ctx, lead.ID, s.RetryDelay); err != nil {
		log.Error("release lead", zap.Error(err))
	} else {
		log.Warn("lead released", zap.String("stage", stage), zap.Error(cause))
	}
	metrics.FollowupResults.WithLabelValues(stage).Inc()
	return LeadResult{LeadID: lead.ID, Status: core.JobFailed, Stage: stage, Error: cause.Error()}
}

// failJob resolves both the job and the lead after a failure past
// enqueue.
func (s *Scheduler) failJob(ctx context.Context, log *zap.Logger, lead core.Lead, jobID, stage string, cause error) LeadResult {
	reason := fmt.Sprintf("%s: %v", stage, cause)
	if err := s.Store.FailFollowUp(ctx, lead, jobID, reason, s.RetryDelay); err != nil {
		log.Error("fail follow-up", zap.String("stage", stage), zap.Error(err))
	} else {
		log.Warn("follow-up failed", zap.String("stage", stage), zap.Error(cause))
	}
	metrics.FollowupResults.WithLabelValues(stage).Inc()
	return LeadResult{LeadID: lead.ID, JobID: jobID, Status: core.JobFailed, Stage: stage, Error: cause.Error()}
}
