// Package dispatch claims queued outbox jobs and turns each one into a
// generated reply delivered on its origin channel.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tonycreatyv/dentalconnect-engine/internal/channel"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/core"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/generate"
	"github.com/Tonycreatyv/dentalconnect-engine/internal/metrics"
)

type Dispatcher struct {
	Store   *core.Store
	Gen     generate.Generator
	Sender  channel.Sender
	Limiter *rate.Limiter
	Log     *zap.Logger

	SendTimeout time.Duration
	Concurrency int
}

// JobResult reports what happened to one claimed job.
type JobResult struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`          // sent | failed
	Stage  string `json:"stage,omitempty"` // generation | send, on failure
	Error  string `json:"error,omitempty"`
}

type SweepResult struct {
	Claimed int         `json:"claimed"`
	Results []JobResult `json:"results"`
}

func New(store *core.Store, gen generate.Generator, sender channel.Sender, limiter *rate.Limiter, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Store:       store,
		Gen:         gen,
		Sender:      sender,
		Limiter:     limiter,
		Log:         log,
		SendTimeout: 10 * time.Second,
		Concurrency: 4,
	}
}

// RunSweep claims up to limit queued jobs for the organization and
// processes each claimed job independently. A generation or send
// failure leaves that job failed with a diagnostic and never aborts its
// siblings.
func (d *Dispatcher) RunSweep(ctx context.Context, orgID string, limit int) (SweepResult, error) {
	jobs, err := d.Store.ClaimQueuedJobs(ctx, orgID, limit)
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		return SweepResult{}, err
	}
	if len(jobs) == 0 {
		metrics.ClaimTotal.WithLabelValues("empty").Inc()
		return SweepResult{}, nil
	}
	metrics.ClaimTotal.WithLabelValues("ok").Inc()
	metrics.ClaimBatchSize.Observe(float64(len(jobs)))

	res := SweepResult{Claimed: len(jobs), Results: make([]JobResult, len(jobs))}

	conc := d.Concurrency
	if conc < 1 {
		conc = 1
	}
	sem := make(chan struct{}, conc)
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, job core.OutboxJob) {
			defer wg.Done()
			defer func() { <-sem }()
			res.Results[i] = d.processOne(ctx, job)
		}(i, job)
	}
	wg.Wait()
	return res, nil
}

func (d *Dispatcher) processOne(ctx context.Context, job core.OutboxJob) JobResult {
	log := d.Log.With(zap.String("job_id", job.ID), zap.String("channel", job.Channel))

	userText, lastIntent, err := d.Store.LoadReplyContext(ctx, job)
	if err != nil {
		return d.fail(ctx, log, job, "", "generation", fmt.Errorf("load context: %w", err))
	}

	start := time.Now()
	text, err := d.Gen.Generate(ctx, generate.Request{
		Kind:       "reply",
		Channel:    job.Channel,
		LastIntent: lastIntent,
		UserText:   userText,
	})
	metrics.GenerateDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerateTotal.WithLabelValues("reply", "error").Inc()
		return d.fail(ctx, log, job, "", "generation", err)
	}
	if strings.TrimSpace(text) == "" {
		metrics.GenerateTotal.WithLabelValues("reply", "empty").Inc()
		return d.fail(ctx, log, job, "", "generation", generate.ErrEmptyReply)
	}
	metrics.GenerateTotal.WithLabelValues("reply", "ok").Inc()

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return d.fail(ctx, log, job, text, "send", err)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, d.SendTimeout)
	start = time.Now()
	err = d.Sender.Send(cctx, channel.OutboundMessage{
		Channel:         job.Channel,
		ChannelUserID:   job.ChannelUserID,
		Text:            text,
		ProviderPayload: job.ProviderPayload,
	})
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SendTotal.WithLabelValues(job.Channel, "failed").Inc()
		// Generated text is kept on the job for manual resend.
		return d.fail(ctx, log, job, text, "send", err)
	}
	metrics.SendTotal.WithLabelValues(job.Channel, "sent").Inc()

	if err := d.Store.MarkJobSent(ctx, job.ID, text); err != nil {
		log.Error("mark sent", zap.Error(err))
		return JobResult{JobID: job.ID, Status: core.JobFailed, Stage: "send", Error: err.Error()}
	}
	if _, err := d.Store.AppendOutbound(ctx, core.Message{
		OrganizationID: job.OrganizationID,
		Channel:        job.Channel,
		Role:           core.RoleAssistant,
		Content:        text,
		ExternalID:     "out:" + job.ID,
	}); err != nil {
		// The reply is on the wire; a log gap is the lesser problem.
		log.Warn("append outbound message", zap.Error(err))
	}
	log.Info("reply sent")
	return JobResult{JobID: job.ID, Status: core.JobSent}
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, job core.OutboxJob, text, stage string, cause error) JobResult {
	reason := fmt.Sprintf("%s: %v", stage, cause)
	if err := d.Store.MarkJobFailed(ctx, job.ID, text, reason); err != nil {
		log.Error("mark failed", zap.String("stage", stage), zap.Error(err))
	} else {
		log.Warn("job failed", zap.String("stage", stage), zap.Error(cause))
	}
	return JobResult{JobID: job.ID, Status: core.JobFailed, Stage: stage, Error: cause.Error()}
}

// ReclaimStale returns jobs whose claimer died mid-flight back to
// queued after the lease window.
func (d *Dispatcher) ReclaimStale(ctx context.Context, orgID string, lease time.Duration) (int, error) {
	n, err := d.Store.ReclaimStaleProcessing(ctx, orgID, lease)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StaleReclaimed.Add(float64(n))
		d.Log.Warn("reclaimed stale processing jobs", zap.Int("count", n))
	}
	return n, nil
}
