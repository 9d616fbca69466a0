package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

var (
	// ErrJobNotClaimable is returned when a status transition finds the
	// job in a state other than the one the transition requires.
	ErrJobNotClaimable = errors.New("job_not_claimable")
)

// InboundEvent is one normalized channel event after webhook parsing.
type InboundEvent struct {
	OrganizationID  string
	Channel         string
	ChannelUserID   string
	ExternalID      string
	Text            string
	Timestamp       time.Time
	ProviderPayload map[string]string
}

// RecordInbound ingests one event: upserts the Message keyed by
// external_id, upserts the Lead for the sender, and enqueues exactly one
// reply job keyed by the inbound message id. All three are one
// transaction, so webhook redelivery of the same external_id is a no-op
// end to end.
func (s *Store) RecordInbound(ctx context.Context, ev InboundEvent) (msgID string, jobCreated bool, err error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Message upsert: on redelivery return the existing row.
	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO messages(organization_id, channel, role, content, external_id, created_at)
		VALUES($1,$2,'user',$3,$4,$5)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id
	`, ev.OrganizationID, ev.Channel, ev.Text, ev.ExternalID, ev.Timestamp).Scan(&msgID)
	switch {
	case err == nil:
		inserted = true
	case err == pgx.ErrNoRows:
		if err := tx.QueryRow(ctx, `SELECT id FROM messages WHERE external_id=$1`, ev.ExternalID).Scan(&msgID); err != nil {
			return "", false, err
		}
	default:
		return "", false, err
	}

	// Redelivery is a no-op end to end: no lead reset, no job.
	if !inserted {
		return msgID, false, tx.Commit(ctx)
	}

	// Lead upsert: first contact creates it, any contact resets it to
	// waiting_user and bumps last_message_at.
	var policy string
	var step int
	err = tx.QueryRow(ctx, `
		INSERT INTO leads(organization_id, channel, channel_user_id, conversation_state, follow_up_policy, follow_up_step, last_message_at)
		VALUES($1,$2,$3,'waiting_user','warm',0,$4)
		ON CONFLICT (organization_id, channel, channel_user_id) DO UPDATE
		SET conversation_state='waiting_user',
		    last_message_at=GREATEST(leads.last_message_at, EXCLUDED.last_message_at),
		    updated_at=now()
		RETURNING id, follow_up_policy, follow_up_step
	`, ev.OrganizationID, ev.Channel, ev.ChannelUserID, ev.Timestamp).Scan(new(string), &policy, &step)
	if err != nil {
		return "", false, err
	}

	// The follow-up clock restarts from the latest inbound message.
	nextDue, err := NextFollowupDue(policy, step+1, ev.Timestamp)
	if err != nil {
		return "", false, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE leads SET next_followup_due_at=$4, updated_at=now()
		WHERE organization_id=$1 AND channel=$2 AND channel_user_id=$3
	`, ev.OrganizationID, ev.Channel, ev.ChannelUserID, nextDue)
	if err != nil {
		return "", false, err
	}

	// At most one reply job per inbound message.
	ct, err := tx.Exec(ctx, `
		INSERT INTO outbox_jobs(organization_id, channel, channel_user_id, inbound_message_id, status, provider_payload)
		VALUES($1,$2,$3,$4,'queued',$5)
		ON CONFLICT (inbound_message_id) DO NOTHING
	`, ev.OrganizationID, ev.Channel, ev.ChannelUserID, msgID, ev.ProviderPayload)
	if err != nil {
		return "", false, err
	}
	jobCreated = ct.RowsAffected() > 0

	return msgID, jobCreated, tx.Commit(ctx)
}

// AppendOutbound records a message the system (or staff) sent. Keyed by
// external_id like everything else in the message log.
func (s *Store) AppendOutbound(ctx context.Context, m Message) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO messages(organization_id, channel, role, content, external_id)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id
	`, m.OrganizationID, m.Channel, m.Role, m.Content, m.ExternalID).Scan(&id)
	if err == pgx.ErrNoRows {
		err = s.DB.QueryRow(ctx, `SELECT id FROM messages WHERE external_id=$1`, m.ExternalID).Scan(&id)
	}
	return id, err
}

const jobColumns = `id, organization_id, channel, channel_user_id, inbound_message_id, status, message_text, provider_payload, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (OutboxJob, error) {
	var j OutboxJob
	err := row.Scan(&j.ID, &j.OrganizationID, &j.Channel, &j.ChannelUserID, &j.InboundMessageID,
		&j.Status, &j.MessageText, &j.ProviderPayload, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// ClaimQueuedJobs moves up to limit jobs for the organization from
// queued to processing using SKIP LOCKED and returns them. Two
// concurrent claimers never receive overlapping sets.
func (s *Store) ClaimQueuedJobs(ctx context.Context, orgID string, limit int) ([]OutboxJob, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM outbox_jobs
		WHERE organization_id=$1 AND status='queued'
		ORDER BY created_at
		LIMIT $2 FOR UPDATE SKIP LOCKED
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	rows, err = tx.Query(ctx, `
		UPDATE outbox_jobs SET status='processing', updated_at=now()
		WHERE id = ANY($1)
		RETURNING `+jobColumns, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []OutboxJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, tx.Commit(ctx)
}

// MarkJobSent finishes a processing job and persists the text that went
// out. Only the claimer holds the job in processing, so a zero-row
// update means the state machine was violated.
func (s *Store) MarkJobSent(ctx context.Context, jobID, text string) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbox_jobs SET status='sent', message_text=$2, last_error=NULL, updated_at=now()
		WHERE id=$1 AND status='processing'
	`, jobID, text)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("mark sent %s: %w", jobID, ErrJobNotClaimable)
	}
	return nil
}

// MarkJobFailed puts a processing job into its terminal failed state.
// Generated text, if any, is retained for manual resend.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, text, reason string) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbox_jobs
		SET status='failed', message_text=COALESCE(NULLIF($2,''), message_text), last_error=$3, updated_at=now()
		WHERE id=$1 AND status='processing'
	`, jobID, text, reason)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("mark failed %s: %w", jobID, ErrJobNotClaimable)
	}
	return nil
}

// RequeueFailedJob is the explicit operator transition failed -> queued.
// Nothing in the pipeline requeues failed jobs on its own.
func (s *Store) RequeueFailedJob(ctx context.Context, jobID string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbox_jobs SET status='queued', last_error=NULL, updated_at=now()
		WHERE id=$1 AND status='failed'
	`, jobID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ReclaimStaleProcessing returns jobs stuck in processing longer than
// the lease window back to queued. Covers workers that died mid-flight.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, orgID string, lease time.Duration) (int, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE outbox_jobs SET status='queued', updated_at=now()
		WHERE organization_id=$1 AND status='processing' AND updated_at < now() - $2::interval
	`, orgID, lease.String())
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

// LoadReplyContext fetches what generation needs for a claimed job: the
// inbound text that caused it and the lead's recorded intent, if any.
func (s *Store) LoadReplyContext(ctx context.Context, job OutboxJob) (userText string, lastIntent string, err error) {
	var intent *string
	err = s.DB.QueryRow(ctx, `
		SELECT m.content, l.last_intent
		FROM messages m
		LEFT JOIN leads l
		  ON l.organization_id = m.organization_id
		 AND l.channel = m.channel
		 AND l.channel_user_id = $2
		WHERE m.id = $1
	`, job.InboundMessageID, job.ChannelUserID).Scan(&userText, &intent)
	if intent != nil {
		lastIntent = *intent
	}
	return
}

func (s *Store) GetJob(ctx context.Context, jobID string) (OutboxJob, error) {
	return scanJob(s.DB.QueryRow(ctx, `SELECT `+jobColumns+` FROM outbox_jobs WHERE id=$1`, jobID))
}

// ListMessages is a basic listing for the dashboard layer; the pipeline
// itself only appends.
func (s *Store) ListMessages(ctx context.Context, orgID, channel string, limit, offset int) ([]Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, organization_id, channel, role, content, external_id, created_at
		FROM messages
		WHERE organization_id=$1 AND channel=$2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, orgID, channel, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.Channel, &m.Role, &m.Content, &m.ExternalID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
