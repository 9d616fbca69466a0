package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const leadColumns = `id, organization_id, channel, channel_user_id, conversation_state, follow_up_policy, follow_up_step, next_followup_due_at, last_intent, last_message_at, last_staff_seen_at, created_at, updated_at`

func scanLead(row pgx.Row) (Lead, error) {
	var l Lead
	err := row.Scan(&l.ID, &l.OrganizationID, &l.Channel, &l.ChannelUserID, &l.ConversationState,
		&l.FollowUpPolicy, &l.FollowUpStep, &l.NextFollowupDueAt, &l.LastIntent,
		&l.LastMessageAt, &l.LastStaffSeenAt, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

// CreateLead inserts a lead directly. The pipeline normally creates
// leads through RecordInbound; this is for seeding and imports.
func (s *Store) CreateLead(ctx context.Context, l Lead) (string, error) {
	if !ValidPolicy(l.FollowUpPolicy) {
		return "", fmt.Errorf("create lead: unknown follow_up_policy %q", l.FollowUpPolicy)
	}
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO leads(organization_id, channel, channel_user_id, conversation_state, follow_up_policy, follow_up_step, next_followup_due_at, last_intent, last_message_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, l.OrganizationID, l.Channel, l.ChannelUserID, l.ConversationState, l.FollowUpPolicy,
		l.FollowUpStep, l.NextFollowupDueAt, l.LastIntent, l.LastMessageAt).Scan(&id)
	return id, err
}

func (s *Store) GetLead(ctx context.Context, leadID string) (Lead, error) {
	return scanLead(s.DB.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=$1`, leadID))
}

// ClaimDueLeads selects up to limit leads whose follow-up is due at or
// before now and flips them to in_followup in the same transaction.
// SKIP LOCKED keeps concurrent sweeps from claiming the same lead.
func (s *Store) ClaimDueLeads(ctx context.Context, orgID string, limit int, now time.Time) ([]Lead, error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id FROM leads
		WHERE organization_id=$1
		  AND conversation_state NOT IN ('in_followup','followup_exhausted')
		  AND next_followup_due_at IS NOT NULL
		  AND next_followup_due_at <= $2
		ORDER BY next_followup_due_at
		LIMIT $3 FOR UPDATE SKIP LOCKED
	`, orgID, now, limit)
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
		UPDATE leads SET conversation_state='in_followup', updated_at=now()
		WHERE id = ANY($1)
		RETURNING `+leadColumns, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var leads []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return leads, tx.Commit(ctx)
}

// ReleaseLead returns a claimed lead to waiting_user. retryIn > 0 also
// pushes the due time forward so the very next sweep does not spin on a
// lead that just failed.
func (s *Store) ReleaseLead(ctx context.Context, leadID string, retryIn time.Duration) error {
	var err error
	if retryIn > 0 {
		_, err = s.DB.Exec(ctx, `
			UPDATE leads SET conversation_state='waiting_user', next_followup_due_at=now()+$2::interval, updated_at=now()
			WHERE id=$1 AND conversation_state='in_followup'
		`, leadID, retryIn.String())
	} else {
		_, err = s.DB.Exec(ctx, `
			UPDATE leads SET conversation_state='waiting_user', updated_at=now()
			WHERE id=$1 AND conversation_state='in_followup'
		`, leadID)
	}
	return err
}

// LatestProviderPayload returns the provider payload of the most recent
// job for a contact, so follow-ups can address the same recipient the
// replies did. No payload yet is not an error.
func (s *Store) LatestProviderPayload(ctx context.Context, orgID, ch, channelUserID string) (map[string]string, error) {
	var payload map[string]string
	err := s.DB.QueryRow(ctx, `
		SELECT provider_payload FROM outbox_jobs
		WHERE organization_id=$1 AND channel=$2 AND channel_user_id=$3 AND provider_payload IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, orgID, ch, channelUserID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return payload, err
}

// EnqueueFollowUpJob creates the synthetic inbound anchor for a claimed
// lead and the outbox job under the same inbound_message_id uniqueness
// discipline as regular replies, then claims the job for this sweep.
// claimed=false means the job already existed in a later state and the
// caller should release the lead.
func (s *Store) EnqueueFollowUpJob(ctx context.Context, lead Lead, anchorExternalID string, payload map[string]string) (job OutboxJob, claimed bool, err error) {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return OutboxJob{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var anchorID string
	content := fmt.Sprintf("follow-up trigger step %d", lead.FollowUpStep+1)
	err = tx.QueryRow(ctx, `
		INSERT INTO messages(organization_id, channel, role, content, external_id)
		VALUES($1,$2,'assistant',$3,$4)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id
	`, lead.OrganizationID, lead.Channel, content, anchorExternalID).Scan(&anchorID)
	if err == pgx.ErrNoRows {
		err = tx.QueryRow(ctx, `SELECT id FROM messages WHERE external_id=$1`, anchorExternalID).Scan(&anchorID)
	}
	if err != nil {
		return OutboxJob{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_jobs(organization_id, channel, channel_user_id, inbound_message_id, status, provider_payload)
		VALUES($1,$2,$3,$4,'queued',$5)
		ON CONFLICT (inbound_message_id) DO NOTHING
	`, lead.OrganizationID, lead.Channel, lead.ChannelUserID, anchorID, payload)
	if err != nil {
		return OutboxJob{}, false, err
	}

	// Claim immediately so a concurrent dispatcher sweep cannot take the
	// job; the scheduler owns its transitions end to end.
	job, err = scanJob(tx.QueryRow(ctx, `
		UPDATE outbox_jobs SET status='processing', updated_at=now()
		WHERE inbound_message_id=$1 AND status='queued'
		RETURNING `+jobColumns, anchorID))
	if err == pgx.ErrNoRows {
		return OutboxJob{}, false, tx.Commit(ctx)
	}
	if err != nil {
		return OutboxJob{}, false, err
	}
	return job, true, tx.Commit(ctx)
}

// CompleteFollowUp marks the follow-up job sent and, in the same
// transaction, advances the lead's step, recomputes the next due time
// from the cadence table, resolves the claim, and appends the outbound
// message to the log.
func (s *Store) CompleteFollowUp(ctx context.Context, lead Lead, jobID, text string, now time.Time) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE outbox_jobs SET status='sent', message_text=$2, last_error=NULL, updated_at=now()
		WHERE id=$1 AND status='processing'
	`, jobID, text)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("complete follow-up %s: %w", jobID, ErrJobNotClaimable)
	}

	var policy string
	var step int
	err = tx.QueryRow(ctx, `SELECT follow_up_policy, follow_up_step FROM leads WHERE id=$1 FOR UPDATE`, lead.ID).Scan(&policy, &step)
	if err != nil {
		return err
	}
	stepSent := step + 1
	nextDue, err := NextFollowupDue(policy, stepSent, now)
	if err != nil {
		return err
	}
	state := StateWaitingUser
	if stepSent >= MaxFollowUpStep {
		state = StateFollowupExhausted
	}
	_, err = tx.Exec(ctx, `
		UPDATE leads SET follow_up_step=$2, next_followup_due_at=$3, conversation_state=$4, updated_at=now()
		WHERE id=$1
	`, lead.ID, stepSent, nextDue, state)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO messages(organization_id, channel, role, content, external_id)
		VALUES($1,$2,'assistant',$3,$4)
		ON CONFLICT (external_id) DO NOTHING
	`, lead.OrganizationID, lead.Channel, text, "out:"+jobID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FailFollowUp records a terminal failure for the follow-up job and
// releases the lead with a short retry delay. The lead is never left in
// in_followup.
func (s *Store) FailFollowUp(ctx context.Context, lead Lead, jobID, reason string, retryIn time.Duration) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE outbox_jobs SET status='failed', last_error=$2, updated_at=now()
		WHERE id=$1 AND status='processing'
	`, jobID, reason)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE leads SET conversation_state='waiting_user', next_followup_due_at=now()+$2::interval, updated_at=now()
		WHERE id=$1 AND conversation_state='in_followup'
	`, lead.ID, retryIn.String())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
