package core

import (
	"time"
)

// Job status state machine: queued -> processing -> sent | failed.
// Failed jobs are terminal unless an operator requeues them.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobSent       = "sent"
	JobFailed     = "failed"
)

// Conversation states for a lead. "in_followup" doubles as the claim
// marker for the follow-up sweep: a lead in that state is owned by
// exactly one sweep until resolved.
const (
	StateWaitingUser       = "waiting_user"
	StateInFollowup        = "in_followup"
	StateFollowupExhausted = "followup_exhausted"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleStaff     = "staff"
)

type Message struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Channel        string    `json:"channel"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	ExternalID     string    `json:"external_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type OutboxJob struct {
	ID               string            `json:"id"`
	OrganizationID   string            `json:"organization_id"`
	Channel          string            `json:"channel"`
	ChannelUserID    string            `json:"channel_user_id"`
	InboundMessageID string            `json:"inbound_message_id"`
	Status           string            `json:"status"`
	MessageText      *string           `json:"message_text,omitempty"`
	ProviderPayload  map[string]string `json:"provider_payload,omitempty"`
	LastError        *string           `json:"last_error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

type Lead struct {
	ID                string     `json:"id"`
	OrganizationID    string     `json:"organization_id"`
	Channel           string     `json:"channel"`
	ChannelUserID     string     `json:"channel_user_id"`
	ConversationState string     `json:"conversation_state"`
	FollowUpPolicy    string     `json:"follow_up_policy"`
	FollowUpStep      int        `json:"follow_up_step"`
	NextFollowupDueAt *time.Time `json:"next_followup_due_at,omitempty"`
	LastIntent        *string    `json:"last_intent,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	LastStaffSeenAt   *time.Time `json:"last_staff_seen_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
