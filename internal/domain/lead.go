package domain

import "time"

// MailStatus is the outreach lifecycle state of a lead.
type MailStatus string

// Mail statuses.
const (
	MailStatusNew            MailStatus = "new"
	MailStatusScheduled      MailStatus = "scheduled"
	MailStatusSending        MailStatus = "sending"
	MailStatusEmailSent      MailStatus = "email_sent"
	MailStatusFollowup5Sent  MailStatus = "followup_5day_sent"
	MailStatusFollowup10Sent MailStatus = "followup_10day_sent"
	MailStatusReplyReceived  MailStatus = "reply_received"
	MailStatusFailed         MailStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s MailStatus) IsValid() bool {
	switch s {
	case MailStatusNew, MailStatusScheduled, MailStatusSending, MailStatusEmailSent,
		MailStatusFollowup5Sent, MailStatusFollowup10Sent, MailStatusReplyReceived, MailStatusFailed:
		return true
	}
	return false
}

// FollowupState tracks one follow-up independently of MailStatus.
type FollowupState string

// Follow-up states.
const (
	FollowupUnsent    FollowupState = "unsent"
	FollowupSent      FollowupState = "sent"
	FollowupCancelled FollowupState = "cancelled"
)

// EmailType identifies which message in the sequence is being sent.
type EmailType string

// Email types.
const (
	EmailTypeInitial    EmailType = "initial"
	EmailTypeFollowup5  EmailType = "followup_5day"
	EmailTypeFollowup10 EmailType = "followup_10day"
)

// IsFollowup reports whether t is one of the follow-up types.
func (t EmailType) IsFollowup() bool {
	return t == EmailTypeFollowup5 || t == EmailTypeFollowup10
}

// SentStatus returns the mail status a successful send of t moves the lead to.
func (t EmailType) SentStatus() MailStatus {
	switch t {
	case EmailTypeFollowup5:
		return MailStatusFollowup5Sent
	case EmailTypeFollowup10:
		return MailStatusFollowup10Sent
	default:
		return MailStatusEmailSent
	}
}

// Lead is a prospect targeted for outreach.
type Lead struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Title       string `json:"title"`
	CompanyName string `json:"company_name"`
	Website     string `json:"website"`
	Industry    string `json:"industry"`
	Country     string `json:"country"`
	Verified    bool   `json:"verified"`

	MailStatus    MailStatus `json:"mail_status"`
	FailureReason string     `json:"failure_reason,omitempty"`

	ScheduledAt       *time.Time `json:"scheduled_at"`
	ScheduledTimeZone string     `json:"scheduled_time_zone,omitempty"`
	InitialSentAt     *time.Time `json:"initial_sent_at"`
	LastSentAt        *time.Time `json:"last_sent_at"`

	Followup5DueAt  *time.Time    `json:"followup_5day_due_at"`
	Followup10DueAt *time.Time    `json:"followup_10day_due_at"`
	Followup5State  FollowupState `json:"followup_5day_state"`
	Followup10State FollowupState `json:"followup_10day_state"`

	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	Locked   bool       `json:"locked"`
	LockedAt *time.Time `json:"locked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contactable reports whether the lead has a destination address.
func (l *Lead) Contactable() bool {
	return l.Email != ""
}

// HasReplied reports whether an inbound reply halted the sequence.
func (l *Lead) HasReplied() bool {
	return l.MailStatus == MailStatusReplyReceived
}

// ThreadRef returns the provider thread linkage, or nil before the first send.
func (l *Lead) ThreadRef() *ThreadRef {
	if l.ThreadID == "" && l.MessageID == "" {
		return nil
	}
	return &ThreadRef{ThreadID: l.ThreadID, MessageID: l.MessageID}
}

// ThreadRef binds a follow-up to the conversation opened by the initial send.
type ThreadRef struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
}

// FollowupView is the per-lead follow-up state exposed to callers.
type FollowupView struct {
	LeadID          string        `json:"lead_id"`
	MailStatus      MailStatus    `json:"mail_status"`
	Followup5DueAt  *time.Time    `json:"followup_5day_due_at"`
	Followup5State  FollowupState `json:"followup_5day_state"`
	Followup10DueAt *time.Time    `json:"followup_10day_due_at"`
	Followup10State FollowupState `json:"followup_10day_state"`
	ThreadID        string        `json:"thread_id,omitempty"`
}

// FollowupView builds the follow-up projection of the lead.
func (l *Lead) FollowupView() FollowupView {
	return FollowupView{
		LeadID:          l.ID,
		MailStatus:      l.MailStatus,
		Followup5DueAt:  l.Followup5DueAt,
		Followup5State:  l.Followup5State,
		Followup10DueAt: l.Followup10DueAt,
		Followup10State: l.Followup10State,
		ThreadID:        l.ThreadID,
	}
}

// MessageSource records where a message's content came from.
type MessageSource string

// Message sources.
const (
	MessageSourceCache     MessageSource = "cache"
	MessageSourceGenerated MessageSource = "generated"
	MessageSourceTemplate  MessageSource = "template"
)

// Message is the content resolved for one lead and email type.
type Message struct {
	LeadID       string        `json:"lead_id"`
	EmailType    EmailType     `json:"email_type"`
	Subject      string        `json:"subject"`
	Body         string        `json:"body"`
	Personalized bool          `json:"personalized"`
	WebsiteUsed  bool          `json:"website_used"`
	Source       MessageSource `json:"source"`
	CreatedAt    time.Time     `json:"created_at"`
}
