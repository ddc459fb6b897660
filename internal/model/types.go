package model

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a Draft or Followup record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSent     Status = "sent"
	StatusRejected Status = "rejected"
)

// Default collection names. These are part of the wire contract with the
// open-tracking service and must not change.
const (
	DraftsCollection    = "email_drafts"
	FollowupsCollection = "email_followups"
	OpensCollection     = "email_opens"
)

// Field names used in conditional updates.
const (
	FieldStatus         = "status"
	FieldSentAt         = "sent_at"
	FieldMessageID      = "message_id"
	FieldThreadID       = "thread_id"
	FieldPixelID        = "pixel_id"
	FieldInReplyTo      = "in_reply_to"
	FieldGmailMessageID = "gmail_message_id"
	FieldGmailThreadID  = "gmail_thread_id"
	FieldSendClaim      = "send_claim"
	FieldClaimedAt      = "claimed_at"
)

// Draft is an outbound email record. Followups share the same shape and
// reference their parent through OriginalDraftID.
type Draft struct {
	ID string `json:"-" firestore:"-"`

	To             string `json:"to" firestore:"to"`
	RecipientEmail string `json:"recipient_email,omitempty" firestore:"recipient_email,omitempty"`
	ToAddress      string `json:"to_address,omitempty" firestore:"to_address,omitempty"`
	ToName         string `json:"to_name,omitempty" firestore:"to_name,omitempty"`
	RecipientFull  string `json:"recipient_name,omitempty" firestore:"recipient_name,omitempty"`
	ContactName    string `json:"contact_name,omitempty" firestore:"contact_name,omitempty"`
	Subject        string `json:"subject" firestore:"subject"`
	Body           string `json:"body,omitempty" firestore:"body,omitempty"`
	Content        string `json:"content,omitempty" firestore:"content,omitempty"`

	SenderEmail string `json:"sender_email,omitempty" firestore:"sender_email,omitempty"`
	SenderName  string `json:"sender_name,omitempty" firestore:"sender_name,omitempty"`
	FromAddress string `json:"from_address,omitempty" firestore:"from_address,omitempty"`
	FromName    string `json:"from_name,omitempty" firestore:"from_name,omitempty"`

	Status    Status     `json:"status" firestore:"status"`
	CreatedAt time.Time  `json:"created_at" firestore:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty" firestore:"sent_at,omitempty"`
	MessageID string     `json:"message_id,omitempty" firestore:"message_id,omitempty"`
	PixelID   string     `json:"pixel_id,omitempty" firestore:"pixel_id,omitempty"`
	ThreadID  string     `json:"thread_id,omitempty" firestore:"thread_id,omitempty"`
	InReplyTo string     `json:"in_reply_to,omitempty" firestore:"in_reply_to,omitempty"`

	GmailMessageID string `json:"gmail_message_id,omitempty" firestore:"gmail_message_id,omitempty"`
	GmailThreadID  string `json:"gmail_thread_id,omitempty" firestore:"gmail_thread_id,omitempty"`

	OriginalDraftID string `json:"original_draft_id,omitempty" firestore:"original_draft_id,omitempty"`
	FollowupNumber  int    `json:"followup_number,omitempty" firestore:"followup_number,omitempty"`
	ResentFrom      string `json:"resent_from,omitempty" firestore:"resent_from,omitempty"`

	SendClaim string     `json:"send_claim,omitempty" firestore:"send_claim,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty" firestore:"claimed_at,omitempty"`
}

// Markdown returns the source body, falling back to the legacy content field.
func (d *Draft) Markdown() string {
	if d.Body != "" {
		return d.Body
	}
	return d.Content
}

// Recipient returns the address the record is meant for. Older records
// name it recipient_email or to_address.
func (d *Draft) Recipient() string {
	for _, v := range []string{d.To, d.RecipientEmail, d.ToAddress} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// RecipientName returns the display name for the To header.
func (d *Draft) RecipientName() string {
	for _, v := range []string{d.ToName, d.RecipientFull, d.ContactName} {
		if v != "" {
			return v
		}
	}
	return ""
}

// Sender returns the mailbox the record is sent from, or fallback when the
// record does not name one.
func (d *Draft) Sender(fallback string) string {
	if s := strings.TrimSpace(d.SenderEmail); s != "" {
		return s
	}
	if s := strings.TrimSpace(d.FromAddress); s != "" {
		return s
	}
	return fallback
}

// SenderDisplayName returns the display name for the From header.
func (d *Draft) SenderDisplayName() string {
	if d.SenderName != "" {
		return d.SenderName
	}
	return d.FromName
}

// IsFollowup reports whether the record references a parent draft.
func (d *Draft) IsFollowup() bool {
	return d.OriginalDraftID != ""
}

// Delivered reports whether the sent bookkeeping is complete. Pending records
// carry none of sent_at, message_id and pixel_id; sent records carry all of
// them (pixel_id only when tracking was enabled for the send).
func (d *Draft) Delivered(tracked bool) bool {
	if d.SentAt == nil || d.MessageID == "" {
		return false
	}
	return !tracked || d.PixelID != ""
}

// PixelKind tells the open-tracking service what kind of send a pixel belongs to.
type PixelKind string

const (
	PixelDraft    PixelKind = "draft"
	PixelFollowup PixelKind = "followup"
	PixelResend   PixelKind = "resend"
)

// TrackingPixel is the open-tracking record created with a send. After
// creation it is only mutated by the open-tracking service.
type TrackingPixel struct {
	ID string `json:"-" firestore:"-"`

	To      string    `json:"to" firestore:"to"`
	Subject string    `json:"subject" firestore:"subject"`
	DraftID string    `json:"draft_id" firestore:"draft_id"`
	Type    PixelKind `json:"type" firestore:"type"`

	OpenCount     int        `json:"open_count" firestore:"open_count"`
	CreatedAt     time.Time  `json:"created_at" firestore:"created_at"`
	FirstOpenedAt *time.Time `json:"first_opened_at,omitempty" firestore:"first_opened_at,omitempty"`
	LastOpenedAt  *time.Time `json:"last_opened_at,omitempty" firestore:"last_opened_at,omitempty"`
}
