package delivery

import (
	"context"
	"errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/teemow/draftsender/internal/compose"
	"github.com/teemow/draftsender/internal/gmail"
	"github.com/teemow/draftsender/internal/google"
	"github.com/teemow/draftsender/internal/instrumentation"
	"github.com/teemow/draftsender/internal/logging"
	"github.com/teemow/draftsender/internal/model"
	"github.com/teemow/draftsender/internal/store"
)

// Operations, as reported in spans, metrics and the audit log.
const (
	OperationSendDraft    = "send_draft"
	OperationSendFollowup = "send_followup"
	OperationResend       = "resend_to_another"
	OperationCreateDraft  = "create_draft"
)

// StatusOK is the Result status of a completed operation.
const StatusOK = "ok"

const messageIDHeader = "Message-ID"

// Transport delivers composed messages for a delegated user.
type Transport interface {
	Send(ctx context.Context, token *oauth2.Token, msg *gmail.Message) (*gmail.SendResult, error)
	CreateDraft(ctx context.Context, token *oauth2.Token, msg *gmail.Message) (string, error)
	MessageHeader(ctx context.Context, token *oauth2.Token, messageID, header string) (string, error)
	Signature(ctx context.Context, token *oauth2.Token, sendAs string) (string, error)
}

// Config is the orchestrator's part of the deployment configuration.
type Config struct {
	// DelegatedUser is the mailbox used when a record names no sender.
	DelegatedUser string

	DraftsCollection    string
	FollowupsCollection string
	OpensCollection     string
	ResendsCollection   string

	// FetchSignature appends the sender's Gmail signature to each message.
	FetchSignature bool

	// Scopes requested for delegated tokens. Empty means the exchanger's
	// defaults.
	Scopes []string
}

func (c *Config) setDefaults() {
	if c.DraftsCollection == "" {
		c.DraftsCollection = model.DraftsCollection
	}
	if c.FollowupsCollection == "" {
		c.FollowupsCollection = model.FollowupsCollection
	}
	if c.OpensCollection == "" {
		c.OpensCollection = model.OpensCollection
	}
	if c.ResendsCollection == "" {
		c.ResendsCollection = c.DraftsCollection
	}
}

// Deps are the collaborators of a Service. Repository, Tokens, Transport and
// Composer are required.
type Deps struct {
	Repository store.Repository
	Tokens     google.TokenExchanger
	Transport  Transport
	Composer   *compose.Composer

	Metrics *instrumentation.Metrics
	Audit   *instrumentation.AuditLogger
	Logger  *slog.Logger

	// Clock and NewID default to time.Now and uuid.NewString.
	Clock func() time.Time
	NewID func() string
}

// Service runs the send operations. It keeps no state between calls: every
// operation exchanges a fresh token and serializes through the repository.
type Service struct {
	cfg       Config
	repo      store.Repository
	tokens    google.TokenExchanger
	transport Transport
	composer  *compose.Composer

	metrics *instrumentation.Metrics
	audit   *instrumentation.AuditLogger
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewService creates a Service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Repository == nil:
		return nil, errors.New("delivery: repository is required")
	case deps.Tokens == nil:
		return nil, errors.New("delivery: token exchanger is required")
	case deps.Transport == nil:
		return nil, errors.New("delivery: transport is required")
	case deps.Composer == nil:
		return nil, errors.New("delivery: composer is required")
	}
	cfg.setDefaults()

	s := &Service{
		cfg:       cfg,
		repo:      deps.Repository,
		tokens:    deps.Tokens,
		transport: deps.Transport,
		composer:  deps.Composer,
		metrics:   deps.Metrics,
		audit:     deps.Audit,
		logger:    deps.Logger,
		now:       deps.Clock,
		newID:     deps.NewID,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = logging.WithComponent(s.logger, "delivery")
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// SendRequest selects a pending record to send.
type SendRequest struct {
	ID string
	// TestMode delivers to TestEmail and leaves the record untouched.
	TestMode  bool
	TestEmail string
}

func (r SendRequest) validate(field string) error {
	if strings.TrimSpace(r.ID) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	if r.TestMode {
		if strings.TrimSpace(r.TestEmail) == "" {
			return &ValidationError{Field: "test_email", Message: "is required when test_mode is true"}
		}
		if _, err := mail.ParseAddress(r.TestEmail); err != nil {
			return &ValidationError{Field: "test_email", Message: "is not a valid address", Err: err}
		}
	}
	return nil
}

// ResendRequest forwards a sent draft to another recipient.
type ResendRequest struct {
	DraftID        string
	RecipientEmail string
	RecipientName  string
}

func (r ResendRequest) validate() (*mail.Address, error) {
	if strings.TrimSpace(r.DraftID) == "" {
		return nil, &ValidationError{Field: "draft_id", Message: "is required"}
	}
	if strings.TrimSpace(r.RecipientEmail) == "" {
		return nil, &ValidationError{Field: "new_recipient_email", Message: "is required"}
	}
	addr, err := mail.ParseAddress(r.RecipientEmail)
	if err != nil {
		return nil, &ValidationError{Field: "new_recipient_email", Message: "is not a valid address", Err: err}
	}
	if r.RecipientName != "" {
		addr.Name = r.RecipientName
	}
	return addr, nil
}

// Result describes a completed operation.
type Result struct {
	Status    string
	MessageID string
	ThreadID  string
	// PixelID is empty in test mode, for mailbox drafts and when tracking is
	// disabled.
	PixelID   string
	Recipient string
	TestMode  bool

	DraftID         string
	FollowupID      string
	OriginalDraftID string
	ResendID        string
	GmailDraftID    string
}

// job is one pass through the send path.
type job struct {
	op         string
	kind       string
	pixelKind  model.PixelKind
	collection string
	record     *model.Draft
	testMode   bool
	testEmail  string

	// Gmail ids of the parent message, for followups.
	parentThreadID  string
	parentMessageID string
}

// SendDraft sends a pending draft and marks it sent.
func (s *Service) SendDraft(ctx context.Context, req SendRequest) (res *Result, err error) {
	ctx, span := instrumentation.StartDeliverySpan(ctx, OperationSendDraft, s.cfg.DraftsCollection, req.ID, req.TestMode)
	attempt := instrumentation.NewDeliveryAttempt(ctx, OperationSendDraft, req.ID)
	attempt.TestMode = req.TestMode
	defer func() { s.finish(ctx, span, attempt, res, err) }()

	if err := req.validate("draft_id"); err != nil {
		return nil, err
	}

	d, err := s.load(ctx, s.cfg.DraftsCollection, KindDraft, req.ID)
	if err != nil {
		return nil, err
	}

	res, err = s.send(ctx, attempt, &job{
		op:         OperationSendDraft,
		kind:       KindDraft,
		pixelKind:  model.PixelDraft,
		collection: s.cfg.DraftsCollection,
		record:     d,
		testMode:   req.TestMode,
		testEmail:  req.TestEmail,
	})
	if res != nil {
		res.DraftID = d.ID
	}
	return res, err
}

// SendFollowup sends a pending followup in the thread of its parent draft.
// The parent must have been sent. A followup without a parent is sent as a
// new conversation.
func (s *Service) SendFollowup(ctx context.Context, req SendRequest) (res *Result, err error) {
	ctx, span := instrumentation.StartDeliverySpan(ctx, OperationSendFollowup, s.cfg.FollowupsCollection, req.ID, req.TestMode)
	attempt := instrumentation.NewDeliveryAttempt(ctx, OperationSendFollowup, req.ID)
	attempt.TestMode = req.TestMode
	defer func() { s.finish(ctx, span, attempt, res, err) }()

	if err := req.validate("followup_id"); err != nil {
		return nil, err
	}

	f, err := s.load(ctx, s.cfg.FollowupsCollection, KindFollowup, req.ID)
	if err != nil {
		return nil, err
	}

	j := &job{
		op:         OperationSendFollowup,
		kind:       KindFollowup,
		pixelKind:  model.PixelFollowup,
		collection: s.cfg.FollowupsCollection,
		record:     f,
		testMode:   req.TestMode,
		testEmail:  req.TestEmail,
	}

	if f.IsFollowup() {
		parent, err := s.load(ctx, s.cfg.DraftsCollection, KindDraft, f.OriginalDraftID)
		if err != nil {
			return nil, err
		}
		if parent.Status != model.StatusSent {
			return nil, &InvalidStateError{Kind: KindDraft, ID: parent.ID, Status: parent.Status, Want: model.StatusSent}
		}
		if !parent.Delivered(false) {
			s.logger.WarnContext(ctx, "parent draft has no sent bookkeeping, followup starts a new thread",
				logging.RecordID(f.ID), slog.String("parent_id", parent.ID))
		}
		j.parentThreadID = firstNonEmpty(parent.GmailThreadID, parent.ThreadID)
		j.parentMessageID = firstNonEmpty(parent.GmailMessageID, parent.MessageID)
	}

	res, err = s.send(ctx, attempt, j)
	if res != nil {
		res.FollowupID = f.ID
		res.OriginalDraftID = f.OriginalDraftID
	}
	return res, err
}

// send runs claim, token, compose, send and commit for a pending record.
func (s *Service) send(ctx context.Context, attempt *instrumentation.DeliveryAttempt, j *job) (*Result, error) {
	d := j.record
	if d.Status != model.StatusPending {
		return nil, &InvalidStateError{Kind: j.kind, ID: d.ID, Status: d.Status, Want: model.StatusPending}
	}
	if !j.testMode && d.Recipient() == "" {
		return nil, &ValidationError{Field: "recipient_email", Message: "record has no recipient"}
	}

	sender := d.Sender(s.cfg.DelegatedUser)
	if sender == "" {
		return nil, &ValidationError{Field: "sender_email", Message: "record has no sender and no delegated user is configured"}
	}
	attempt.Sender = sender

	var claim string
	if !j.testMode {
		var err error
		if claim, err = s.claim(ctx, j); err != nil {
			return nil, err
		}
	}

	sent, msg, err := s.deliver(ctx, j, sender)
	if err != nil {
		var unknown *UnconfirmedError
		if errors.As(err, &unknown) {
			s.logger.ErrorContext(ctx, "send outcome unknown, keeping claim",
				logging.Operation(j.op), logging.RecordID(d.ID), logging.Collection(j.collection),
				slog.String("pixel_id", unknown.PixelID), logging.Err(err))
		} else if claim != "" {
			s.release(ctx, j, claim)
		}
		return nil, err
	}

	attempt.Recipient = msg.To
	attempt.MessageID = sent.ID
	attempt.PixelID = msg.PixelID

	res := &Result{
		Status:    StatusOK,
		MessageID: sent.ID,
		ThreadID:  sent.ThreadID,
		PixelID:   msg.PixelID,
		Recipient: msg.To,
		TestMode:  j.testMode,
	}
	if j.testMode {
		return res, nil
	}

	if err := s.commit(ctx, j, claim, msg, sent); err != nil {
		s.logger.ErrorContext(ctx, "message sent but record not updated",
			logging.Operation(j.op), logging.RecordID(d.ID), logging.Collection(j.collection),
			slog.String("message_id", sent.ID), logging.Err(err))
		return nil, &PartialSuccessError{MessageID: sent.ID, ThreadID: sent.ThreadID, PixelID: msg.PixelID, Err: err}
	}
	return res, nil
}

// deliver exchanges the token and composes and sends the message. When the
// send itself fails without a definite rejection the error is an
// *UnconfirmedError; any other error means nothing was sent.
func (s *Service) deliver(ctx context.Context, j *job, sender string) (*gmail.SendResult, *compose.Message, error) {
	token, err := s.tokens.Exchange(ctx, sender, s.cfg.Scopes...)
	if err != nil {
		return nil, nil, err
	}

	req := compose.Request{
		Kind:      j.pixelKind,
		From:      sender,
		FromName:  j.record.SenderDisplayName(),
		TestMode:  j.testMode,
		TestEmail: j.testEmail,
		Signature: s.signature(ctx, token, sender),
	}

	if !j.testMode {
		req.ThreadID = j.parentThreadID
		if j.parentMessageID != "" {
			header, err := s.transport.MessageHeader(ctx, token, j.parentMessageID, messageIDHeader)
			if err != nil {
				return nil, nil, err
			}
			req.InReplyTo = header
		}
	}

	msg, err := s.composer.Build(j.record, req)
	if err != nil {
		return nil, nil, &ValidationError{Field: j.kind, Message: "cannot compose message", Err: err}
	}

	sent, err := s.transport.Send(ctx, token, &gmail.Message{Raw: msg.Raw, ThreadID: msg.ThreadID})
	if err != nil {
		if !j.testMode && !rejected(err) {
			err = &UnconfirmedError{Kind: j.kind, ID: j.record.ID, PixelID: msg.PixelID, Err: err}
		}
		return nil, nil, err
	}
	return sent, msg, nil
}

// rejected reports whether a Send error proves the message was not accepted.
func rejected(err error) bool {
	var sendErr *gmail.SendError
	return errors.As(err, &sendErr) && sendErr.Rejected()
}

// signature returns the sender's Gmail signature when fetching is enabled.
// A lookup failure only costs the signature.
func (s *Service) signature(ctx context.Context, token *oauth2.Token, sender string) string {
	if !s.cfg.FetchSignature {
		return ""
	}
	sig, err := s.transport.Signature(ctx, token, sender)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to fetch signature, sending without it",
			logging.UserHash(sender), logging.Err(err))
		return ""
	}
	return sig
}

// claim marks the record as being sent by this call. Exactly one concurrent
// caller wins; the others get ConflictError.
func (s *Service) claim(ctx context.Context, j *job) (string, error) {
	id := s.newID()
	err := s.repo.Update(ctx, j.collection, j.record.ID,
		store.Pending().With(model.FieldSendClaim, ""),
		map[string]any{
			model.FieldSendClaim: id,
			model.FieldClaimedAt: s.now().UTC(),
		})
	if err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			return "", &ConflictError{Kind: j.kind, ID: j.record.ID, Err: err}
		}
		return "", s.storeError(StoreWrite, j.collection, j.kind, j.record.ID, err)
	}
	return id, nil
}

// release drops the claim after a failure that happened before the send.
// It runs even when ctx is already done.
func (s *Service) release(ctx context.Context, j *job, claim string) {
	err := s.repo.Update(context.WithoutCancel(ctx), j.collection, j.record.ID,
		store.Pending().With(model.FieldSendClaim, claim),
		map[string]any{
			model.FieldSendClaim: nil,
			model.FieldClaimedAt: nil,
		})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to release send claim",
			logging.RecordID(j.record.ID), logging.Collection(j.collection), logging.Err(err))
	}
}

// commit moves the record to sent and creates its tracking pixel in the same
// transaction.
func (s *Service) commit(ctx context.Context, j *job, claim string, msg *compose.Message, sent *gmail.SendResult) error {
	now := s.now().UTC()
	fields := map[string]any{
		model.FieldStatus:         string(model.StatusSent),
		model.FieldSentAt:         now,
		model.FieldMessageID:      sent.ID,
		model.FieldGmailMessageID: sent.ID,
		model.FieldSendClaim:      nil,
		model.FieldClaimedAt:      nil,
	}
	if sent.ThreadID != "" {
		fields[model.FieldThreadID] = sent.ThreadID
		fields[model.FieldGmailThreadID] = sent.ThreadID
	}
	if msg.InReplyTo != "" {
		fields[model.FieldInReplyTo] = msg.InReplyTo
	}

	var linked []store.Write
	if msg.PixelID != "" {
		fields[model.FieldPixelID] = msg.PixelID
		linked = append(linked, s.pixelWrite(msg, j.record.ID, j.pixelKind, now))
	}

	return s.repo.Update(context.WithoutCancel(ctx), j.collection, j.record.ID,
		store.Pending().With(model.FieldSendClaim, claim), fields, linked...)
}

func (s *Service) pixelWrite(msg *compose.Message, recordID string, kind model.PixelKind, now time.Time) store.Write {
	return store.Write{
		Collection: s.cfg.OpensCollection,
		ID:         msg.PixelID,
		Doc: &model.TrackingPixel{
			To:        msg.To,
			Subject:   msg.Subject,
			DraftID:   recordID,
			Type:      kind,
			OpenCount: 0,
			CreatedAt: now,
		},
	}
}

// ResendToAnother sends a copy of a sent draft to a new recipient with its own
// tracking pixel. The original draft is not modified; the copy is stored as a
// new sent record.
func (s *Service) ResendToAnother(ctx context.Context, req ResendRequest) (res *Result, err error) {
	ctx, span := instrumentation.StartDeliverySpan(ctx, OperationResend, s.cfg.DraftsCollection, req.DraftID, false)
	attempt := instrumentation.NewDeliveryAttempt(ctx, OperationResend, req.DraftID)
	defer func() { s.finish(ctx, span, attempt, res, err) }()

	to, err := req.validate()
	if err != nil {
		return nil, err
	}

	orig, err := s.load(ctx, s.cfg.DraftsCollection, KindDraft, req.DraftID)
	if err != nil {
		return nil, err
	}
	if orig.Status != model.StatusSent {
		return nil, &InvalidStateError{Kind: KindDraft, ID: orig.ID, Status: orig.Status, Want: model.StatusSent}
	}

	sender := orig.Sender(s.cfg.DelegatedUser)
	if sender == "" {
		return nil, &ValidationError{Field: "sender_email", Message: "record has no sender and no delegated user is configured"}
	}
	attempt.Sender = sender
	attempt.Recipient = to.Address

	token, err := s.tokens.Exchange(ctx, sender, s.cfg.Scopes...)
	if err != nil {
		return nil, err
	}

	msg, err := s.composer.Build(orig, compose.Request{
		Kind:      model.PixelResend,
		From:      sender,
		FromName:  orig.SenderDisplayName(),
		To:        to.Address,
		ToName:    to.Name,
		Signature: s.signature(ctx, token, sender),
	})
	if err != nil {
		return nil, &ValidationError{Field: KindDraft, Message: "cannot compose message", Err: err}
	}

	sent, err := s.transport.Send(ctx, token, &gmail.Message{Raw: msg.Raw})
	if err != nil {
		if !rejected(err) {
			err = &UnconfirmedError{Kind: KindDraft, ID: orig.ID, PixelID: msg.PixelID, Err: err}
		}
		return nil, err
	}
	attempt.MessageID = sent.ID
	attempt.PixelID = msg.PixelID

	resendID, err := s.recordResend(ctx, orig, msg, sent)
	if err != nil {
		s.logger.ErrorContext(ctx, "resend delivered but not recorded",
			logging.Operation(OperationResend), logging.RecordID(orig.ID),
			slog.String("message_id", sent.ID), logging.Err(err))
		return nil, &PartialSuccessError{MessageID: sent.ID, ThreadID: sent.ThreadID, PixelID: msg.PixelID, Err: err}
	}

	return &Result{
		Status:          StatusOK,
		MessageID:       sent.ID,
		ThreadID:        sent.ThreadID,
		PixelID:         msg.PixelID,
		Recipient:       msg.To,
		OriginalDraftID: orig.ID,
		ResendID:        resendID,
	}, nil
}

// recordResend stores the resend as its own sent record together with its
// pixel. The pixel points at the original draft because the new record's id
// is only known after the commit.
func (s *Service) recordResend(ctx context.Context, orig *model.Draft, msg *compose.Message, sent *gmail.SendResult) (string, error) {
	now := s.now().UTC()
	rec := &model.Draft{
		To:             msg.To,
		ToName:         msg.ToName,
		Subject:        orig.Subject,
		Body:           orig.Markdown(),
		SenderEmail:    msg.From,
		SenderName:     orig.SenderDisplayName(),
		Status:         model.StatusSent,
		CreatedAt:      now,
		SentAt:         &now,
		MessageID:      sent.ID,
		ThreadID:       sent.ThreadID,
		GmailMessageID: sent.ID,
		GmailThreadID:  sent.ThreadID,
		PixelID:        msg.PixelID,
		ResentFrom:     orig.ID,
	}

	var linked []store.Write
	if msg.PixelID != "" {
		linked = append(linked, s.pixelWrite(msg, orig.ID, model.PixelResend, now))
	}
	return s.repo.Create(context.WithoutCancel(ctx), s.cfg.ResendsCollection, rec, linked...)
}

// CreateGmailDraft composes a pending draft into the sender's Gmail drafts
// folder for manual review. The record is not modified and no pixel is
// added.
func (s *Service) CreateGmailDraft(ctx context.Context, id string) (res *Result, err error) {
	ctx, span := instrumentation.StartDeliverySpan(ctx, OperationCreateDraft, s.cfg.DraftsCollection, id, false)
	attempt := instrumentation.NewDeliveryAttempt(ctx, OperationCreateDraft, id)
	defer func() { s.finish(ctx, span, attempt, res, err) }()

	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Field: "draft_id", Message: "is required"}
	}

	d, err := s.load(ctx, s.cfg.DraftsCollection, KindDraft, id)
	if err != nil {
		return nil, err
	}
	if d.Status != model.StatusPending {
		return nil, &InvalidStateError{Kind: KindDraft, ID: d.ID, Status: d.Status, Want: model.StatusPending}
	}

	sender := d.Sender(s.cfg.DelegatedUser)
	if sender == "" {
		return nil, &ValidationError{Field: "sender_email", Message: "record has no sender and no delegated user is configured"}
	}
	attempt.Sender = sender

	token, err := s.tokens.Exchange(ctx, sender, s.cfg.Scopes...)
	if err != nil {
		return nil, err
	}

	msg, err := s.composer.Build(d, compose.Request{
		Kind:      model.PixelDraft,
		From:      sender,
		FromName:  d.SenderDisplayName(),
		NoPixel:   true,
		Signature: s.signature(ctx, token, sender),
	})
	if err != nil {
		return nil, &ValidationError{Field: KindDraft, Message: "cannot compose message", Err: err}
	}
	attempt.Recipient = msg.To

	draftID, err := s.transport.CreateDraft(ctx, token, &gmail.Message{Raw: msg.Raw})
	if err != nil {
		return nil, err
	}

	return &Result{
		Status:       StatusOK,
		Recipient:    msg.To,
		DraftID:      d.ID,
		GmailDraftID: draftID,
	}, nil
}

func (s *Service) load(ctx context.Context, collection, kind, id string) (*model.Draft, error) {
	d, err := store.GetDraft(ctx, s.repo, collection, id)
	if err != nil {
		return nil, s.storeError(StoreRead, collection, kind, id, err)
	}
	return d, nil
}

func (s *Service) storeError(op, collection, kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id, Err: err}
	}
	return &StoreError{Op: op, Collection: collection, ID: id, Err: err}
}

// finish ends the span and records metrics and the audit line.
func (s *Service) finish(ctx context.Context, span trace.Span, attempt *instrumentation.DeliveryAttempt, res *Result, err error) {
	result := outcome(attempt.Operation, res, err)

	var partial *PartialSuccessError
	if errors.As(err, &partial) {
		attempt.MessageID = partial.MessageID
		attempt.PixelID = partial.PixelID
	}
	attempt.Complete(result, err)

	instrumentation.EndSpan(span, err)
	s.metrics.RecordDelivery(ctx, attempt.Operation, result, logging.ExtractDomain(attempt.Sender), attempt.Duration)
	s.audit.LogDelivery(ctx, attempt)

	if err != nil && result != instrumentation.OutcomePartial {
		s.logger.InfoContext(ctx, "delivery did not complete",
			logging.Operation(attempt.Operation), logging.RecordID(attempt.RecordID),
			slog.String("outcome", result), slog.String("code", Code(err)), logging.Err(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

