package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/teemow/draftsender/internal/delivery"
)

type sendDraftRequest struct {
	DraftID   string `json:"draft_id"`
	TestMode  bool   `json:"test_mode"`
	TestEmail string `json:"test_email"`
}

type sendFollowupRequest struct {
	FollowupID string `json:"followup_id"`
	TestMode   bool   `json:"test_mode"`
	TestEmail  string `json:"test_email"`
}

type resendRequest struct {
	DraftID          string `json:"draft_id"`
	NewRecipientMail string `json:"new_recipient_email"`
	NewRecipientName string `json:"new_recipient_name"`
}

type createDraftRequest struct {
	DraftID string `json:"draft_id"`
}

// sendResponse is the body of a successful send. pixel_id is always present
// and empty when no pixel was added.
type sendResponse struct {
	Status          string `json:"status"`
	MessageID       string `json:"message_id"`
	ThreadID        string `json:"thread_id,omitempty"`
	PixelID         string `json:"pixel_id"`
	Recipient       string `json:"recipient,omitempty"`
	TestMode        bool   `json:"test_mode,omitempty"`
	DraftID         string `json:"draft_id,omitempty"`
	FollowupID      string `json:"followup_id,omitempty"`
	OriginalDraftID string `json:"original_draft_id,omitempty"`
	ResendID        string `json:"resend_id,omitempty"`
}

type createDraftResponse struct {
	Status       string `json:"status"`
	GmailDraftID string `json:"gmail_draft_id"`
	DraftID      string `json:"draft_id"`
	Recipient    string `json:"recipient,omitempty"`
}

func newSendResponse(res *delivery.Result) sendResponse {
	return sendResponse{
		Status:          res.Status,
		MessageID:       res.MessageID,
		ThreadID:        res.ThreadID,
		PixelID:         res.PixelID,
		Recipient:       res.Recipient,
		TestMode:        res.TestMode,
		DraftID:         res.DraftID,
		FollowupID:      res.FollowupID,
		OriginalDraftID: res.OriginalDraftID,
		ResendID:        res.ResendID,
	}
}

func (s *Server) handleSendDraft(w http.ResponseWriter, r *http.Request) {
	var req sendDraftRequest
	if !s.decode(w, r, delivery.OperationSendDraft, &req) {
		return
	}

	res, err := s.orchestrator.SendDraft(r.Context(), delivery.SendRequest{
		ID:        req.DraftID,
		TestMode:  req.TestMode,
		TestEmail: req.TestEmail,
	})
	if err != nil {
		s.fail(w, r, operationContext{Operation: delivery.OperationSendDraft, ResourceID: req.DraftID, ResourceType: delivery.KindDraft}, err)
		return
	}
	writeJSON(w, http.StatusOK, newSendResponse(res))
}

func (s *Server) handleSendFollowup(w http.ResponseWriter, r *http.Request) {
	var req sendFollowupRequest
	if !s.decode(w, r, delivery.OperationSendFollowup, &req) {
		return
	}

	res, err := s.orchestrator.SendFollowup(r.Context(), delivery.SendRequest{
		ID:        req.FollowupID,
		TestMode:  req.TestMode,
		TestEmail: req.TestEmail,
	})
	if err != nil {
		s.fail(w, r, operationContext{Operation: delivery.OperationSendFollowup, ResourceID: req.FollowupID, ResourceType: delivery.KindFollowup}, err)
		return
	}
	writeJSON(w, http.StatusOK, newSendResponse(res))
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !s.decode(w, r, delivery.OperationResend, &req) {
		return
	}

	res, err := s.orchestrator.ResendToAnother(r.Context(), delivery.ResendRequest{
		DraftID:        req.DraftID,
		RecipientEmail: req.NewRecipientMail,
		RecipientName:  req.NewRecipientName,
	})
	if err != nil {
		s.fail(w, r, operationContext{Operation: delivery.OperationResend, ResourceID: req.DraftID, ResourceType: delivery.KindDraft}, err)
		return
	}
	writeJSON(w, http.StatusOK, newSendResponse(res))
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if !s.decode(w, r, delivery.OperationCreateDraft, &req) {
		return
	}

	res, err := s.orchestrator.CreateGmailDraft(r.Context(), req.DraftID)
	if err != nil {
		s.fail(w, r, operationContext{Operation: delivery.OperationCreateDraft, ResourceID: req.DraftID, ResourceType: delivery.KindDraft}, err)
		return
	}
	writeJSON(w, http.StatusOK, createDraftResponse{
		Status:       res.Status,
		GmailDraftID: res.GmailDraftID,
		DraftID:      res.DraftID,
		Recipient:    res.Recipient,
	})
}

// decode reads a JSON object body into dst, answering 400 itself when the
// body is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, op string, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		err = &delivery.ValidationError{Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
	case errors.Is(err, io.EOF):
		err = &delivery.ValidationError{Message: "request body is required"}
	default:
		err = &delivery.ValidationError{Message: "request body is not valid JSON", Err: err}
	}
	s.fail(w, r, operationContext{Operation: op}, err)
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
