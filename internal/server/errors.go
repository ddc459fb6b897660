package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/teemow/draftsender/internal/delivery"
	"github.com/teemow/draftsender/internal/gmail"
	"github.com/teemow/draftsender/internal/google"
	"github.com/teemow/draftsender/internal/logging"
)

// Reasons that tell answers with the same status apart.
const (
	reasonInvalidState     = "invalid_state"
	reasonAlreadyProcessed = "already_processed"
	reasonDeliveryUnknown  = "delivery_unknown"
)

type operationContext struct {
	Operation    string `json:"operation"`
	ResourceID   string `json:"resource_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Field        string `json:"field,omitempty"`
	Status       string `json:"status,omitempty"`
	Stage        string `json:"stage,omitempty"`
	Provider     *int   `json:"provider_status,omitempty"`
}

type errorBody struct {
	Error   bool              `json:"error"`
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Context *operationContext `json:"context,omitempty"`
}

// partialBody answers a send that went out but was not recorded.
type partialBody struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	MessageID string `json:"message_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	PixelID   string `json:"pixel_id"`
	Error     string `json:"error"`
}

// fail writes the error response for err.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, oc operationContext, err error) {
	code := delivery.Code(err)

	var partial *delivery.PartialSuccessError
	if errors.As(err, &partial) {
		s.logger.ErrorContext(r.Context(), "delivery needs reconciliation",
			logging.Operation(oc.Operation), logging.RecordID(oc.ResourceID),
			slog.String("message_id", partial.MessageID), logging.Err(err))
		writeJSON(w, http.StatusMultiStatus, partialBody{
			Status:    "partial",
			Code:      code,
			MessageID: partial.MessageID,
			ThreadID:  partial.ThreadID,
			PixelID:   partial.PixelID,
			Error:     err.Error(),
		})
		return
	}

	status, message := classify(err, &oc)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			logging.Operation(oc.Operation), logging.RecordID(oc.ResourceID),
			slog.String("code", code), logging.Err(err))
	}

	body := errorBody{Error: true, Code: code, Message: message}
	if oc.Operation != "" {
		body.Context = &oc
	}
	writeError(w, status, body)
}

// classify maps err onto an HTTP status and a caller-facing message, adding
// detail to oc.
func classify(err error, oc *operationContext) (int, string) {
	var (
		badInput *delivery.ValidationError
		notFound *delivery.NotFoundError
		invalid  *delivery.InvalidStateError
		conflict *delivery.ConflictError
		unknown  *delivery.UnconfirmedError
		storeErr *delivery.StoreError
		authErr  *google.AuthError
		sendErr  *gmail.SendError
	)

	switch {
	case errors.As(err, &badInput):
		oc.Field = badInput.Field
		return http.StatusBadRequest, badInput.Error()
	case errors.As(err, &notFound):
		oc.ResourceType = notFound.Kind
		oc.ResourceID = notFound.ID
		return http.StatusNotFound, notFound.Error()
	case errors.As(err, &invalid):
		oc.Reason = reasonInvalidState
		oc.Status = string(invalid.Status)
		return http.StatusConflict, invalid.Error()
	case errors.As(err, &conflict):
		oc.Reason = reasonAlreadyProcessed
		return http.StatusConflict, "already processed"
	case errors.As(err, &unknown):
		oc.Reason = reasonDeliveryUnknown
		oc.ResourceType = unknown.Kind
		if errors.As(err, &sendErr) && sendErr.StatusCode != 0 {
			oc.Provider = &sendErr.StatusCode
		}
		return http.StatusBadGateway, "gmail did not confirm the send; the record is held for reconciliation"
	case errors.As(err, &authErr):
		oc.Stage = string(authErr.Stage)
		var authz *google.AuthorizationError
		if errors.As(err, &authz) {
			oc.Provider = &authz.StatusCode
		}
		return http.StatusBadGateway, err.Error()
	case errors.As(err, &sendErr):
		if sendErr.StatusCode != 0 {
			oc.Provider = &sendErr.StatusCode
		}
		if sendErr.CircuitOpen() {
			return http.StatusServiceUnavailable, "gmail is temporarily unavailable"
		}
		return http.StatusBadGateway, sendErr.Error()
	case errors.As(err, &storeErr):
		return http.StatusInternalServerError, "document store " + storeErr.Op + " failed"
	}
	return http.StatusInternalServerError, "internal error"
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, body)
}
