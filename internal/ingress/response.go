// Package ingress is the HTTP API surface (C5): request authentication,
// rate limiting, routing and JSON marshaling for notification CRUD,
// preference management and admin template/DLQ operations.
//
// Grounded on internal/api/handlers.go's sendError/SendSuccessResponse
// envelope convention and internal/api/middleware.go's APIMiddleware
// chain, adapted onto gorilla/mux (declared in go.mod but never actually
// imported anywhere in the legacy tree) instead of bare http.ServeMux,
// since this service's routes need path parameters (/notifications/{id})
// that ServeMux's pre-1.22 pattern syntax can't express.
package ingress

import (
	"encoding/json"
	"net/http"
	"time"

	"notifyhub/internal/apperr"
)

// successEnvelope mirrors internal/api/handlers.go's APIResponse shape,
// narrowed to the fields this service's callers actually consume.
type successEnvelope struct {
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
	RequestID string      `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, status, successEnvelope{
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		RequestID: requestID(r),
	})
}

// writeError renders err as the uniform apperr.Envelope. Any error not
// already an *apperr.Error is wrapped as an internal error so the response
// body shape is always consistent and never leaks an unclassified error's
// message to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.Internal(err)
	}

	status := ae.HTTPStatus()
	env := apperr.Envelope{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Status:        status,
		Error:         string(ae.Kind),
		Message:       ae.UserMessage,
		Path:          r.URL.Path,
		CorrelationID: requestID(r),
	}
	if ae.Details != nil {
		env.AdditionalDetails = ae.Details
	}
	writeJSON(w, status, env)
}
