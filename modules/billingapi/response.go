package billingapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hireloop/billingkit/pkg/billing"
)

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForKind maps billing error kinds to HTTP status codes. Unknown and
// internal errors collapse to 500 without leaking details.
func statusForKind(kind billing.ErrorKind) int {
	switch kind {
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindBadRequest:
		return http.StatusBadRequest
	case billing.KindConflict:
		return http.StatusConflict
	case billing.KindAccessDenied:
		return http.StatusForbidden
	case billing.KindGatewayUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := billing.KindOf(err)
	status := statusForKind(kind)

	body := errorBody{Kind: string(kind), Code: "internal", Message: "internal error"}
	var be *billing.Error
	if errors.As(err, &be) {
		body.Code = be.Code
		body.Message = be.Message
	}

	if status >= http.StatusInternalServerError {
		a.log.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	a.writeJSON(w, status, errorResponse{Error: body})
}

func badRequest(code, message string) *billing.Error {
	return &billing.Error{Kind: billing.KindBadRequest, Code: code, Message: message}
}
