package marketplace

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnavailable wraps transport failures and an open circuit breaker.
	ErrUnavailable = errors.New("marketplace: unavailable")
	// ErrMissingID is returned when a required path identifier is empty.
	ErrMissingID = errors.New("marketplace: missing identifier")
)

// APIError is a non-2xx response from the marketplace.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("marketplace: status %d", e.Status)
	}
	return fmt.Sprintf("marketplace: status %d: %s", e.Status, e.Message)
}

// NotFound reports a 404.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }

// ClientFault reports a 4xx response.
func (e *APIError) ClientFault() bool { return e.Status >= 400 && e.Status < 500 }

// AsAPIError unwraps err into an APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// parseAPIError extracts the human-readable reason from an error body. The marketplace uses both
// {"message": "..."} and {"error": "..."} as well as {"error": {"code": "...", "message": "..."}}.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}

	var envelope struct {
		Message string          `json:"message"`
		Code    string          `json:"code"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		apiErr.Message = strings.TrimSpace(truncate(string(body), 256))
		if strings.HasPrefix(apiErr.Message, "<") {
			apiErr.Message = ""
		}
		return apiErr
	}

	apiErr.Code = strings.TrimSpace(envelope.Code)
	apiErr.Message = strings.TrimSpace(envelope.Message)
	if len(envelope.Error) > 0 {
		var text string
		if err := json.Unmarshal(envelope.Error, &text); err == nil {
			if apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(text)
			} else if apiErr.Code == "" {
				apiErr.Code = strings.TrimSpace(text)
			}
		} else {
			var nested struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(envelope.Error, &nested); err == nil {
				if apiErr.Code == "" {
					apiErr.Code = strings.TrimSpace(nested.Code)
				}
				if apiErr.Message == "" {
					apiErr.Message = strings.TrimSpace(nested.Message)
				}
			}
		}
	}
	return apiErr
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
