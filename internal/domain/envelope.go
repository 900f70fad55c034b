package domain

import "encoding/json"

// Envelope is the standard server response wrapper:
// { success|status, data, message?, code?, pagination? }.
type Envelope struct {
	Success    *bool           `json:"success,omitempty"`
	Status     string          `json:"status,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
	Code       string          `json:"code,omitempty"`
	Pagination *Pagination     `json:"pagination,omitempty"`
	Error      *APIError       `json:"error,omitempty"`
}

// APIError is the nested error object some endpoints return.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Failed reports whether the envelope explicitly signals failure.
func (e Envelope) Failed() bool {
	if e.Success != nil && !*e.Success {
		return true
	}
	return e.Status == "error" || e.Status == "fail"
}

// ErrorCode returns the machine code from either envelope form.
func (e Envelope) ErrorCode() string {
	if e.Error != nil && e.Error.Code != "" {
		return e.Error.Code
	}
	return e.Code
}

// ErrorMessage returns the message from either envelope form.
func (e Envelope) ErrorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}
