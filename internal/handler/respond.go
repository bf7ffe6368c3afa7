// Package handler is the thin HTTP adapter: it decodes requests, calls the
// core components and wraps every result in the response envelope. No
// business rules live here.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/wagerline/platform/internal/domain"
)

// Envelope is the uniform response body.
type Envelope struct {
	Status   string     `json:"status"`
	Data     any        `json:"data,omitempty"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// ErrorBody carries the error kind and field details.
type ErrorBody struct {
	Kind    domain.ErrorKind  `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Metadata trails every response.
type Metadata struct {
	Timestamp      time.Time   `json:"timestamp"`
	RequestID      string      `json:"requestId"`
	ProcessingTime string      `json:"processingTime"`
	Pagination     *Pagination `json:"pagination,omitempty"`
}

// Pagination describes a cursor-limited list response.
type Pagination struct {
	Limit int  `json:"limit"`
	Count int  `json:"count"`
	More  bool `json:"more"`
}

// RespondJSON writes a success envelope.
func RespondJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	RespondPage(w, r, status, data, nil)
}

// RespondPage writes a success envelope with pagination metadata.
func RespondPage(w http.ResponseWriter, r *http.Request, status int, data any, page *Pagination) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Envelope{
		Status:   "success",
		Data:     data,
		Metadata: metadataFor(r, page),
	})
}

// RespondError maps a domain error to its transport status and writes the
// error envelope. Internal causes never reach the client.
func RespondError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *domain.AppError
	if !errors.As(err, &appErr) {
		appErr = domain.ErrInternal("internal server error", err)
	}
	body := &ErrorBody{Kind: appErr.Kind, Message: appErr.Message, Details: appErr.Details}
	if appErr.Kind == domain.KindInternal {
		body.Message = "internal server error"
	}
	w.WriteHeader(appErr.Status)
	json.NewEncoder(w).Encode(Envelope{
		Status:   "error",
		Error:    body,
		Metadata: metadataFor(r, nil),
	})
}

// DecodeJSON reads and decodes a JSON request body into dst.
func DecodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.ErrValidation("malformed request body")
	}
	return nil
}

func metadataFor(r *http.Request, page *Pagination) Metadata {
	return Metadata{
		Timestamp:      time.Now().UTC(),
		RequestID:      GetRequestID(r.Context()),
		ProcessingTime: time.Since(requestStart(r.Context())).String(),
		Pagination:     page,
	}
}
