// Package api exposes the gate and the transaction store over HTTP. Error
// responses are RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/txgate/pkg/auth"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Field names the offending request member for validation problems.
	Field string `json:"field,omitempty"`
	// RequestID correlates the response with server logs.
	RequestID string `json:"request_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// problemType returns the type URI for a problem slug.
func problemType(slug string) string {
	return "urn:txgate:problem:" + slug
}

// WriteProblem writes p as application/problem+json, filling the request context fields.
func WriteProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemType(strconv.Itoa(p.Status))
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.RequestID = auth.RequestID(r.Context())
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a problem with the given status, title and detail.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	WriteProblem(w, r, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 problem.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 problem with a Bearer challenge.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	WriteProblem(w, r, &ProblemDetail{Type: problemType("unauthenticated"), Title: "Unauthorized", Status: http.StatusUnauthorized, Detail: detail})
}

// WriteForbidden writes a 403 problem.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteProblem(w, r, &ProblemDetail{Type: problemType("forbidden"), Title: "Forbidden", Status: http.StatusForbidden, Detail: detail})
}

// WriteNotFound writes a 404 problem.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 problem with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteUnavailable writes a 503 problem with a Retry-After header.
func WriteUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("Retry-After", "5")
	WriteProblem(w, r, &ProblemDetail{Type: problemType("unavailable"), Title: "Service Unavailable", Status: http.StatusServiceUnavailable, Detail: detail})
}

// WriteInternal writes a 500 problem. err is logged, never returned to the client.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	auth.Logger(r.Context(), slog.Default()).Error("internal server error", "error", err)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
