package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/txgate/pkg/auth"
	"github.com/Mindburn-Labs/txgate/pkg/contracts"
	"github.com/Mindburn-Labs/txgate/pkg/gate"
	"github.com/Mindburn-Labs/txgate/pkg/identity"
	"github.com/Mindburn-Labs/txgate/pkg/observability"
	"github.com/Mindburn-Labs/txgate/pkg/store"
)

// Submitter accepts transaction submissions. *gate.Gate implements it.
type Submitter interface {
	Submit(ctx context.Context, s gate.Submission) (*gate.Accepted, error)
}

// Authorizer verifies bearer tokens for the read endpoints.
type Authorizer interface {
	Authorize(ctx context.Context, header string) (*identity.Identity, error)
}

// RecordReader is the read side of the transaction store.
type RecordReader interface {
	Get(ctx context.Context, key string) (*contracts.TransactionRecord, error)
	ListBySubject(ctx context.Context, subject string, limit int) ([]*contracts.TransactionRecord, error)
}

// Config configures a Server.
type Config struct {
	// AdminRole may read any subject's transactions.
	AdminRole    string
	MaxBodyBytes int64
	ListLimit    int
	ReadTimeout  time.Duration
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	RateBurst int
	Tracker   observability.Tracker
	Logger    *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.AdminRole == "" {
		c.AdminRole = "admin"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 50
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server routes the transaction endpoints.
type Server struct {
	gate    Submitter
	records RecordReader
	authz   Authorizer
	cfg     Config
	logger  *slog.Logger
}

// NewServer creates a Server.
func NewServer(g Submitter, records RecordReader, authz Authorizer, cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		gate:    g,
		records: records,
		authz:   authz,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "api"),
	}
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/transactions", s.handleSubmit)
	mux.Handle("GET /v1/transactions/{key}", s.authenticate(http.HandlerFunc(s.handleGet)))
	mux.Handle("GET /v1/transactions", s.authenticate(http.HandlerFunc(s.handleList)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var h http.Handler = mux
	if s.cfg.RateLimit > 0 {
		h = NewClientRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst).Middleware(h)
	}
	h = s.track(h)
	return auth.RequestIDMiddleware(h)
}

type submitBody struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

type acceptedBody struct {
	IdempotencyKey string           `json:"idempotencyKey"`
	MessageID      string           `json:"messageId"`
	Status         contracts.Status `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		WriteBadRequest(w, r, "request body must be a JSON object with kind and payload")
		return
	}

	acc, err := s.gate.Submit(r.Context(), gate.Submission{
		Authorization:  r.Header.Get("Authorization"),
		Kind:           body.Kind,
		Payload:        body.Payload,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		s.writeGateError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/transactions/"+url.PathEscape(acc.IdempotencyKey))
	writeJSON(w, http.StatusAccepted, acceptedBody{
		IdempotencyKey: acc.IdempotencyKey,
		MessageID:      acc.MessageID,
		Status:         contracts.StatusPending,
	})
}

func (s *Server) writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	var ge *gate.GateError
	if !errors.As(err, &ge) {
		WriteInternal(w, r, err)
		return
	}
	switch ge.Kind {
	case gate.KindUnauthenticated:
		WriteUnauthorized(w, r, ge.Detail)
	case gate.KindForbidden:
		WriteForbidden(w, r, ge.Detail)
	case gate.KindInvalidPayload:
		WriteProblem(w, r, &ProblemDetail{
			Type:   problemType("invalid-payload"),
			Title:  "Invalid Payload",
			Status: http.StatusBadRequest,
			Detail: ge.Detail,
			Field:  ge.Field,
		})
	case gate.KindQueueUnavailable:
		auth.Logger(r.Context(), s.logger).Error("submission not queued", "error", ge.Err)
		WriteUnavailable(w, r, ge.Detail)
	default:
		WriteInternal(w, r, err)
	}
}

// authenticate verifies the bearer token and stores the identity in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		who, err := s.authz.Authorize(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			var ae *auth.AuthError
			detail := "authentication failed"
			if errors.As(err, &ae) {
				detail = ae.Denial()
			}
			WriteUnauthorized(w, r, detail)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), who)))
	})
}

type transactionView struct {
	IdempotencyKey string           `json:"idempotencyKey"`
	Kind           string           `json:"kind"`
	Status         contracts.Status `json:"status"`
	Result         json.RawMessage  `json:"result,omitempty"`
	FailureReason  string           `json:"failureReason,omitempty"`
	AttemptCount   int              `json:"attemptCount"`
	SubmittedAt    time.Time        `json:"submittedAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

func viewOf(rec *contracts.TransactionRecord) transactionView {
	return transactionView{
		IdempotencyKey: rec.IdempotencyKey,
		Kind:           rec.Kind,
		Status:         rec.Status,
		Result:         rec.Result,
		FailureReason:  rec.FailureReason,
		AttemptCount:   rec.AttemptCount,
		SubmittedAt:    rec.SubmittedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	who, _ := auth.IdentityFrom(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadTimeout)
	defer cancel()

	rec, err := s.records.Get(ctx, r.PathValue("key"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteNotFound(w, r, "no such transaction")
		return
	case err != nil:
		s.writeStoreError(w, r, err)
		return
	}
	if rec.Subject != who.Subject && !who.HasRole(s.cfg.AdminRole) {
		WriteForbidden(w, r, "transaction belongs to another subject")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	who, _ := auth.IdentityFrom(r.Context())
	limit := s.cfg.ListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteProblem(w, r, &ProblemDetail{Title: "Bad Request", Status: http.StatusBadRequest, Detail: "limit must be a positive integer", Field: "limit"})
			return
		}
		limit = min(n, s.cfg.ListLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadTimeout)
	defer cancel()
	recs, err := s.records.ListBySubject(ctx, who.Subject, limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	out := struct {
		Transactions []transactionView `json:"transactions"`
	}{Transactions: make([]transactionView, 0, len(recs))}
	for _, rec := range recs {
		out.Transactions = append(out.Transactions, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		auth.Logger(r.Context(), s.logger).Warn("store unavailable", "error", err)
		WriteUnavailable(w, r, "transaction store unavailable")
		return
	}
	WriteInternal(w, r, err)
}

// statusRecorder captures the response code for tracing.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) track(next http.Handler) http.Handler {
	if s.cfg.Tracker == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, finish := s.cfg.Tracker.TrackOperation(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
		)
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r.WithContext(ctx))
		var err error
		if sr.status >= http.StatusInternalServerError {
			err = errors.New(http.StatusText(sr.status))
		}
		finish(err)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
