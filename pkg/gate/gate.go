// Package gate is the synchronous front of the pipeline: it authenticates a
// submission, validates it against its kind, assigns an idempotency key and
// hands it to the queue. Processing happens later in the worker.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/txgate/pkg/auth"
	"github.com/Mindburn-Labs/txgate/pkg/contracts"
	"github.com/Mindburn-Labs/txgate/pkg/identity"
	"github.com/Mindburn-Labs/txgate/pkg/kinds"
	"github.com/Mindburn-Labs/txgate/pkg/observability"
)

// Authorizer verifies an Authorization header. *auth.TokenAuthorizer implements it.
type Authorizer interface {
	Authorize(ctx context.Context, header string) (*identity.Identity, error)
}

// Enqueuer accepts encoded requests. Every queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, body []byte) (string, error)
}

// Config configures a Gate.
type Config struct {
	// EnqueueTimeout bounds the enqueue call.
	EnqueueTimeout time.Duration
	// KeyBucket is the window within which identical submissions share a derived key.
	KeyBucket time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *observability.Pipeline
}

// Submission is one inbound call.
type Submission struct {
	Authorization  string
	Kind           string
	Payload        json.RawMessage
	IdempotencyKey string
}

// Accepted is returned once a request is durably queued. It says nothing about
// whether the request will succeed.
type Accepted struct {
	IdempotencyKey string
	MessageID      string
	Subject        string
}

// Gate validates and enqueues submissions. It holds no per-request state and is
// safe for concurrent use.
type Gate struct {
	authz  Authorizer
	kinds  *kinds.Registry
	queue  Enqueuer
	cfg    Config
	logger *slog.Logger
}

// New creates a Gate.
func New(authz Authorizer, registry *kinds.Registry, q Enqueuer, cfg Config) *Gate {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if cfg.KeyBucket <= 0 {
		cfg.KeyBucket = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		authz:  authz,
		kinds:  registry,
		queue:  q,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "gate"),
	}
}

// Submit runs the acceptance checks in order and enqueues the request. It returns
// as soon as the queue has the message; rejections are *GateError.
func (g *Gate) Submit(ctx context.Context, s Submission) (*Accepted, error) {
	acc, err := g.submit(ctx, s)
	outcome := "accepted"
	if err != nil {
		var ge *GateError
		if errors.As(err, &ge) {
			outcome = string(ge.Kind)
		}
	}
	g.cfg.Metrics.GateDecision(ctx, s.Kind, outcome)
	return acc, err
}

func (g *Gate) submit(ctx context.Context, s Submission) (*Accepted, error) {
	who, err := g.authz.Authorize(ctx, s.Authorization)
	if err != nil {
		ge := &GateError{Kind: KindUnauthenticated, Detail: "authentication failed", Err: err}
		var ae *auth.AuthError
		if errors.As(err, &ae) {
			ge.Detail = ae.Denial()
		}
		return nil, ge
	}

	kind, err := g.kinds.Lookup(s.Kind)
	if err != nil {
		return nil, &GateError{Kind: KindInvalidPayload, Field: "kind", Detail: fmt.Sprintf("unknown kind %q", s.Kind), Err: err}
	}
	if kind.RequiredScope != "" && !who.HasScope(kind.RequiredScope) {
		return nil, &GateError{Kind: KindForbidden, Detail: fmt.Sprintf("scope %q required", kind.RequiredScope)}
	}
	if err := kind.ValidatePayload(s.Payload); err != nil {
		ge := &GateError{Kind: KindInvalidPayload, Detail: err.Error(), Err: err}
		var verr *kinds.ValidationError
		if errors.As(err, &verr) {
			ge.Field = verr.Field
			ge.Detail = verr.Detail
		}
		return nil, ge
	}

	now := g.cfg.Now().UTC()
	key := s.IdempotencyKey
	if key != "" {
		if !validClientKey(key) {
			return nil, &GateError{Kind: KindInvalidPayload, Field: "idempotencyKey",
				Detail: fmt.Sprintf("must be 1-%d printable ASCII characters", MaxClientKeyLen)}
		}
	} else {
		key, err = DeriveKey(who.Subject, kind.Name, s.Payload, now, g.cfg.KeyBucket)
		if err != nil {
			return nil, &GateError{Kind: KindInvalidPayload, Detail: err.Error(), Err: err}
		}
	}

	req := &contracts.TransactionRequest{
		IdempotencyKey: key,
		Subject:        who.Subject,
		Issuer:         who.Issuer,
		Kind:           kind.Name,
		SchemaVersion:  kind.Version.String(),
		Payload:        s.Payload,
		SubmittedAt:    now,
	}
	body, err := req.Encode()
	if err != nil {
		return nil, &GateError{Kind: KindInvalidPayload, Detail: err.Error(), Err: err}
	}

	qctx, cancel := context.WithTimeout(ctx, g.cfg.EnqueueTimeout)
	defer cancel()
	msgID, err := g.queue.Enqueue(qctx, body)
	if err != nil {
		g.logger.ErrorContext(ctx, "enqueue failed", "idempotency_key", key, "kind", kind.Name, "error", err)
		return nil, &GateError{Kind: KindQueueUnavailable, Detail: "request could not be queued", Err: err}
	}

	g.logger.InfoContext(ctx, "transaction accepted",
		"idempotency_key", key, "kind", kind.Name, "subject", who.Subject, "message_id", msgID)
	return &Accepted{IdempotencyKey: key, MessageID: msgID, Subject: who.Subject}, nil
}
