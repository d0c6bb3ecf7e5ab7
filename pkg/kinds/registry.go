package kinds

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

// Effect is the business operation a kind performs once a request is accepted.
// Effects must be deterministic in the request so that re-running one for a
// PENDING record produces the same result.
type Effect interface {
	Apply(ctx context.Context, req *contracts.TransactionRequest) (json.RawMessage, error)
}

// EffectFunc adapts a function to Effect.
type EffectFunc func(ctx context.Context, req *contracts.TransactionRequest) (json.RawMessage, error)

func (f EffectFunc) Apply(ctx context.Context, req *contracts.TransactionRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// Registry maps kind names to compiled kinds. Adding a kind is a Register call,
// not a code change in the gate or worker.
type Registry struct {
	mu      sync.RWMutex
	env     *cel.Env
	kinds   map[string]*Kind
	effects map[string]Effect
	logger  *slog.Logger
}

// NewRegistry creates a registry with the built-in effects installed.
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("subject", cel.StringType),
		cel.Variable("kind", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	r := &Registry{
		env:     env,
		kinds:   make(map[string]*Kind),
		effects: make(map[string]Effect),
		logger:  slog.Default().With("component", "kinds"),
	}
	r.RegisterEffect(PaymentEffect, EffectFunc(applyPayment))
	r.RegisterEffect(AppointmentEffect, EffectFunc(applyAppointment))
	return r, nil
}

// RegisterEffect installs an effect under name, replacing any previous one.
// Kinds already compiled keep the effect they were built with.
func (r *Registry) RegisterEffect(name string, e Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects[name] = e
}

// Register compiles def and installs it. When the kind already exists, the
// higher version wins.
func (r *Registry) Register(def Definition) error {
	r.mu.RLock()
	effect, ok := r.effects[def.Effect]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("kind %s: unknown effect %q", def.Name, def.Effect)
	}

	k, err := compileKind(r.env, def, effect)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.kinds[k.Name]; ok && !k.Version.GreaterThan(existing.Version) {
		r.logger.Debug("kind already registered at same or newer version",
			"kind", k.Name, "registered", existing.Version.String(), "offered", k.Version.String())
		return nil
	}
	r.kinds[k.Name] = k
	r.logger.Info("kind registered", "kind", k.Name, "version", k.Version.String(), "effect", def.Effect)
	return nil
}

// RegisterAll registers every definition, stopping at the first error.
func (r *Registry) RegisterAll(defs []Definition) error {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (*Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

// Names lists registered kinds in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
