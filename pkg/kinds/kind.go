package kinds

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

// Definition is the configuration form of a kind, as loaded from YAML.
type Definition struct {
	Name          string    `yaml:"name" json:"name"`
	Version       string    `yaml:"version" json:"version"`
	Schema        string    `yaml:"schema" json:"schema"`
	RequiredScope string    `yaml:"required_scope,omitempty" json:"required_scope,omitempty"`
	Rules         []RuleDef `yaml:"rules,omitempty" json:"rules,omitempty"`
	Effect        string    `yaml:"effect" json:"effect"`
}

// RuleDef is a CEL expression that must evaluate to true for a request to proceed.
type RuleDef struct {
	Expr    string `yaml:"expr" json:"expr"`
	Message string `yaml:"message" json:"message"`
}

type rule struct {
	expr    string
	message string
	prg     cel.Program
}

// Kind is a compiled, immutable kind: schema, rules and business effect.
type Kind struct {
	Name          string
	Version       *semver.Version
	RequiredScope string

	schema *jsonschema.Schema
	rules  []rule
	effect Effect
}

func compileKind(env *cel.Env, def Definition, effect Effect) (*Kind, error) {
	if def.Name == "" {
		return nil, errors.New("kind name is required")
	}
	v, err := semver.NewVersion(def.Version)
	if err != nil {
		return nil, fmt.Errorf("kind %s: version %q: %w", def.Name, def.Version, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://txgate.schemas.local/kinds/%s/%s.schema.json", def.Name, v)
	if err := c.AddResource(schemaURL, strings.NewReader(def.Schema)); err != nil {
		return nil, fmt.Errorf("kind %s: schema load failed: %w", def.Name, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("kind %s: schema compile failed: %w", def.Name, err)
	}

	k := &Kind{
		Name:          def.Name,
		Version:       v,
		RequiredScope: def.RequiredScope,
		schema:        compiled,
		effect:        effect,
	}
	for i, rd := range def.Rules {
		ast, issues := env.Compile(rd.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("kind %s: rule %d compile: %w", def.Name, i, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("kind %s: rule %d program: %w", def.Name, i, err)
		}
		msg := rd.Message
		if msg == "" {
			msg = fmt.Sprintf("rule %d violated", i)
		}
		k.rules = append(k.rules, rule{expr: rd.Expr, message: msg, prg: prg})
	}
	return k, nil
}

// ValidatePayload checks that payload is a JSON object matching the kind's schema.
// Failures are *ValidationError naming the deepest offending field.
func (k *Kind) ValidatePayload(payload json.RawMessage) error {
	doc, err := decodeObject(payload)
	if err != nil {
		return &ValidationError{Detail: err.Error()}
	}
	if err := k.schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fieldError(verr)
		}
		return &ValidationError{Detail: err.Error()}
	}
	return nil
}

// CompatibleWith reports whether a request built against schemaVersion can be
// processed by this kind. Only the major version has to match.
func (k *Kind) CompatibleWith(schemaVersion string) error {
	if schemaVersion == "" {
		return nil
	}
	v, err := semver.NewVersion(schemaVersion)
	if err != nil {
		return reject(k.Name, "invalid schema version %q", schemaVersion)
	}
	if v.Major() != k.Version.Major() {
		return reject(k.Name, "schema version %s incompatible with %s", v, k.Version)
	}
	return nil
}

// Apply evaluates the kind's rules and then runs its effect.
func (k *Kind) Apply(ctx context.Context, req *contracts.TransactionRequest) (json.RawMessage, error) {
	if err := k.CompatibleWith(req.SchemaVersion); err != nil {
		return nil, err
	}
	if err := k.evaluateRules(req); err != nil {
		return nil, err
	}
	if k.effect == nil {
		return nil, reject(k.Name, "no effect configured")
	}
	return k.effect.Apply(ctx, req)
}

func (k *Kind) evaluateRules(req *contracts.TransactionRequest) error {
	if len(k.rules) == 0 {
		return nil
	}
	doc, err := decodeObject(req.Payload)
	if err != nil {
		return reject(k.Name, "payload: %v", err)
	}
	input := map[string]any{
		"payload": doc,
		"subject": req.Subject,
		"kind":    req.Kind,
	}
	for _, r := range k.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			return reject(k.Name, "%s (%v)", r.message, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return reject(k.Name, "rule %q did not return a bool", r.expr)
		}
		if !ok {
			return reject(k.Name, "%s", r.message)
		}
	}
	return nil
}

func decodeObject(payload json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New("payload is required")
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, errors.New("payload must be a JSON object")
	}
	return obj, nil
}

// fieldError reduces a schema failure to its deepest cause.
func fieldError(verr *jsonschema.ValidationError) *ValidationError {
	leaf := deepest(verr)
	field := pointerToField(leaf.InstanceLocation)
	if name, ok := missingProperty(leaf.Message); ok {
		if field == "" {
			field = name
		} else {
			field += "." + name
		}
	}
	return &ValidationError{Field: field, Detail: leaf.Message}
}

func deepest(v *jsonschema.ValidationError) *jsonschema.ValidationError {
	best := v
	for _, c := range v.Causes {
		d := deepest(c)
		if depth(d.InstanceLocation) > depth(best.InstanceLocation) || len(best.Causes) > 0 {
			best = d
		}
	}
	return best
}

func depth(ptr string) int {
	if ptr == "" || ptr == "/" {
		return 0
	}
	return strings.Count(ptr, "/")
}

func pointerToField(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

func missingProperty(msg string) (string, bool) {
	_, rest, ok := strings.Cut(msg, "missing properties: ")
	if !ok {
		return "", false
	}
	first, _, _ := strings.Cut(rest, ",")
	return strings.Trim(strings.TrimSpace(first), `'"`), true
}
