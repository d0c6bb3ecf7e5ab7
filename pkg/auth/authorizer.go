package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/txgate/pkg/identity"
)

// KeyResolver supplies verification keys. *identity.KeySetCache implements it.
type KeyResolver interface {
	Active(ctx context.Context) (*identity.KeySet, error)
	// Refresh forces a fetch on behalf of a token that named kid.
	Refresh(ctx context.Context, kid string) (*identity.KeySet, error)
}

// Config configures a TokenAuthorizer.
type Config struct {
	Issuer   string
	Audience string
	// Leeway is the clock-skew tolerance applied to exp, iat and nbf.
	Leeway time.Duration
	// Algorithms lists the JWS algorithms accepted at all.
	Algorithms []string
	Now        func() time.Time
	Logger     *slog.Logger
}

// DefaultAlgorithms are the asymmetric algorithms accepted when none are configured.
var DefaultAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512", "EdDSA"}

// TokenAuthorizer verifies bearer tokens against a rotating key set.
type TokenAuthorizer struct {
	keys   KeyResolver
	cfg    Config
	logger *slog.Logger
	parser *jwt.Parser
}

// NewTokenAuthorizer creates an authorizer. Issuer and audience are mandatory (fail closed).
func NewTokenAuthorizer(keys KeyResolver, cfg Config) (*TokenAuthorizer, error) {
	if keys == nil {
		return nil, errors.New("auth: key resolver is required")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("auth: issuer and audience are required")
	}
	if cfg.Leeway < 0 {
		return nil, errors.New("auth: leeway must not be negative")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = DefaultAlgorithms
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &TokenAuthorizer{
		keys:   keys,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "authorizer"),
		parser: jwt.NewParser(),
	}, nil
}

// Authorize verifies the Authorization header value and returns the caller's identity.
// All failures are *AuthError denials; infrastructure trouble never escapes as a panic
// or an untyped error.
func (a *TokenAuthorizer) Authorize(ctx context.Context, header string) (*identity.Identity, error) {
	id, err := a.authorize(ctx, header)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) && ae.KeyProblem() {
			a.logger.WarnContext(ctx, "token denied: key problem", "kind", ae.Kind, "error", ae.Err)
		} else {
			a.logger.DebugContext(ctx, "token denied", "error", err)
		}
		return nil, err
	}
	return id, nil
}

func (a *TokenAuthorizer) authorize(ctx context.Context, header string) (*identity.Identity, error) {
	raw, err := bearerToken(header)
	if err != nil {
		return nil, err
	}

	unverified, _, err := a.parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, authErr(KindMalformedToken, err)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, authErr(KindMalformedToken, errors.New("missing kid header"))
	}
	alg, _ := unverified.Header["alg"].(string)
	if !slices.Contains(a.cfg.Algorithms, alg) {
		return nil, authErr(KindSignatureInvalid, fmt.Errorf("algorithm %q not allowed", alg))
	}

	key, err := a.resolveKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != alg {
		return nil, authErr(KindSignatureInvalid, fmt.Errorf("token alg %q does not match key alg %q", alg, key.Algorithm))
	}

	claims := jwt.MapClaims{}
	verifier := jwt.NewParser(jwt.WithValidMethods([]string{key.Algorithm}), jwt.WithoutClaimsValidation())
	_, err = verifier.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key.PublicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, authErr(KindMalformedToken, err)
		}
		return nil, authErr(KindSignatureInvalid, err)
	}

	return a.checkClaims(claims)
}

// resolveKey finds kid in the active set, forcing one refresh on a miss so that
// a key rotated in since the last fetch is picked up without waiting for the TTL.
func (a *TokenAuthorizer) resolveKey(ctx context.Context, kid string) (identity.SigningKey, error) {
	ks, err := a.keys.Active(ctx)
	if err != nil {
		return identity.SigningKey{}, authErr(KindKeyUnavailable, err)
	}
	if k, ok := ks.Usable(kid, a.cfg.Now()); ok {
		return k, nil
	}

	ks, err = a.keys.Refresh(ctx, kid)
	if err != nil {
		return identity.SigningKey{}, authErr(KindKeyUnavailable, err)
	}
	if k, ok := ks.Usable(kid, a.cfg.Now()); ok {
		return k, nil
	}
	return identity.SigningKey{}, authErr(KindUnknownKey, fmt.Errorf("kid %q not in key set", kid))
}

// checkClaims applies the time, issuer and audience checks in a fixed order;
// the first failure decides the error kind.
func (a *TokenAuthorizer) checkClaims(claims jwt.MapClaims) (*identity.Identity, error) {
	now := a.cfg.Now()
	leeway := a.cfg.Leeway

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, authErr(KindMalformedToken, errors.New("missing or invalid exp"))
	}
	if !now.Before(exp.Add(leeway)) {
		return nil, authErr(KindExpired, fmt.Errorf("expired at %s", exp.UTC().Format(time.RFC3339)))
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, authErr(KindMalformedToken, errors.New("missing or invalid iat"))
	}
	if iat.After(now.Add(leeway)) {
		return nil, authErr(KindNotYetValid, fmt.Errorf("issued in the future (%s)", iat.UTC().Format(time.RFC3339)))
	}
	nbf, err := claims.GetNotBefore()
	if err != nil {
		return nil, authErr(KindMalformedToken, errors.New("invalid nbf"))
	}
	if nbf != nil && nbf.After(now.Add(leeway)) {
		return nil, authErr(KindNotYetValid, fmt.Errorf("not valid before %s", nbf.UTC().Format(time.RFC3339)))
	}

	iss, _ := claims.GetIssuer()
	if iss != a.cfg.Issuer {
		return nil, authErr(KindIssuerMismatch, fmt.Errorf("issuer %q", iss))
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains(aud, a.cfg.Audience) {
		return nil, authErr(KindAudienceMismatch, fmt.Errorf("audience %v", []string(aud)))
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, authErr(KindMalformedToken, errors.New("missing sub"))
	}

	return &identity.Identity{
		Subject:   sub,
		Issuer:    iss,
		Audience:  a.cfg.Audience,
		Claims:    map[string]any(claims),
		ExpiresAt: exp.Time,
	}, nil
}

// bearerToken extracts the token from "Bearer <jwt>" without touching the network.
func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", authErr(KindMissingToken, nil)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", authErr(KindMalformedToken, errors.New("expected 'Bearer <token>'"))
	}
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return "", authErr(KindMalformedToken, errors.New("token is not a compact JWS"))
	}
	return token, nil
}
