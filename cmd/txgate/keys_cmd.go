package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/txgate/pkg/identity"
)

// runKeysCmd implements `txgate keys <generate|jwks|mint>` for local and test deployments.
func runKeysCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: txgate keys <generate|jwks|mint> [flags]")
		return 2
	}
	switch args[0] {
	case "generate":
		return runKeysGenerate(args[1:], stdout, stderr)
	case "jwks":
		return runKeysJWKS(args[1:], stdout, stderr)
	case "mint":
		return runKeysMint(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown keys command: %s\n", args[0])
		return 2
	}
}

func runKeysGenerate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys generate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var keyOut, jwksOut string
	cmd.StringVar(&keyOut, "key", "signing-key.pem", "Where to write the private key (PEM)")
	cmd.StringVar(&jwksOut, "jwks", "jwks.json", "Where to write the public key set")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ks, err := identity.NewLocalKeySet()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	pemBytes, err := ks.MarshalCurrentPEM()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	jwks, err := ks.JWKS()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(keyOut, pemBytes, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := os.WriteFile(jwksOut, jwks, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "kid %s\nprivate key: %s\njwks: %s\n", ks.CurrentKID(), keyOut, jwksOut)
	return 0
}

func loadKeySet(path string) (*identity.LocalKeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return identity.LoadLocalKeySetPEM(data)
}

func runKeysJWKS(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys jwks", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	keyPath := cmd.String("key", "signing-key.pem", "Private key (PEM) written by keys generate")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	ks, err := loadKeySet(*keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	jwks, err := ks.JWKS()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, string(jwks))
	return 0
}

func runKeysMint(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keys mint", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		keyPath, subject, issuer, audience, scope, roles string
		ttl                                              time.Duration
	)
	cmd.StringVar(&keyPath, "key", "signing-key.pem", "Private key (PEM) written by keys generate")
	cmd.StringVar(&subject, "sub", "", "Token subject (REQUIRED)")
	cmd.StringVar(&issuer, "iss", os.Getenv("TXGATE_ISSUER"), "Token issuer")
	cmd.StringVar(&audience, "aud", os.Getenv("TXGATE_AUDIENCE"), "Token audience")
	cmd.StringVar(&scope, "scope", "transactions:write", "Space-separated scopes")
	cmd.StringVar(&roles, "roles", "", "Comma-separated roles")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" || issuer == "" || audience == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --sub, --iss and --aud are required")
		return 2
	}

	ks, err := loadKeySet(keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   issuer,
		"aud":   audience,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": scope,
	}
	if roles != "" {
		claims["roles"] = strings.Split(roles, ",")
	}
	tok, err := ks.Sign(claims)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
