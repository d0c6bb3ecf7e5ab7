package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Mindburn-Labs/txgate/pkg/util/resiliency"
)

// maxKeySetBytes bounds the size of a fetched key document.
const maxKeySetBytes = 1 << 20

// KeySource returns the raw JWKS document from wherever keys are published.
type KeySource interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// KeySourceFunc adapts a function to KeySource.
type KeySourceFunc func(ctx context.Context) ([]byte, error)

func (f KeySourceFunc) Fetch(ctx context.Context) ([]byte, error) { return f(ctx) }

// HTTPSource fetches a JWKS document from an HTTP(S) endpoint.
type HTTPSource struct {
	URL    string
	client *resiliency.EnhancedClient
}

// NewHTTPSource creates a source for url. A nil client gets the default resilient client.
func NewHTTPSource(url string, client *resiliency.EnhancedClient) *HTTPSource {
	if client == nil {
		client = resiliency.NewEnhancedClient("jwks")
	}
	return &HTTPSource{URL: url, client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks fetch %s: %w", s.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch %s: unexpected status %d", s.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("jwks read %s: %w", s.URL, err)
	}
	return body, nil
}

// FileSource reads a JWKS document from disk; useful for air-gapped and lite deployments.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("jwks file: %w", err)
	}
	return data, nil
}
