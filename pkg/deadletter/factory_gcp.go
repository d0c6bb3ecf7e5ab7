//go:build gcp

package deadletter

import "context"

func newGCSSink(ctx context.Context, cfg GCSConfig) (Sink, error) {
	return NewGCSSink(ctx, cfg)
}
