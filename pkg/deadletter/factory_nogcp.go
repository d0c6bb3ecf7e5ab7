//go:build !gcp

package deadletter

import (
	"context"
	"fmt"
)

// GCSConfig holds configuration for the GCS sink, available with -tags gcp.
type GCSConfig struct {
	Bucket string
	Prefix string
}

func newGCSSink(ctx context.Context, cfg GCSConfig) (Sink, error) {
	return nil, fmt.Errorf("GCS dead-letter archive is not enabled in this build (use -tags gcp)")
}
