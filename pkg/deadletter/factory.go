package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// SinkType names an archive backend.
type SinkType string

const (
	SinkTypeLog  SinkType = "log"
	SinkTypeFile SinkType = "file"
	SinkTypeS3   SinkType = "s3"
	SinkTypeGCS  SinkType = "gcs"
)

// Config selects and configures archive sinks.
type Config struct {
	// Types is a comma-separated list, e.g. "log,s3". Empty means "log".
	Types string
	Dir   string
	S3    S3Config
	GCS   GCSConfig
}

// New builds the sink set named by cfg.Types.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Sink, error) {
	if strings.TrimSpace(cfg.Types) == "" {
		cfg.Types = string(SinkTypeLog)
	}
	var sinks Multi
	for _, raw := range strings.Split(cfg.Types, ",") {
		switch t := SinkType(strings.TrimSpace(raw)); t {
		case SinkTypeLog:
			sinks = append(sinks, LogSink{Logger: logger})
		case SinkTypeFile:
			if cfg.Dir == "" {
				return nil, fmt.Errorf("deadletter: directory is required for file sink")
			}
			sinks = append(sinks, FileSink{Dir: cfg.Dir})
		case SinkTypeS3:
			s, err := NewS3Sink(ctx, cfg.S3)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case SinkTypeGCS:
			s, err := newGCSSink(ctx, cfg.GCS)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case "":
		default:
			return nil, fmt.Errorf("unsupported dead-letter sink type: %s", t)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}
