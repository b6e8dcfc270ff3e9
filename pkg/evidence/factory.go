package evidence

import (
	"context"
	"fmt"
)

// SinkType selects an evidence storage backend.
type SinkType string

const (
	SinkTypeFS  SinkType = "fs"
	SinkTypeS3  SinkType = "s3"
	SinkTypeGCS SinkType = "gcs"
)

// SinkConfig describes where bundles are stored.
type SinkConfig struct {
	Type SinkType
	// Dir is the filesystem sink directory.
	Dir string
	S3  S3SinkConfig
	GCS GCSSinkConfig
}

// GCSSinkConfig holds configuration for the GCS sink, available in builds
// tagged gcp.
type GCSSinkConfig struct {
	Bucket string
	Prefix string
}

// NewSink creates the sink cfg describes. An empty type is the filesystem.
func NewSink(ctx context.Context, cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case SinkTypeFS, "":
		dir := cfg.Dir
		if dir == "" {
			dir = "evidence"
		}
		return NewFileSink(dir)
	case SinkTypeS3:
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Sink(ctx, cfg.S3)
	case SinkTypeGCS:
		return newGCSSink(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported evidence sink type: %s", cfg.Type)
	}
}
