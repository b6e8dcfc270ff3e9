//go:build gcp

package evidence

import (
	"context"
	"errors"
)

func newGCSSink(ctx context.Context, cfg GCSSinkConfig) (Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs sink: bucket is required")
	}
	return NewGCSSink(ctx, cfg)
}
