//go:build !gcp

package evidence

import (
	"context"
	"fmt"
)

func newGCSSink(context.Context, GCSSinkConfig) (Sink, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
