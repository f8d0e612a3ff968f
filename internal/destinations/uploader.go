// Package destinations delivers finished documents to external systems.
// Every destination implements the same small contract so the upload stage
// can treat them uniformly.
package destinations

import (
	"context"
	"errors"
)

// ErrPollTimeout is returned when a destination accepted the document but
// its ingestion status never reached a final state within the configured
// attempts. Retrying the upload would enqueue the document twice, so this
// error is not retryable.
var ErrPollTimeout = errors.New("destinations: ingestion did not finish in time")

// Uploader delivers one local file to a destination and returns a remote
// reference (file id, path, or document id, depending on the system).
type Uploader interface {
	Name() string
	Upload(ctx context.Context, filePath string) (string, error)
}
