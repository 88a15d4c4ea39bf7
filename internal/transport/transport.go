package transport

import (
	"context"
	"errors"

	"rollingstats/internal/models"
)

// ErrUnavailable marks a send failure that is worth retrying later.
var ErrUnavailable = errors.New("transport unavailable")

// Publisher hands summary records to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, record *models.SummaryRecord) error
	Close() error
}

// Retryable reports whether err is a transient transport failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
