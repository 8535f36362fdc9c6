package outbox

import (
	"context"

	"github.com/warp/loan-engine/loans"
	"go.uber.org/zap"
)

// LogPublisher logs intents instead of delivering them.
type LogPublisher struct {
	Logger *zap.Logger
}

// Publish implements loans.Publisher.
func (p LogPublisher) Publish(_ context.Context, in loans.Intent) (string, error) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("intent",
		zap.String("intent_id", string(in.ID)),
		zap.String("kind", string(in.Kind)),
		zap.String("transfer_id", string(in.TransferID)),
		zap.ByteString("payload", in.Payload),
	)
	return "", nil
}

// Chain publishes to each publisher in turn and returns the first non-empty
// reference. It stops at the first error.
type Chain []loans.Publisher

// Publish implements loans.Publisher.
func (c Chain) Publish(ctx context.Context, in loans.Intent) (string, error) {
	var ref string
	for _, p := range c {
		r, err := p.Publish(ctx, in)
		if err != nil {
			return "", err
		}
		if ref == "" {
			ref = r
		}
	}
	return ref, nil
}

var (
	_ loans.Publisher = LogPublisher{}
	_ loans.Publisher = Chain{}
)
