package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/harunari/chotatsu-sync/internal/portal"
)

// Multi fans one message out to every configured transport. A failing
// transport is logged and does not stop the others; every run must surface
// somewhere.
type Multi struct {
	transports []portal.Notifier
	logger     *zap.Logger
}

// NewMulti builds the fan-out notifier.
func NewMulti(logger *zap.Logger, transports ...portal.Notifier) *Multi {
	return &Multi{transports: transports, logger: logger}
}

// Send delivers to all transports and joins their failures.
func (m *Multi) Send(ctx context.Context, subject, body string) error {
	var errs []error
	for _, t := range m.transports {
		if err := t.Send(ctx, subject, body); err != nil {
			m.logger.Warn("notification transport failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
