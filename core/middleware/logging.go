package middleware

import (
	"time"

	"go.uber.org/zap"

	"github.com/miladsoleymani/relaymux/core"
)

// Logging returns middleware that logs message processing duration and errors.
func Logging(logger *zap.Logger) core.MiddlewareFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next core.HandlerFunc) core.HandlerFunc {
		return func(c core.Context) error {
			start := time.Now()
			err := next(c)

			fields := []zap.Field{
				zap.Int("receiver_id", c.ReceiverID()),
				zap.String("destination", c.Destination()),
				zap.String("message_id", c.Delivery().ID()),
				zap.Stringer("envelope", c.Envelope()),
				zap.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				logger.Error("message handling failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("message handled", fields...)
			}
			return err
		}
	}
}
