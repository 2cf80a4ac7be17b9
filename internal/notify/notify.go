// Package notify reports processed and failed messages to the outside world.
//
// Notifications are fire-and-forget: a notifier error is logged by the caller
// and never affects processing.
package notify

import (
	"context"
	"errors"

	"mailcal/internal/models"
	"mailcal/internal/reconcile"

	"github.com/rs/zerolog"
)

// Notifier receives the outcome of each processed message
type Notifier interface {
	NotifySuccess(ctx context.Context, msg models.Message, results []reconcile.Result) error
	// NotifyFailure reports a failure. msg is nil for failures outside any one message.
	NotifyFailure(ctx context.Context, msg *models.Message, reason error) error
}

// Multi fans out to several notifiers
type Multi []Notifier

func (m Multi) NotifySuccess(ctx context.Context, msg models.Message, results []reconcile.Result) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifySuccess(ctx, msg, results); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyFailure(ctx context.Context, msg *models.Message, reason error) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyFailure(ctx, msg, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) NotifySuccess(_ context.Context, msg models.Message, results []reconcile.Result) error {
	counts := reconcile.Count(results)
	n.logger.Info().
		Str("message_id", msg.ID).
		Str("subject", msg.Subject).
		Int("inserted", counts[reconcile.OutcomeInserted]).
		Int("updated", counts[reconcile.OutcomeUpdated]).
		Int("superseded", counts[reconcile.OutcomeSuperseded]).
		Int("dropped", counts[reconcile.OutcomeDropped]).
		Msg("Message processed")
	return nil
}

func (n *LogNotifier) NotifyFailure(_ context.Context, msg *models.Message, reason error) error {
	ev := n.logger.Error().Err(reason)
	if msg != nil {
		ev = ev.Str("message_id", msg.ID).Str("subject", msg.Subject)
	}
	ev.Msg("Processing failed")
	return nil
}
