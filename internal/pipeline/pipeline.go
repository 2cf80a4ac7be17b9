// Package pipeline runs ingestion cycles: select new messages, extract their
// events, fold them into the timeline and push the result to the calendar.
//
// A message is written to the store only after its events have been reconciled,
// in the same transaction. A message that fails is therefore not recorded and
// the ingestion cursor offers it again on the next cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailcal/internal/calsync"
	"mailcal/internal/database"
	"mailcal/internal/extract"
	"mailcal/internal/ingest"
	"mailcal/internal/mail"
	"mailcal/internal/models"
	"mailcal/internal/notify"
	"mailcal/internal/reconcile"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// ErrEmptyBody is returned for messages without any text to extract from
var ErrEmptyBody = errors.New("message body is empty")

// Options tunes a processor
type Options struct {
	Backfill     bool // Process every new message instead of only the latest
	ContextLimit int  // Known occurrences handed to the extractor
	MaxAttempts  int  // Dead-letter a message after this many failures; 0 retries forever
}

// Processor owns one store and its collaborators. It is not safe for concurrent cycles.
type Processor struct {
	db       *sqlx.DB
	source   mail.Source
	gateway  extract.Gateway
	engine   *reconcile.Engine
	sync     *calsync.Coordinator
	notifier notify.Notifier
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a processor
func New(db *sqlx.DB, source mail.Source, gateway extract.Gateway, engine *reconcile.Engine,
	sync *calsync.Coordinator, notifier notify.Notifier, opts Options, logger zerolog.Logger) *Processor {
	if notifier == nil {
		notifier = notify.Multi{}
	}
	return &Processor{
		db:       db,
		source:   source,
		gateway:  gateway,
		engine:   engine,
		sync:     sync,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		now:      time.Now,
	}
}

// Outcome of processing one message
type Outcome struct {
	Results    []reconcile.Result
	Pushed     int
	DeadLetter bool
}

// RunCycle runs one ingestion cycle and records it in the run ledger.
// Message failures are counted, not returned; the returned error is a cycle-level failure.
// Cancelling ctx stops the cycle before the next message, never in the middle of one.
func (p *Processor) RunCycle(ctx context.Context) (models.CycleRun, error) {
	run := models.CycleRun{StartedAt: p.now().UTC().Truncate(time.Second)}

	id, err := database.StartRun(ctx, p.db, run.StartedAt)
	if err != nil {
		return run, err
	}
	run.ID = id
	logger := p.logger.With().Int64("cycle_id", id).Logger()

	cycleErr := p.runCycle(ctx, &run, logger)

	finished := p.now().UTC().Truncate(time.Second)
	run.FinishedAt = &finished
	if cycleErr != nil {
		run.Error = cycleErr.Error()
	}
	if err := database.FinishRun(context.WithoutCancel(ctx), p.db, run); err != nil {
		logger.Error().Err(err).Msg("Failed to record cycle")
	}

	ev := logger.Info()
	if cycleErr != nil {
		ev = logger.Error().Err(cycleErr)
	}
	ev.Int("selected", run.Selected).
		Int("processed", run.Processed).
		Int("failed", run.Failed).
		Int("pushed", run.Pushed).
		Dur("duration", run.Duration()).
		Msg("Cycle finished")

	return run, cycleErr
}

func (p *Processor) runCycle(ctx context.Context, run *models.CycleRun, logger zerolog.Logger) error {
	// Collaborator calls are bounded by their own timeouts; shutdown is honoured between messages.
	work := context.WithoutCancel(ctx)

	messages, err := ingest.SelectUnprocessed(work, p.db, p.source, p.opts.Backfill)
	if err != nil {
		p.notifyFailure(work, nil, err)
		return err
	}
	run.Selected = len(messages)
	logger.Info().Int("selected", len(messages)).Bool("backfill", p.opts.Backfill).Msg("Selected messages")

	for _, msg := range messages {
		if ctx.Err() != nil {
			logger.Warn().Int("remaining", run.Selected-run.Processed-run.Failed).Msg("Cycle interrupted")
			return ctx.Err()
		}

		outcome, err := p.ProcessMessage(work, msg)
		run.Pushed += outcome.Pushed
		if err != nil {
			run.Failed++
			continue
		}
		run.Processed++
	}

	pending, err := p.sync.SyncPending(work)
	run.Pushed += pending.Pushed
	if err != nil {
		return fmt.Errorf("calendar sync: %w", err)
	}
	return nil
}

// ProcessMessage extracts and reconciles one message and persists it on success.
// On failure nothing about the message is written except its failure counter.
func (p *Processor) ProcessMessage(ctx context.Context, msg models.Message) (Outcome, error) {
	start := p.now()
	logger := p.logger.With().Str("message_id", msg.ID).Logger()

	results, err := p.reconcileMessage(ctx, msg)
	if err != nil {
		dead := p.handleFailure(ctx, msg, err, logger)
		logger.Warn().Err(err).Bool("dead_letter", dead).Dur("duration", p.now().Sub(start)).Msg("Message failed")
		return Outcome{DeadLetter: dead}, err
	}

	outcome := Outcome{Results: results}

	pushed, err := p.sync.PushForMessage(ctx, msg.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Calendar push failed, left for the next sync")
	}
	outcome.Pushed = pushed.Pushed

	if err := p.notifier.NotifySuccess(ctx, msg, results); err != nil {
		logger.Warn().Err(err).Msg("Notification failed")
	}

	counts := reconcile.Count(results)
	logger.Info().
		Str("subject", msg.Subject).
		Int("inserted", counts[reconcile.OutcomeInserted]).
		Int("updated", counts[reconcile.OutcomeUpdated]).
		Int("superseded", counts[reconcile.OutcomeSuperseded]).
		Int("dropped", counts[reconcile.OutcomeDropped]).
		Int("pushed", outcome.Pushed).
		Dur("duration", p.now().Sub(start)).
		Msg("Message processed")

	return outcome, nil
}

func (p *Processor) reconcileMessage(ctx context.Context, msg models.Message) ([]reconcile.Result, error) {
	if strings.TrimSpace(msg.Body) == "" {
		return nil, ErrEmptyBody
	}

	known, err := database.ListRecentOccurrences(ctx, p.db, p.opts.ContextLimit)
	if err != nil {
		return nil, err
	}

	cands, err := p.gateway.Extract(ctx, msg, known)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	cands = extract.Active(cands)

	msg.Status = models.StatusProcessed
	msg.RetrievedAt = p.now().UTC()

	var results []reconcile.Result
	err = database.WithTx(ctx, p.db, func(tx *sqlx.Tx) error {
		res, err := p.engine.ReconcileBatch(ctx, tx, cands, &msg)
		if err != nil {
			return err
		}
		results = res
		if err := database.SaveMessage(ctx, tx, msg); err != nil {
			return err
		}
		return database.ClearFailure(ctx, tx, msg.ID)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// handleFailure bumps the failure counter and dead-letters the message once it has
// used up its attempts. It reports whether the message was dead-lettered.
func (p *Processor) handleFailure(ctx context.Context, msg models.Message, cause error, logger zerolog.Logger) bool {
	now := p.now().UTC()

	attempts, err := database.RecordFailure(ctx, p.db, msg, cause.Error(), now)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record failure")
		p.notifyFailure(ctx, &msg, cause)
		return false
	}

	if p.opts.MaxAttempts <= 0 || attempts < p.opts.MaxAttempts {
		p.notifyFailure(ctx, &msg, cause)
		return false
	}

	msg.Status = models.StatusDeadLetter
	msg.RetrievedAt = now
	err = database.WithTx(ctx, p.db, func(tx *sqlx.Tx) error {
		if err := database.SaveMessage(ctx, tx, msg); err != nil {
			return err
		}
		return database.ClearFailure(ctx, tx, msg.ID)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to dead-letter message")
		p.notifyFailure(ctx, &msg, cause)
		return false
	}

	logger.Error().Err(cause).Int("attempts", attempts).Msg("Message dead-lettered")
	p.notifyFailure(ctx, &msg, fmt.Errorf("gave up after %d attempts: %w", attempts, cause))
	return true
}

func (p *Processor) notifyFailure(ctx context.Context, msg *models.Message, cause error) {
	if err := p.notifier.NotifyFailure(ctx, msg, cause); err != nil {
		p.logger.Warn().Err(err).Msg("Notification failed")
	}
}
