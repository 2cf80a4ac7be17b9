package main

import (
	"context"
	"fmt"
	"time"

	"mailcal/internal/caldav"
	"mailcal/internal/calsync"
	"mailcal/internal/config"
	"mailcal/internal/database"
	"mailcal/internal/extract"
	"mailcal/internal/mail"
	"mailcal/internal/notify"
	"mailcal/internal/pipeline"
	"mailcal/internal/reconcile"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// buildProcessor wires the pipeline collaborators from configuration.
// The returned cleanup releases connections opened along the way.
func buildProcessor(ctx context.Context, cfg *config.Config, db *sqlx.DB, logger zerolog.Logger) (*pipeline.Processor, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	loc := cfg.Location()

	source, err := buildSource(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	gateway, err := extract.NewOpenAIGateway(extract.OpenAIOptions{
		APIKey:   cfg.OpenAIKey,
		BaseURL:  cfg.OpenAIBaseURL,
		Model:    cfg.OpenAIModel,
		Timeout:  time.Duration(cfg.OpenAITimeout) * time.Second,
		Location: loc,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	matcher, err := reconcile.NewMatcher(cfg.MatchPolicy)
	if err != nil {
		return nil, nil, err
	}

	var calendar calsync.Calendar
	if cfg.CalDAVURL != "" {
		client, err := caldav.New(caldav.Options{
			URL:      cfg.CalDAVURL,
			Username: cfg.CalDAVUsername,
			Password: cfg.CalDAVPassword,
			Location: loc,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to configure calendar: %w", err)
		}
		calendar = client
	} else {
		logger.Warn().Msg("CALDAV_URL not set, occurrences will stay unsynced")
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	cleanup := func() {}
	if cfg.SendGridAPIKey != "" {
		sg, err := notify.NewSendGridNotifier(cfg.SendGridAPIKey, cfg.NotifyEmail, loc)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, sg)
	}
	if cfg.NATSURL != "" {
		nn, err := notify.NewNATSNotifier(cfg.NATSURL)
		if err != nil {
			// Change events are optional; the timeline itself does not depend on them
			logger.Warn().Err(err).Msg("NATS unavailable, change events disabled")
		} else {
			notifiers = append(notifiers, nn)
			cleanup = nn.Close
		}
	}

	engine := reconcile.New(matcher, logger)
	err = database.WithTx(ctx, db, func(tx *sqlx.Tx) error {
		_, err := engine.Rekey(ctx, tx)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	proc := pipeline.New(db, source, gateway,
		engine,
		calsync.NewCoordinator(db, calendar, logger),
		notifiers,
		pipeline.Options{
			Backfill:     cfg.Backfill,
			ContextLimit: cfg.ExtractContextLimit,
			MaxAttempts:  cfg.MaxAttempts,
		}, logger)

	logger.Info().
		Str("source", cfg.MailSource).
		Str("model", cfg.OpenAIModel).
		Str("match_policy", matcher.Name()).
		Bool("backfill", cfg.Backfill).
		Bool("calendar", calendar != nil).
		Int("notifiers", len(notifiers)).
		Msg("Pipeline configured")

	return proc, cleanup, nil
}

func buildSource(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (mail.Source, error) {
	filter := mail.Filter{From: cfg.FilterFromEmail, Subject: cfg.FilterSubject}
	normalizer := mail.NewNormalizer(cfg.HTMLRenderer)

	switch cfg.MailSource {
	case config.MailSourceMaildir:
		return mail.NewDirSource(cfg.MaildirPath, filter, normalizer, logger), nil
	default:
		svc, err := mail.NewGmailService(ctx, cfg.GmailCredentials)
		if err != nil {
			return nil, err
		}
		return mail.NewGmailSource(svc, cfg.GmailQuery, filter, normalizer, logger), nil
	}
}
