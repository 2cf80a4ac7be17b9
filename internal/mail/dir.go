package mail

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mailcal/internal/models"

	"github.com/rs/zerolog"
)

// DirSource reads .eml files dropped into a directory tree
type DirSource struct {
	dir        string
	filter     Filter
	normalizer Normalizer
	logger     zerolog.Logger
	now        func() time.Time
}

// NewDirSource creates a source over dir
func NewDirSource(dir string, filter Filter, normalizer Normalizer, logger zerolog.Logger) *DirSource {
	return &DirSource{
		dir:        dir,
		filter:     filter,
		normalizer: normalizer,
		logger:     logger.With().Str("component", "mail.dir").Logger(),
		now:        time.Now,
	}
}

// FetchSince walks the directory and returns matching messages delivered at or after since.
// A file that cannot be read or parsed fails the whole fetch so it is retried rather than skipped.
func (s *DirSource) FetchSince(ctx context.Context, since *time.Time) ([]models.Message, error) {
	var messages []models.Message

	err := filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(path), ".eml") {
			return nil
		}

		msg, err := s.readFile(ctx, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if since != nil && msg.DeliveredAt.Before(*since) {
			return nil
		}
		if !s.filter.Match(msg.Sender, msg.Subject) {
			return nil
		}

		messages = append(messages, msg)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read mail directory: %w", err)
	}

	SortByDelivery(messages)

	s.logger.Debug().Int("count", len(messages)).Msg("Fetched messages from directory")
	return messages, nil
}

func (s *DirSource) readFile(ctx context.Context, path string) (models.Message, error) {
	file, err := os.Open(path)
	if err != nil {
		return models.Message{}, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Error closing file")
		}
	}()

	msg, err := ParseEML(file)
	if err != nil {
		return models.Message{}, err
	}

	if msg.ID == "" {
		rel, _ := filepath.Rel(s.dir, path)
		sum := sha1.Sum([]byte(rel))
		msg.ID = "file-" + hex.EncodeToString(sum[:])
	}
	if msg.DeliveredAt.IsZero() {
		info, err := file.Stat()
		if err != nil {
			return models.Message{}, err
		}
		msg.DeliveredAt = info.ModTime().UTC().Truncate(time.Second)
	}
	msg.RetrievedAt = s.now().UTC()

	body, err := normalizeBody(ctx, s.normalizer, msg.Body, msg.ContentKind)
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Rendering failed, stripped tags instead")
	}
	msg.Body = body

	return msg, nil
}
